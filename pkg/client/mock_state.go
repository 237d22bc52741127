package client

import (
	"sort"
	"sync"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	config   map[string]string
	history  map[string]string
	received []ReceivedFile
	dir      string

	// Error injection
	getConfigErr error
	setConfigErr error
	recordErr    error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		config:  make(map[string]string),
		history: make(map[string]string),
		dir:     "/tmp/mock-state",
	}
}

func (s *MockState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.getConfigErr != nil {
		return "", s.getConfigErr
	}
	return s.config[key], nil
}

func (s *MockState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setConfigErr != nil {
		return s.setConfigErr
	}
	s.config[key] = value
	return nil
}

func (s *MockState) GetLastHandle() string {
	handle, _ := s.GetConfig("last_handle")
	return handle
}

func (s *MockState) SetLastHandle(handle string) error {
	return s.SetConfig("last_handle", handle)
}

func (s *MockState) GetLastSuccessfulMethod(serverAddress string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history[serverAddress], nil
}

func (s *MockState) SaveSuccessfulConnection(serverAddress string, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[serverAddress] = method
	return nil
}

func (s *MockState) RecordReceivedFile(f ReceivedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.received = append(s.received, f)
	return nil
}

// ReceivedFiles returns recorded files, newest first
func (s *MockState) ReceivedFiles(limit int) ([]ReceivedFile, error) {
	s.mu.RLock()
	files := append([]ReceivedFile(nil), s.received...)
	s.mu.RUnlock()

	sort.SliceStable(files, func(i, j int) bool {
		return files[i].ReceivedAt.After(files[j].ReceivedAt)
	})
	if limit >= 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func (s *MockState) GetStateDir() string {
	return s.dir
}

func (s *MockState) Close() error {
	return nil
}

// Test helpers

// SetConfigError injects errors into GetConfig and SetConfig
func (s *MockState) SetConfigError(getErr, setErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getConfigErr = getErr
	s.setConfigErr = setErr
}

// SetRecordError injects an error into RecordReceivedFile
func (s *MockState) SetRecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordErr = err
}
