package client

import (
	"context"
	"fmt"
	"sync"
)

// MockConnection is a test implementation of ConnectionInterface
type MockConnection struct {
	mu sync.RWMutex

	connected bool
	closed    bool
	address   string
	handle    string

	connectErr  error
	loginReply  string
	loginErr    error
	sendErr     error
	sendFileErr error

	incoming chan Event

	// Sent lines and uploads for verification
	SentMessages []string
	SentFiles    []MockSentFile
}

// MockSentFile records a SendFile call
type MockSentFile struct {
	Recipient string
	Path      string
}

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:  address,
		incoming: make(chan Event, 100),
	}
}

// Connect simulates connecting to the server
func (m *MockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

// Login records the handle and returns the configured reply
func (m *MockConnection) Login(handle string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", ErrNotConnected
	}
	if m.loginErr != nil {
		return "", m.loginErr
	}
	m.handle = handle
	if m.loginReply != "" {
		return m.loginReply, nil
	}
	return "Welcome " + handle + "!", nil
}

// Disconnect simulates disconnecting from the server
func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Close closes the mock connection
func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.connected = false
	close(m.incoming)
}

func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Send records the line
func (m *MockConnection) Send(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.SentMessages = append(m.SentMessages, text)
	return nil
}

// SendFile records the upload without touching the filesystem
func (m *MockConnection) SendFile(ctx context.Context, recipient, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendFileErr != nil {
		return 0, m.sendFileErr
	}
	m.SentFiles = append(m.SentFiles, MockSentFile{Recipient: recipient, Path: path})
	return 0, nil
}

// Quit records "/quit"
func (m *MockConnection) Quit() error {
	return m.Send("/quit")
}

func (m *MockConnection) Incoming() <-chan Event {
	return m.incoming
}

func (m *MockConnection) Handle() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

func (m *MockConnection) GetAddress() string        { return m.address }
func (m *MockConnection) GetRawAddress() string     { return m.address }
func (m *MockConnection) GetConnectionType() string { return "tcp" }
func (m *MockConnection) GetBytesSent() uint64      { return 0 }
func (m *MockConnection) GetBytesReceived() uint64  { return 0 }

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetLoginResult sets what Login returns
func (m *MockConnection) SetLoginResult(reply string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginReply = reply
	m.loginErr = err
}

// SetSendError sets an error to return from Send()
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetSendFileError sets an error to return from SendFile()
func (m *MockConnection) SetSendFileError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendFileErr = err
}

// SimulateEvent pushes an event as if the server had sent it
func (m *MockConnection) SimulateEvent(ev Event) {
	m.incoming <- ev
}

// GetLastSentMessage returns the last line sent, or an error if none
func (m *MockConnection) GetLastSentMessage() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.SentMessages) == 0 {
		return "", fmt.Errorf("no messages sent")
	}
	return m.SentMessages[len(m.SentMessages)-1], nil
}

// GetSentMessageCount returns the number of lines sent
func (m *MockConnection) GetSentMessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.SentMessages)
}

// GetSentFiles returns a copy of the recorded uploads
func (m *MockConnection) GetSentFiles() []MockSentFile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]MockSentFile(nil), m.SentFiles...)
}
