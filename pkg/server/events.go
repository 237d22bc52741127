package server

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventSink records lifecycle events (connections, registrations, relays).
// Record must be safe for concurrent use and must not block for long.
type EventSink interface {
	Record(event string)
}

// NopSink drops every event
type NopSink struct{}

func (NopSink) Record(string) {}

// MultiSink fans an event out to several sinks
type MultiSink []EventSink

func (m MultiSink) Record(event string) {
	for _, s := range m {
		s.Record(event)
	}
}

// eventTimeFormat matches the event log format operators already grep for
const eventTimeFormat = "2006-01-02 15:04:05.000"

// LogSink appends timestamped events to a file and echoes them to a writer
type LogSink struct {
	mu   sync.Mutex
	file *os.File
	echo io.Writer
	now  func() time.Time
}

// OpenLogSink opens (or creates) path for appending. echo may be nil.
func OpenLogSink(path string, echo io.Writer) (*LogSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &LogSink{file: f, echo: echo, now: time.Now}, nil
}

func (s *LogSink) Record(event string) {
	line := "[" + s.now().Format(eventTimeFormat) + "] " + event + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.echo != nil {
		io.WriteString(s.echo, line)
	}
	if s.file != nil {
		if _, err := s.file.WriteString(line); err != nil && errorLog != nil {
			errorLog.Printf("event log write failed: %v", err)
		}
	}
}

// Close closes the underlying file
func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
