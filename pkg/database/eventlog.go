// Package database stores the server's lifecycle events in SQLite.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned by operations on a closed EventLog
var ErrClosed = errors.New("event log closed")

// Event is one recorded lifecycle line
type Event struct {
	ID         int64
	RecordedAt int64 // unix milliseconds
	Event      string
}

// EventLog is a buffered, SQLite-backed event sink. Record only appends to
// an in-memory buffer; a background goroutine flushes it on a fixed
// interval and once more on Close.
type EventLog struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)

	mu      sync.Mutex
	pending []Event
	closed  bool

	flushMu sync.Mutex // One flush at a time, so Flush returning means written

	flushInterval time.Duration
	shutdown      chan struct{}
	wg            sync.WaitGroup
	now           func() time.Time
}

// OpenEventLog opens (or creates) the event database at path and starts
// the flush loop with a 100ms interval.
func OpenEventLog(path string) (*EventLog, error) {
	return OpenEventLogWithInterval(path, 100*time.Millisecond)
}

// OpenEventLogWithInterval is OpenEventLog with a custom flush interval
func OpenEventLogWithInterval(path string, flushInterval time.Duration) (*EventLog, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	// Exactly 1 connection, no pooling
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)

	if _, err := writeConn.Exec(`CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at INTEGER NOT NULL,
		event TEXT NOT NULL
	)`); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := writeConn.Exec(`CREATE INDEX IF NOT EXISTS idx_events_recorded_at ON events(recorded_at)`); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}

	el := &EventLog{
		conn:          conn,
		writeConn:     writeConn,
		flushInterval: flushInterval,
		shutdown:      make(chan struct{}),
		now:           time.Now,
	}
	el.wg.Add(1)
	go el.flushLoop()
	return el, nil
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows multiple readers and one writer at the same time
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Wait and retry instead of immediately failing with SQLITE_BUSY
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	return conn, nil
}

// Record queues an event. Events recorded after Close are dropped.
func (el *EventLog) Record(event string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.closed {
		return
	}
	el.pending = append(el.pending, Event{RecordedAt: el.now().UnixMilli(), Event: event})
}

// flushLoop periodically writes buffered events
func (el *EventLog) flushLoop() {
	defer el.wg.Done()

	ticker := time.NewTicker(el.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := el.Flush(); err != nil {
				log.Printf("EventLog: flush failed: %v", err)
			}
		case <-el.shutdown:
			if err := el.Flush(); err != nil {
				log.Printf("EventLog: final flush failed: %v", err)
			}
			return
		}
	}
}

// Flush writes every buffered event now. Events that fail to write are
// put back at the head of the buffer.
func (el *EventLog) Flush() error {
	el.flushMu.Lock()
	defer el.flushMu.Unlock()

	el.mu.Lock()
	batch := el.pending
	el.pending = nil
	el.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := el.batchInsert(batch); err != nil {
		el.mu.Lock()
		el.pending = append(batch, el.pending...)
		el.mu.Unlock()
		return err
	}
	return nil
}

// batchInsert writes events with multi-row INSERTs in one transaction
func (el *EventLog) batchInsert(events []Event) error {
	const batchSize = 500

	tx, err := el.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < len(events); i += batchSize {
		end := i + batchSize
		if end > len(events) {
			end = len(events)
		}
		batch := events[i:end]

		var queryBuilder strings.Builder
		queryBuilder.WriteString("INSERT INTO events (recorded_at, event) VALUES ")
		args := make([]interface{}, 0, len(batch)*2)
		for j, ev := range batch {
			if j > 0 {
				queryBuilder.WriteString(", ")
			}
			queryBuilder.WriteString("(?, ?)")
			args = append(args, ev.RecordedAt, ev.Event)
		}

		if _, err := tx.Exec(queryBuilder.String(), args...); err != nil {
			return fmt.Errorf("failed to execute batch insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Recent returns up to limit flushed events, newest first
func (el *EventLog) Recent(limit int) ([]Event, error) {
	el.mu.Lock()
	closed := el.closed
	el.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	rows, err := el.conn.Query(`SELECT id, recorded_at, event FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.RecordedAt, &ev.Event); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Count returns the number of flushed events
func (el *EventLog) Count() (int64, error) {
	var n int64
	if err := el.conn.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Close flushes outstanding events and closes the database
func (el *EventLog) Close() error {
	el.mu.Lock()
	if el.closed {
		el.mu.Unlock()
		return nil
	}
	el.closed = true
	el.mu.Unlock()

	// The flush loop writes whatever is still pending before it exits
	close(el.shutdown)
	el.wg.Wait()

	el.writeConn.Close()
	return el.conn.Close()
}
