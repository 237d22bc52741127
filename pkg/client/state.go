package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// ReceivedFile is a file saved from a relay
type ReceivedFile struct {
	Sender     string
	Filename   string
	Path       string
	Size       int64
	ReceivedAt time.Time
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS Config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ConnectionHistory (
		server_address TEXT PRIMARY KEY,
		last_successful_method TEXT NOT NULL,
		last_success_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ReceivedFiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		filename TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		received_at INTEGER NOT NULL
	)`,
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

func runMigrations(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)`, key, value)
	return err
}

// GetLastHandle returns the handle used last time
func (s *State) GetLastHandle() string {
	handle, _ := s.GetConfig("last_handle")
	return handle
}

func (s *State) SetLastHandle(handle string) error {
	return s.SetConfig("last_handle", handle)
}

// GetLastSuccessfulMethod retrieves the last successful connection method for a server
func (s *State) GetLastSuccessfulMethod(serverAddress string) (string, error) {
	var method string
	err := s.db.QueryRow(`
		SELECT last_successful_method
		FROM ConnectionHistory
		WHERE server_address = ?
	`, serverAddress).Scan(&method)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return method, err
}

// SaveSuccessfulConnection records a successful connection method for a server
func (s *State) SaveSuccessfulConnection(serverAddress string, method string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ConnectionHistory (server_address, last_successful_method, last_success_at)
		VALUES (?, ?, ?)
	`, serverAddress, method, time.Now().Unix())
	return err
}

// RecordReceivedFile remembers a file saved from a relay
func (s *State) RecordReceivedFile(f ReceivedFile) error {
	_, err := s.db.Exec(`
		INSERT INTO ReceivedFiles (sender, filename, path, size, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, f.Sender, f.Filename, f.Path, f.Size, f.ReceivedAt.UnixMilli())
	return err
}

// ReceivedFiles returns the most recent received files, newest first
func (s *State) ReceivedFiles(limit int) ([]ReceivedFile, error) {
	rows, err := s.db.Query(`
		SELECT sender, filename, path, size, received_at
		FROM ReceivedFiles
		ORDER BY received_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []ReceivedFile
	for rows.Next() {
		var f ReceivedFile
		var at int64
		if err := rows.Scan(&f.Sender, &f.Filename, &f.Path, &f.Size, &at); err != nil {
			return nil, err
		}
		f.ReceivedAt = time.UnixMilli(at)
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
