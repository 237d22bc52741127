package client

import (
	"context"
)

// ConnectionInterface is what the terminal UI needs from a connection.
// The real Connection implements it; MockConnection stands in for tests.
type ConnectionInterface interface {
	Connect() error
	Login(handle string) (string, error)
	Disconnect()
	Close()
	IsConnected() bool

	Send(text string) error
	SendFile(ctx context.Context, recipient, path string) (int64, error)
	Quit() error

	Incoming() <-chan Event

	Handle() string
	GetAddress() string
	GetRawAddress() string
	GetConnectionType() string
	GetBytesSent() uint64
	GetBytesReceived() uint64
}

// StateInterface is the persisted client state the UI uses
type StateInterface interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	GetLastHandle() string
	SetLastHandle(handle string) error

	GetLastSuccessfulMethod(serverAddress string) (string, error)
	SaveSuccessfulConnection(serverAddress string, method string) error

	RecordReceivedFile(f ReceivedFile) error
	ReceivedFiles(limit int) ([]ReceivedFile, error)

	GetStateDir() string
	Close() error
}

var (
	_ ConnectionInterface = (*Connection)(nil)
	_ ConnectionInterface = (*MockConnection)(nil)
	_ StateInterface      = (*State)(nil)
	_ StateInterface      = (*MockState)(nil)
)
