package server

import "errors"

// Error classes. User-facing replies are plain text; these drive what the
// session does after the reply.
var (
	// ErrProtocol: malformed command. Reply to sender, session continues.
	ErrProtocol = errors.New("protocol error")
	// ErrAuth: bad or duplicate handle. Reply, then close without registering.
	ErrAuth = errors.New("authentication failed")
	// ErrNotFound: unknown target. Reply to sender only.
	ErrNotFound = errors.New("not found")
	// ErrTransferSize: declared size outside (0, max]. Relay never starts.
	ErrTransferSize = errors.New("invalid transfer size")
	// ErrIO: read or write failure. Terminates the enclosing loop.
	ErrIO = errors.New("connection i/o failed")
	// ErrDecode: inbound message could not be decoded. Message is dropped.
	ErrDecode = errors.New("decode failed")

	ErrHandleTaken      = errors.New("handle already taken")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrRecipientOffline = errors.New("recipient offline")
	ErrRecipientBusy    = errors.New("recipient has a pending transfer")
	ErrTransferRejected = errors.New("transfer rejected by recipient")
	ErrClientQuit       = errors.New("client quit")
	ErrServerStopped    = errors.New("server stopped")

	// ErrRelayFailed: the recipient side broke. The sender's stream was
	// drained and its session continues.
	ErrRelayFailed = errors.New("relay failed")
)
