package server

import (
	"io"
	"net"
	"sync"

	"github.com/aeolun/netchat/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization to prevent
// concurrent writes from corrupting the wire protocol.
//
// Broadcasts, private messages and relay streams may all target the same
// connection from different goroutines. SafeConn serializes them, and a relay
// can hold the write path for the whole duration of a raw byte stream so no
// text line lands in the middle of a file.
type SafeConn struct {
	conn   net.Conn
	codec  *protocol.Codec
	reader *protocol.MessageReader
	mu     sync.Mutex // Protects writes to conn

	closeOnce sync.Once
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn, codec *protocol.Codec, maxMessageLength int) *SafeConn {
	if codec.Framing == protocol.FramingLine && codec.Transform.Enabled() {
		// hex doubles the encoded size
		maxMessageLength *= 2
	}
	return &SafeConn{
		conn:   conn,
		codec:  codec,
		reader: protocol.NewMessageReader(conn, codec.Framing, maxMessageLength),
	}
}

// Send encodes a text message and writes it with automatic write synchronization.
func (sc *SafeConn) Send(text string) error {
	data := sc.codec.Encode(text)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := sc.conn.Write(data)
	return err
}

// ReadMessage reads and decodes the next text message.
// Reads don't need write synchronization; only the owning session reads.
func (sc *SafeConn) ReadMessage() (string, error) {
	frame, err := sc.reader.ReadMessage()
	if err != nil {
		return "", err
	}
	return sc.codec.Decode(frame)
}

// RawReader exposes the buffered inbound stream for unframed file bytes.
func (sc *SafeConn) RawReader() io.Reader {
	return sc.reader.Raw()
}

// Stream holds the write lock while fn runs. Inside fn the caller may use
// StreamWriter methods to interleave text notices and raw bytes without
// any other goroutine writing in between.
func (sc *SafeConn) Stream(fn func(w *StreamWriter) error) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return fn(&StreamWriter{sc: sc})
}

// StreamWriter writes to a SafeConn whose lock is already held
type StreamWriter struct {
	sc *SafeConn
}

// Send writes an encoded text message.
func (w *StreamWriter) Send(text string) error {
	_, err := w.sc.conn.Write(w.sc.codec.Encode(text))
	return err
}

// Write writes raw, untransformed bytes.
func (w *StreamWriter) Write(p []byte) (int, error) {
	return w.sc.conn.Write(p)
}

// Close closes the underlying connection. Safe to call more than once.
func (sc *SafeConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		err = sc.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
