package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aeolun/netchat/pkg/protocol"
)

// LoadTestConnection is a bare TCP connection for load testing. It reads
// and writes synchronously with no goroutines of its own, so a load test
// can hold tens of thousands of them.
type LoadTestConnection struct {
	addr   string
	codec  *protocol.Codec
	conn   net.Conn
	reader *protocol.MessageReader
	sendMu sync.Mutex
	recvMu sync.Mutex
	mu     sync.Mutex // Protects closed
	closed bool
}

// NewLoadTestConnection creates a new load test connection
func NewLoadTestConnection(addr string, codec *protocol.Codec) *LoadTestConnection {
	if codec == nil {
		codec = protocol.NewCodec(protocol.FramingLine, nil)
	}
	return &LoadTestConnection{addr: addr, codec: codec}
}

// Connect establishes a TCP connection to the server
func (c *LoadTestConnection) Connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	c.conn = conn
	c.reader = protocol.NewMessageReader(conn, c.codec.Framing, maxInboundMessage)
	return nil
}

// Login sends the handle and returns the welcome line
func (c *LoadTestConnection) Login(handle string, timeout time.Duration) (string, error) {
	if err := c.Send(handle); err != nil {
		return "", err
	}
	reply, err := c.Receive(timeout)
	if err != nil {
		return "", err
	}
	if protocol.IsError(reply) {
		return "", fmt.Errorf("%w: %s", ErrLoginRejected, reply)
	}
	return reply, nil
}

// Close closes the connection
func (c *LoadTestConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *LoadTestConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.conn == nil
}

// Send writes one text line
func (c *LoadTestConnection) Send(text string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.isClosed() {
		return errors.New("connection closed")
	}
	if _, err := c.conn.Write(c.codec.Encode(text)); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Receive reads the next non-empty message, waiting at most timeout
// (0 waits forever).
func (c *LoadTestConnection) Receive(timeout time.Duration) (string, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.isClosed() {
		return "", errors.New("connection closed")
	}

	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", fmt.Errorf("set read deadline failed: %w", err)
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	for {
		frame, err := c.reader.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("read failed: %w", err)
		}
		text, err := c.codec.Decode(frame)
		if err != nil {
			continue
		}
		if text = protocol.Trim(text); text != "" {
			return text, nil
		}
	}
}

// ReceiveUntil reads messages until match returns true or the deadline passes
func (c *LoadTestConnection) ReceiveUntil(timeout time.Duration, match func(string) bool) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", fmt.Errorf("no matching message within %s", timeout)
		}
		msg, err := c.Receive(remaining)
		if err != nil {
			return "", err
		}
		if match(msg) {
			return msg, nil
		}
	}
}

// Addr returns the connection address
func (c *LoadTestConnection) Addr() string {
	return c.addr
}
