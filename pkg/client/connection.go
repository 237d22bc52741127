package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/netchat/pkg/protocol"
	"github.com/aeolun/netchat/pkg/transport"
)

const (
	// maxInboundMessage bounds one server line; broadcasts carry a handle
	// prefix and may be hex encoded, so this is well above the server's own limit.
	maxInboundMessage = 64 * 1024

	defaultLoginTimeout = 5 * time.Second

	// defaultUploadGrace is how long SendFile waits after the request before
	// streaming, so an offline reply can still cancel it.
	defaultUploadGrace = 3 * time.Second
)

var (
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyLoggedIn = errors.New("already logged in")
	ErrLoginRejected   = errors.New("login rejected")
	ErrFileNotFound    = errors.New("file not found")
	ErrInvalidFileSize = errors.New("invalid file size (max 10MB)")
	ErrUploadCancelled = errors.New("upload cancelled")
)

// EventKind classifies what the read loop saw
type EventKind int

const (
	EventMessage       EventKind = iota // chat line, notice or reply
	EventError                          // server "ERROR:" reply
	EventFileOffer                      // someone offers us a file
	EventFileReceiving                  // raw file bytes follow
	EventFileSaved
	EventFileFailed
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventFileOffer:
		return "file_offer"
	case EventFileReceiving:
		return "file_receiving"
	case EventFileSaved:
		return "file_saved"
	case EventFileFailed:
		return "file_failed"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered on Incoming for everything the server sends
type Event struct {
	Kind     EventKind
	Text     string
	Sender   string
	Filename string
	Size     int64
	Path     string
	Err      error
}

// Connection is a client connection to a chat server over TCP, SSH or WebSocket
type Connection struct {
	addr            string // Display address with scheme (e.g., "ws://server:8080")
	rawAddr         string // Raw host:port without scheme
	dial            func() (net.Conn, error)
	securityWarning string
	warningOnce     sync.Once
	fallback        bool

	mu             sync.RWMutex
	conn           net.Conn
	writer         io.Writer
	reader         *protocol.MessageReader
	connected      bool
	closed         bool
	connectionType string
	handle         string

	codec        *protocol.Codec
	saveRoot     string
	loginTimeout time.Duration
	uploadGrace  time.Duration
	now          func() time.Time

	// writeMu serializes text lines and raw upload bytes
	writeMu sync.Mutex

	incoming     chan Event
	uploadCancel chan string

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewConnection creates a client for addr. See parseServerAddress for the
// accepted forms.
func NewConnection(addr string) (*Connection, error) {
	dc, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:            dc.display,
		rawAddr:         dc.raw,
		dial:            dc.dial,
		connectionType:  dc.connType,
		securityWarning: dc.warning,
		fallback:        dc.connType != "websocket",
		codec:           protocol.NewCodec(protocol.FramingLine, nil),
		loginTimeout:    defaultLoginTimeout,
		uploadGrace:     defaultUploadGrace,
		now:             time.Now,
		incoming:        make(chan Event, 100),
		uploadCancel:    make(chan string, 1),
		shutdown:        make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetCodec selects framing and transform. It must match the server's.
func (c *Connection) SetCodec(codec *protocol.Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codec = codec
}

// SetSaveRoot sets the directory under which received files are stored
// (<root>/<handle>/...). Empty means "Users".
func (c *Connection) SetSaveRoot(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveRoot = root
}

// SetUploadGrace sets the pause between a file request and its bytes
func (c *Connection) SetUploadGrace(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadGrace = d
}

// DisableWebSocketFallback stops Connect from retrying over WebSocket
func (c *Connection) DisableWebSocketFallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = false
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server, falling back to WebSocket on port 8080 when the
// primary transport is unreachable.
func (c *Connection) Connect() error {
	c.mu.RLock()
	connected, closed, fallback := c.connected, c.closed, c.fallback
	connType := c.connectionType
	c.mu.RUnlock()
	if closed {
		return errors.New("connection closed")
	}
	if connected {
		return errors.New("already connected")
	}

	c.logf("Connecting to %s...", c.addr)
	conn, err := c.dial()
	if err != nil {
		c.logf("Primary connection failed: %v", err)
		if !fallback {
			return err
		}
		wsConn, wsAddr, wsErr := c.tryWebSocketFallback()
		if wsErr != nil {
			return fmt.Errorf("all connection methods failed - %s: %w, WebSocket: %v", connType, err, wsErr)
		}
		conn = wsConn
		connType = "websocket"
		c.mu.Lock()
		c.addr = wsAddr
		c.mu.Unlock()
		c.logf("WebSocket fallback successful")
	}

	c.mu.Lock()
	c.conn = conn
	c.writer = &countingWriter{w: conn, counter: &c.bytesSent}
	c.reader = protocol.NewMessageReader(&countingReader{r: conn, counter: &c.bytesReceived}, c.codec.Framing, maxInboundMessage)
	c.connected = true
	c.connectionType = connType
	c.mu.Unlock()

	c.logf("Connected to %s (%s)", c.addr, connType)
	c.warningOnce.Do(func() {
		if c.securityWarning != "" {
			c.logf("WARNING: %s", c.securityWarning)
		}
	})
	return nil
}

// tryWebSocketFallback tries wss:// then ws:// on the default HTTP port
func (c *Connection) tryWebSocketFallback() (net.Conn, string, error) {
	wsAddr := net.JoinHostPort(hostOnly(c.addr), defaultHTTPPort)
	c.logf("Attempting WebSocket connection to %s", wsAddr)

	conn, err := transport.DialWebSocket(wsAddr, true)
	if err == nil {
		return conn, "wss://" + wsAddr, nil
	}
	wssErr := err

	conn, err = transport.DialWebSocket(wsAddr, false)
	if err == nil {
		return conn, "ws://" + wsAddr, nil
	}
	return nil, "", fmt.Errorf("both WSS and WS failed - WSS: %v, WS: %w", wssErr, err)
}

// Login sends the handle and waits for the server's verdict. On success it
// returns the welcome line and starts delivering events on Incoming. On
// rejection the server closes the connection and the error wraps
// ErrLoginRejected with the server's text.
func (c *Connection) Login(handle string) (string, error) {
	c.mu.RLock()
	connected, loggedIn := c.connected, c.handle != ""
	conn, reader, timeout := c.conn, c.reader, c.loginTimeout
	c.mu.RUnlock()
	if !connected {
		return "", ErrNotConnected
	}
	if loggedIn {
		return "", ErrAlreadyLoggedIn
	}

	if err := c.Send(handle); err != nil {
		return "", err
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	reply, err := c.readText(reader)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		c.Disconnect()
		return "", fmt.Errorf("waiting for login reply: %w", err)
	}
	if protocol.IsError(reply) {
		c.Disconnect()
		return "", fmt.Errorf("%w: %s", ErrLoginRejected, reply)
	}

	c.mu.Lock()
	c.handle = handle
	c.mu.Unlock()
	c.logf("Logged in as %s", handle)

	c.wg.Add(1)
	go c.readLoop(reader)
	return reply, nil
}

// readText returns the next non-empty decoded message
func (c *Connection) readText(reader *protocol.MessageReader) (string, error) {
	for {
		frame, err := reader.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrMessageTooLong) {
				c.logf("Dropped oversized message from server")
				continue
			}
			return "", err
		}
		text, err := c.codec.Decode(frame)
		if err != nil {
			c.logf("Dropped undecodable message: %v", err)
			continue
		}
		if text = protocol.Trim(text); text != "" {
			return text, nil
		}
	}
}

// Send writes one text line to the server
func (c *Connection) Send(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(c.codec.Encode(text))
}

// writeLocked writes raw bytes; the caller holds writeMu
func (c *Connection) writeLocked(b []byte) error {
	c.mu.RLock()
	w, connected := c.writer, c.connected
	c.mu.RUnlock()
	if !connected || w == nil {
		return ErrNotConnected
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Quit asks the server to end the session. The read loop reports the
// disconnect once the server has said goodbye.
func (c *Connection) Quit() error {
	return c.Send(protocol.CmdQuit)
}

func (c *Connection) readLoop(reader *protocol.MessageReader) {
	defer c.wg.Done()

	for {
		text, err := c.readText(reader)
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		if err := c.dispatch(reader, text); err != nil {
			c.handleDisconnect(err)
			return
		}
	}
}

// dispatch handles one server message. A returned error means the stream
// can no longer be trusted.
func (c *Connection) dispatch(reader *protocol.MessageReader, text string) error {
	switch {
	case strings.HasPrefix(text, protocol.CmdFileOffer):
		offer := strings.TrimSpace(strings.TrimPrefix(text, protocol.CmdFileOffer))
		c.emit(Event{Kind: EventFileOffer, Text: offer})
		// Offers are accepted automatically. Our own offer needs no answer,
		// and one written now would land inside the upload we are streaming.
		if strings.HasPrefix(offer, "from "+c.Handle()+" (") {
			return nil
		}
		if err := c.Send(protocol.CmdAcceptFile); err != nil {
			c.logf("Failed to accept file: %v", err)
		}
		return nil

	case strings.HasPrefix(text, protocol.CmdFileData):
		notice, ok := protocol.ParseFileData(text)
		if !ok {
			return fmt.Errorf("malformed file notice %q", text)
		}
		return c.receiveFile(reader.Raw(), notice)

	case protocol.IsError(text), text == protocol.SendFileUsage:
		if cancelsUpload(text) {
			select {
			case c.uploadCancel <- text:
			default:
			}
		}
		c.emit(Event{Kind: EventError, Text: text})
		return nil
	}

	c.emit(Event{Kind: EventMessage, Text: text})
	return nil
}

// cancelsUpload reports whether an error reply means the server will not
// read the bytes of a pending upload.
func cancelsUpload(text string) bool {
	return strings.HasSuffix(text, "' is not online") ||
		text == protocol.InvalidFileSizeText ||
		text == protocol.SendFileUsage
}

func (c *Connection) emit(ev Event) {
	select {
	case c.incoming <- ev:
	case <-c.shutdown:
	}
}

func (c *Connection) handleDisconnect(err error) {
	c.mu.Lock()
	requested := !c.connected
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	switch {
	case requested:
		c.logf("Connection closed")
		err = nil
	case errors.Is(err, io.EOF):
		c.logf("Connection closed by server")
		err = nil
	default:
		c.logf("Read error: %v", err)
	}
	c.emit(Event{Kind: EventDisconnected, Err: err})
}

// Disconnect closes the transport; the read loop reports EventDisconnected
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.logf("Disconnecting from %s", c.addr)
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}
}

// Close shuts the connection down permanently and closes Incoming
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()
	close(c.incoming)
}

// Incoming delivers server messages and file events
func (c *Connection) Incoming() <-chan Event {
	return c.incoming
}

// IsConnected returns whether the transport is up
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Handle returns the handle we logged in with, or ""
func (c *Connection) Handle() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

// GetAddress returns the server address with scheme
func (c *Connection) GetAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

// GetRawAddress returns the address without scheme (e.g., "server:5000" or "user@server:2222")
func (c *Connection) GetRawAddress() string {
	return c.rawAddr
}

// GetConnectionType returns "tcp", "ssh" or "websocket"
func (c *Connection) GetConnectionType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionType
}

func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// countingReader counts bytes read from the wire
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter counts bytes written to the wire
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
