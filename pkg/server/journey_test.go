package server

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/netchat/pkg/protocol"
	"github.com/aeolun/netchat/pkg/transport"
)

const journeyTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Chat client
//
// One persistent reader goroutine per connection decodes messages into a
// channel. SSH channels and WebSockets don't support read deadlines the way
// TCP does, so timeouts are handled with select instead. When a /file_data
// notice arrives the reader pulls exactly size raw bytes off the same
// buffered reader and delivers them on files. A read failure is stored in
// readErr and reported by closing lines and files, so every line received
// before the failure is still delivered in order.
// ---------------------------------------------------------------------------

type chatClient struct {
	conn      net.Conn
	codec     *protocol.Codec
	lines     chan string
	files     chan []byte
	readErr   error
	done      chan struct{}
	closeOnce sync.Once
}

func newChatClient(conn net.Conn, codec *protocol.Codec) *chatClient {
	c := &chatClient{
		conn:  conn,
		codec: codec,
		lines: make(chan string, 256),
		files: make(chan []byte, 4),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *chatClient) readLoop() {
	defer close(c.done)
	mr := protocol.NewMessageReader(c.conn, c.codec.Framing, 1<<20)
	fail := func(err error) {
		c.readErr = err
		close(c.files)
		close(c.lines)
	}
	for {
		frame, err := mr.ReadMessage()
		if err != nil {
			fail(err)
			return
		}
		text, err := c.codec.Decode(frame)
		if err != nil {
			continue
		}
		text = protocol.Trim(text)
		if text == "" {
			continue
		}
		c.lines <- text

		if fd, ok := protocol.ParseFileData(text); ok {
			buf := make([]byte, fd.Size)
			if _, err := io.ReadFull(mr.Raw(), buf); err != nil {
				fail(err)
				return
			}
			c.files <- buf
		}
	}
}

// presence notices arrive asynchronously and are skipped by expect
func isPresence(line string) bool {
	return strings.HasSuffix(line, " joined the chat!") || strings.HasSuffix(line, " left the chat")
}

func (c *chatClient) send(t *testing.T, text string) {
	t.Helper()
	if _, err := c.conn.Write(c.codec.Encode(text)); err != nil {
		t.Fatalf("send %q: %v", text, err)
	}
}

func (c *chatClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		t.Fatalf("send raw (%d bytes): %v", len(data), err)
	}
}

// next returns the next non-presence line
func (c *chatClient) next(t *testing.T, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				t.Fatalf("read error: %v", c.readErr)
				return ""
			}
			if isPresence(line) {
				continue
			}
			return line
		case <-deadline:
			t.Fatalf("no message after %v", timeout)
			return ""
		}
	}
}

func (c *chatClient) expect(t *testing.T, want string) {
	t.Helper()
	if got := c.next(t, journeyTimeout); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func (c *chatClient) expectPresence(t *testing.T, want string) {
	t.Helper()
	select {
	case line, ok := <-c.lines:
		if !ok {
			t.Fatalf("read error waiting for %q: %v", want, c.readErr)
		}
		if line != want {
			t.Fatalf("expected presence %q, got %q", want, line)
		}
	case <-time.After(journeyTimeout):
		t.Fatalf("no presence notice %q", want)
	}
}

func (c *chatClient) expectFile(t *testing.T) []byte {
	t.Helper()
	select {
	case data, ok := <-c.files:
		if !ok {
			t.Fatalf("read error waiting for file: %v", c.readErr)
		}
		return data
	case <-time.After(journeyTimeout):
		t.Fatal("no file bytes received")
	}
	return nil
}

// expectQuiet asserts that nothing but presence notices arrives for d
func (c *chatClient) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			if isPresence(line) {
				continue
			}
			t.Fatalf("expected no message, got %q", line)
		case <-deadline:
			return
		}
	}
}

// expectClosed waits for the server to close the connection
func (c *chatClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				return
			}
			if isPresence(line) || line == protocol.ServerShuttingDownText {
				continue
			}
			t.Fatalf("expected close, got %q", line)
		case <-deadline:
			t.Fatal("connection not closed by server")
		}
	}
}

func (c *chatClient) login(t *testing.T, handle string) {
	t.Helper()
	c.send(t, handle)
	c.expect(t, protocol.Welcome(handle))
}

func (c *chatClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// SSH transport
// ---------------------------------------------------------------------------

// sshTestConn presents an SSH session channel as a net.Conn
type sshTestConn struct {
	client  *ssh.Client
	channel ssh.Channel
}

func (c *sshTestConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshTestConn) Write(b []byte) (int, error) { return c.channel.Write(b) }
func (c *sshTestConn) Close() error {
	c.channel.Close()
	return c.client.Close()
}
func (c *sshTestConn) LocalAddr() net.Addr                { return c.client.LocalAddr() }
func (c *sshTestConn) RemoteAddr() net.Addr               { return c.client.RemoteAddr() }
func (c *sshTestConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshTestConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshTestConn) SetWriteDeadline(t time.Time) error { return nil }

func dialSSHForTest(t *testing.T, addr string) net.Conn {
	t.Helper()
	config := &ssh.ClientConfig{
		User:            "chat",
		Auth:            []ssh.AuthMethod{},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		t.Fatalf("SSH dial %s: %v", addr, err)
	}
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)
	return &sshTestConn{client: client, channel: channel}
}

var (
	testHostKeyOnce sync.Once
	testHostKey     ssh.Signer
)

func hostKeyForTest(t *testing.T) ssh.Signer {
	t.Helper()
	testHostKeyOnce.Do(func() {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			panic(err)
		}
		signer, err := ssh.NewSignerFromKey(priv)
		if err != nil {
			panic(err)
		}
		testHostKey = signer
	})
	return testHostKey
}

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSink) find(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func (r *recordingSink) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(journeyTimeout)
	for !r.find(substr) {
		if time.Now().After(deadline) {
			t.Fatalf("event containing %q never recorded", substr)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type journeyServers struct {
	srv     *Server
	events  *recordingSink
	tcpAddr string
	sshAddr string
	wsAddr  string
}

func (s *journeyServers) codec() *protocol.Codec {
	return s.srv.newCodec()
}

// testConfig is a config with every side listener off and short relay waits
func testConfig() ServerConfig {
	config := DefaultConfig()
	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.EventLogPath = ""
	config.MessageRateLimit = 0
	config.Relay.OfferGrace = 50 * time.Millisecond
	config.Relay.ReadyDelay = 10 * time.Millisecond
	config.Relay.AcceptTimeout = 2 * time.Second
	return config
}

// setupJourneyServer starts a server with TCP, SSH and WebSocket listeners
// on random ports. SSH and WebSocket are wired by hand so the test can bind
// to port 0.
func setupJourneyServer(t *testing.T, mutate func(*ServerConfig)) *journeyServers {
	t.Helper()

	config := testConfig()
	if mutate != nil {
		mutate(&config)
	}

	events := &recordingSink{}
	srv, err := NewServer(config, events)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("SSH listen: %v", err)
	}
	srv.serveSSH(sshListener, newSSHConfig(hostKeyForTest(t)))

	wsMux := http.NewServeMux()
	wsMux.HandleFunc(websocketPath, srv.HandleWebSocket)
	wsListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("WS listen: %v", err)
	}
	wsServer := &http.Server{Handler: wsMux}
	go wsServer.Serve(wsListener)

	t.Cleanup(func() {
		srv.Stop()
		wsServer.Close()
	})

	return &journeyServers{
		srv:     srv,
		events:  events,
		tcpAddr: fmt.Sprintf("127.0.0.1:%d", srv.Addr().(*net.TCPAddr).Port),
		sshAddr: sshListener.Addr().String(),
		wsAddr:  wsListener.Addr().String(),
	}
}

// ---------------------------------------------------------------------------
// Transport factories
// ---------------------------------------------------------------------------

type transportFactory struct {
	name string
	dial func(t *testing.T, servers *journeyServers) net.Conn
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServers) net.Conn {
			conn, err := net.DialTimeout("tcp", s.tcpAddr, 5*time.Second)
			if err != nil {
				t.Fatalf("TCP connect to %s failed: %v", s.tcpAddr, err)
			}
			return conn
		}},
		{"ssh", func(t *testing.T, s *journeyServers) net.Conn {
			return dialSSHForTest(t, s.sshAddr)
		}},
		{"websocket", func(t *testing.T, s *journeyServers) net.Conn {
			conn, err := transport.DialWebSocket(s.wsAddr, false)
			if err != nil {
				t.Fatalf("WebSocket dial: %v", err)
			}
			return conn
		}},
	}
}

func connect(t *testing.T, servers *journeyServers, tf transportFactory) *chatClient {
	t.Helper()
	c := newChatClient(tf.dial(t, servers), servers.codec())
	t.Cleanup(c.close)
	return c
}

func tcpTransport() transportFactory {
	return allTransports()[0]
}

// waitRegistered blocks until the directory holds n handles
func waitRegistered(t *testing.T, srv *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(journeyTimeout)
	for srv.Directory().Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d registered handles, have %v", n, srv.Directory().Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	for _, tf := range allTransports() {
		tf := tf
		t.Run("list/"+tf.name, func(t *testing.T) {
			t.Parallel()
			runListJourney(t, setupJourneyServer(t, nil), tf)
		})
		t.Run("private/"+tf.name, func(t *testing.T) {
			t.Parallel()
			runPrivateJourney(t, setupJourneyServer(t, nil), tf)
		})
		t.Run("duplicate_handle/"+tf.name, func(t *testing.T) {
			t.Parallel()
			runDuplicateHandleJourney(t, setupJourneyServer(t, nil), tf)
		})
		t.Run("file_relay/"+tf.name, func(t *testing.T) {
			t.Parallel()
			runFileRelayJourney(t, setupJourneyServer(t, nil), tf)
		})
		t.Run("offline_recipient/"+tf.name, func(t *testing.T) {
			t.Parallel()
			runOfflineRecipientJourney(t, setupJourneyServer(t, nil), tf)
		})
		t.Run("broadcast_and_quit/"+tf.name, func(t *testing.T) {
			t.Parallel()
			runBroadcastAndQuitJourney(t, setupJourneyServer(t, nil), tf)
		})
	}

	t.Run("cross_transport_broadcast", func(t *testing.T) {
		t.Parallel()
		runCrossTransportBroadcast(t, setupJourneyServer(t, nil))
	})
}

// alice and bob register; alice lists; bob sees nothing of it
func runListJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	alice := connect(t, servers, tf)
	alice.login(t, "alice")
	bob := connect(t, servers, tf)
	bob.login(t, "bob")
	alice.expectPresence(t, protocol.JoinNotice("bob"))

	alice.send(t, "/list")
	alice.expect(t, "Active users: alice, bob")
	bob.expectQuiet(t, 200*time.Millisecond)
}

// a private message reaches only its target, and the sender gets an echo
func runPrivateJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	alice := connect(t, servers, tf)
	alice.login(t, "alice")
	bob := connect(t, servers, tf)
	bob.login(t, "bob")
	carol := connect(t, servers, tf)
	carol.login(t, "carol")
	waitRegistered(t, servers.srv, 3)

	alice.send(t, "@bob hello")
	bob.expect(t, "[PRIVATE] alice -> You: hello")
	alice.expect(t, "[PRIVATE] You -> bob: hello")
	carol.expectQuiet(t, 200*time.Millisecond)

	alice.send(t, "@nobody hi")
	alice.expect(t, protocol.UserNotFound("nobody"))

	alice.send(t, "@bob")
	alice.expect(t, protocol.InvalidPrivateFormat)
	bob.expectQuiet(t, 100*time.Millisecond)
}

// a second "bob" is turned away and the first one keeps working
func runDuplicateHandleJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	bob := connect(t, servers, tf)
	bob.login(t, "bob")

	impostor := connect(t, servers, tf)
	impostor.send(t, "bob")
	impostor.expect(t, protocol.UsernameTaken("bob"))
	impostor.expectClosed(t)

	invalid := connect(t, servers, tf)
	invalid.send(t, "not valid!")
	invalid.expect(t, protocol.InvalidUsernameText)
	invalid.expectClosed(t)

	bob.send(t, "/list")
	bob.expect(t, "Active users: bob")
	servers.events.waitFor(t, "Duplicate username attempt: bob")
}

// alice sends bob 1 MiB; both get the completion notice and bob gets the
// exact bytes
func runFileRelayJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	alice := connect(t, servers, tf)
	alice.login(t, "alice")
	bob := connect(t, servers, tf)
	bob.login(t, "bob")
	waitRegistered(t, servers.srv, 2)

	const size = 1048576
	payload := make([]byte, size)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal(err)
	}
	// Make sure the stream contains delimiter bytes that must not be framed
	payload[0] = '\n'
	payload[size-1] = '\n'

	alice.send(t, "/sendfile bob photo.png 1048576")

	sendDone := make(chan error, 1)
	go func() {
		_, err := alice.conn.Write(payload)
		sendDone <- err
	}()

	bob.expect(t, "/file_offer from alice (photo.png, 1.0 MB) - Accept? (y/n)")
	notice := bob.next(t, journeyTimeout)
	if notice != "/file_data alice photo.png 1048576" {
		t.Fatalf("unexpected ready notice %q", notice)
	}
	fd, ok := protocol.ParseFileData(notice)
	if !ok {
		t.Fatalf("ready notice did not parse: %q", notice)
	}
	got := bob.expectFile(t)
	if !bytes.Equal(got, payload) {
		t.Fatal("received bytes differ from sent bytes")
	}
	bob.expect(t, protocol.TransferCompleteText)
	alice.expect(t, protocol.TransferCompleteText)

	if err := <-sendDone; err != nil {
		t.Fatalf("writing payload: %v", err)
	}

	savePath := protocol.SavePath(protocol.UserDir(t.TempDir(), "bob"), fd.Sender, fd.Filename, time.Now())
	if !strings.HasSuffix(savePath, ".png") {
		t.Fatalf("save path %q does not keep the extension", savePath)
	}

	// Both sessions are back to normal text traffic
	alice.send(t, "/list")
	alice.expect(t, "Active users: alice, bob")
	servers.events.waitFor(t, "File transfer completed: alice -> bob")
}

// a transfer to an absent handle is refused and nobody gets an offer
func runOfflineRecipientJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	alice := connect(t, servers, tf)
	alice.login(t, "alice")
	bob := connect(t, servers, tf)
	bob.login(t, "bob")
	waitRegistered(t, servers.srv, 2)

	alice.send(t, "/sendfile ghost file.txt 100")
	alice.expect(t, "ERROR: User 'ghost' is not online")
	bob.expectQuiet(t, 200*time.Millisecond)

	alice.send(t, "/sendfile bob file.txt 0")
	alice.expect(t, protocol.InvalidFileSizeText)
	alice.send(t, "/sendfile bob file.txt 10485761")
	alice.expect(t, protocol.InvalidFileSizeText)
	alice.send(t, "/sendfile bob")
	alice.expect(t, protocol.SendFileUsage)
	bob.expectQuiet(t, 100*time.Millisecond)
}

// broadcasts reach everyone else; /quit says goodbye and tells the others
func runBroadcastAndQuitJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	alice := connect(t, servers, tf)
	alice.login(t, "alice")
	bob := connect(t, servers, tf)
	bob.login(t, "bob")
	alice.expectPresence(t, protocol.JoinNotice("bob"))

	alice.send(t, "  hello everyone  ")
	bob.expect(t, "alice: hello everyone")
	alice.expectQuiet(t, 100*time.Millisecond)

	// Blank lines are ignored
	alice.send(t, "   ")
	bob.expectQuiet(t, 100*time.Millisecond)

	bob.send(t, "/quit")
	bob.expect(t, protocol.Goodbye("bob"))
	bob.expectClosed(t)
	alice.expectPresence(t, protocol.LeaveNotice("bob"))
	waitRegistered(t, servers.srv, 1)

	// The freed handle can be taken again
	again := connect(t, servers, tf)
	again.login(t, "bob")
}

func runCrossTransportBroadcast(t *testing.T, servers *journeyServers) {
	transports := allTransports()
	clients := make([]*chatClient, len(transports))
	for i, tf := range transports {
		clients[i] = connect(t, servers, tf)
		clients[i].login(t, fmt.Sprintf("user_%s", tf.name))
	}
	waitRegistered(t, servers.srv, len(transports))

	clients[0].send(t, "over the wire")
	for _, c := range clients[1:] {
		c.expect(t, "user_tcp: over the wire")
	}
}

// ---------------------------------------------------------------------------
// Protocol variants
// ---------------------------------------------------------------------------

func TestJourneyEncrypted(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.Encryption = true
	})

	alice := connect(t, servers, tcpTransport())
	alice.login(t, "alice")
	bob := connect(t, servers, tcpTransport())
	bob.login(t, "bob")
	waitRegistered(t, servers.srv, 2)

	alice.send(t, "secret plans")
	bob.expect(t, "alice: secret plans")

	// File bytes stay untransformed
	payload := []byte("raw\nbytes\x00\xff")
	alice.send(t, fmt.Sprintf("/sendfile bob notes.txt %d", len(payload)))
	alice.sendRaw(t, payload)
	bob.expect(t, fmt.Sprintf("/file_offer from alice (notes.txt, %d B) - Accept? (y/n)", len(payload)))
	bob.expect(t, fmt.Sprintf("/file_data alice notes.txt %d", len(payload)))
	if got := bob.expectFile(t); !bytes.Equal(got, payload) {
		t.Fatalf("file bytes changed in transit: %q", got)
	}
	bob.expect(t, protocol.TransferCompleteText)
	alice.expect(t, protocol.TransferCompleteText)

	// Garbage that doesn't decode is dropped and the session carries on
	alice.sendRaw(t, []byte("zz-not-hex\n"))
	alice.send(t, "/list")
	alice.expect(t, "Active users: alice, bob")
}

func TestJourneyReadFraming(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.Framing = protocol.FramingRead
	})

	solo := connect(t, servers, tcpTransport())
	solo.login(t, "solo")

	solo.send(t, "/list")
	solo.expect(t, "Active users: solo")
	solo.send(t, "/quit")
	solo.expect(t, protocol.Goodbye("solo"))
	solo.expectClosed(t)
}

func TestJourneyAwaitAccept(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.Relay.AwaitAccept = true
	})

	alice := connect(t, servers, tcpTransport())
	alice.login(t, "alice")
	bob := connect(t, servers, tcpTransport())
	bob.login(t, "bob")
	waitRegistered(t, servers.srv, 2)

	t.Run("accepted", func(t *testing.T) {
		payload := bytes.Repeat([]byte("x"), 20000)
		alice.send(t, "/sendfile bob big.bin 20000")
		alice.sendRaw(t, payload)

		bob.expect(t, "/file_offer from alice (big.bin, 19.5 KB) - Accept? (y/n)")
		bob.send(t, protocol.CmdAcceptFile)
		bob.expect(t, "/file_data alice big.bin 20000")
		if got := bob.expectFile(t); !bytes.Equal(got, payload) {
			t.Fatal("payload mismatch")
		}
		bob.expect(t, protocol.TransferCompleteText)
		alice.expect(t, protocol.TransferCompleteText)
	})

	t.Run("rejected", func(t *testing.T) {
		alice.send(t, "/sendfile bob spam.bin 3000")
		alice.sendRaw(t, bytes.Repeat([]byte("y"), 3000))

		bob.expect(t, "/file_offer from alice (spam.bin, 2.9 KB) - Accept? (y/n)")
		bob.send(t, protocol.CmdRejectFile)
		bob.expect(t, protocol.TransferRejected("bob"))
		alice.expect(t, protocol.TransferRejected("bob"))

		// The declared bytes were drained: the next line is a command again
		alice.send(t, "/list")
		alice.expect(t, "Active users: alice, bob")
	})

	t.Run("stray_answer_is_not_broadcast", func(t *testing.T) {
		bob.send(t, protocol.CmdAcceptFile)
		alice.expectQuiet(t, 150*time.Millisecond)
	})
}

func TestJourneyRateLimit(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.MessageRateLimit = 1
		c.MessageBurst = 2
	})

	alice := connect(t, servers, tcpTransport())
	alice.login(t, "alice")

	alice.send(t, "/list")
	alice.expect(t, "Active users: alice")
	alice.send(t, "/list")
	alice.expect(t, "Active users: alice")
	alice.send(t, "/list")
	alice.expect(t, protocol.RateLimitExceededText)
}

func TestJourneyMessageTooLong(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) {
		c.MaxMessageLength = 64
	})

	alice := connect(t, servers, tcpTransport())
	alice.login(t, "alice")

	alice.send(t, strings.Repeat("a", 500))
	alice.expect(t, protocol.MessageTooLongText)
	alice.send(t, "/list")
	alice.expect(t, "Active users: alice")
}

func TestServerStopNotifiesAndJoinsSessions(t *testing.T) {
	servers := setupJourneyServer(t, nil)

	var clients []*chatClient
	for i, tf := range allTransports() {
		c := connect(t, servers, tf)
		c.login(t, fmt.Sprintf("user%d", i))
		clients = append(clients, c)
	}
	waitRegistered(t, servers.srv, len(clients))

	stopped := make(chan error, 1)
	go func() { stopped <- servers.srv.Stop() }()

	for _, c := range clients {
		c.expectClosed(t)
	}

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(journeyTimeout):
		t.Fatal("Stop did not return")
	}

	if n := servers.srv.Directory().Count(); n != 0 {
		t.Fatalf("directory not empty after stop: %v", servers.srv.Directory().Snapshot())
	}
	servers.events.waitFor(t, "Server stopped")
}
