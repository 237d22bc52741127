package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/netchat/pkg/database"
	"github.com/aeolun/netchat/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server accepts connections and runs one Session per connection. It owns
// the Directory and the Relay.
type Server struct {
	config  ServerConfig
	dir     *Directory
	relay   *Relay
	router  *Router
	events  EventSink
	metrics *Metrics
	closers []io.Closer

	listener      net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Live sessions, for shutdown notification. stopping is set under
	// sessionsMu so no session can start once Stop has begun.
	sessionsMu sync.Mutex
	sessions   map[uint64]*Session
	stopping   bool
	nextID     atomic.Uint64

	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int // 0 picks a free port
	SSHPort        int // 0 = disabled
	HTTPPort       int // WebSocket endpoint, 0 = disabled
	MetricsPort    int // /metrics and /health, 0 = disabled
	SSHHostKeyPath string
	DataDir        string
	EventLogPath   string // "" = no file sink
	EventDBPath    string // "" = no SQLite sink

	Framing       protocol.Framing
	Encryption    bool
	EncryptionKey string

	MaxMessageLength int
	MessageRateLimit int // per minute, 0 = unlimited
	MessageBurst     int

	Relay RelayConfig

	Debug bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          5000,
		SSHPort:          0,
		HTTPPort:         0,
		MetricsPort:      9090,
		SSHHostKeyPath:   "~/.netchat/ssh_host_key",
		DataDir:          "~/.netchat",
		EventLogPath:     "server_log.txt",
		Framing:          protocol.FramingLine,
		Encryption:       false,
		EncryptionKey:    protocol.DefaultKey,
		MaxMessageLength: protocol.ReadBufferSize,
		MessageRateLimit: 120,
		MessageBurst:     20,
		Relay:            DefaultRelayConfig(),
	}
}

// NewServer creates a new server instance. Extra sinks receive every event
// next to the ones opened from the config.
func NewServer(config ServerConfig, sinks ...EventSink) (*Server, error) {
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	if config.EventLogPath != "" {
		logSink, err := OpenLogSink(config.EventLogPath, os.Stdout)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, logSink)
		closers = append(closers, logSink)
	}

	if config.EventDBPath != "" {
		eventDB, err := database.OpenEventLog(config.EventDBPath)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("failed to open event database: %w", err)
		}
		sinks = append(sinks, eventDB)
		closers = append(closers, eventDB)
	}

	var events EventSink = NopSink{}
	switch len(sinks) {
	case 0:
	case 1:
		events = sinks[0]
	default:
		events = MultiSink(sinks)
	}

	metrics := NewMetrics()
	dir := NewDirectory()
	dir.SetMetrics(metrics)
	relay := NewRelay(dir, config.Relay, events)
	relay.SetMetrics(metrics)
	router := NewRouter(dir, relay, events)
	router.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:    config,
		dir:       dir,
		relay:     relay,
		router:    router,
		events:    events,
		metrics:   metrics,
		closers:   closers,
		ctx:       ctx,
		cancel:    cancel,
		shutdown:  make(chan struct{}),
		sessions:  make(map[uint64]*Session),
		startTime: time.Now(),
	}, nil
}

// InitLoggers sets up error, standard and debug loggers in dataDir
func InitLoggers(dataDir string, debug bool) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Truncate server.log on startup to avoid confusion from multiple runs
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	if !debug {
		debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
		return nil
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to open debug.log: %w", err)
	}
	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
	return nil
}

// Directory returns the server's handle directory
func (s *Server) Directory() *Directory {
	return s.dir
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SSHAddr returns the SSH listener address, or nil when SSH is disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

// newCodec builds the per-connection codec from the config
func (s *Server) newCodec() *protocol.Codec {
	var transform protocol.Transform = protocol.Identity{}
	if s.config.Encryption {
		transform = protocol.NewXOR(s.config.EncryptionKey, true)
	}
	return protocol.NewCodec(s.config.Framing, transform)
}

// Start starts the TCP listener and every enabled side listener
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Chat server listening on %s (framing=%s, encryption=%v)", listener.Addr(), s.config.Framing, s.config.Encryption)
	s.events.Record(fmt.Sprintf("Server started on port %d", listener.Addr().(*net.TCPAddr).Port))

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc(websocketPath, s.HandleWebSocket)
		httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
		httpListener, err := net.Listen("tcp", httpAddr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
		}
		s.httpServer = &http.Server{Handler: mux}
		log.Printf("WebSocket endpoint listening on %s%s", httpAddr, websocketPath)
		go func() {
			if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("WebSocket server error: %v", err)
			}
		}()
	}

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
		s.metricsServer = &http.Server{Addr: metricsAddr, Handler: metricsMux}
		log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Log metrics every 5 seconds
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	s.wg.Add(1)
	go s.acceptLoop(listener, "TCP", func(conn net.Conn) {
		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		s.serve(conn, "tcp")
	})

	return nil
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.sshListener != nil {
		s.sshListener.Close()
	}
}

// Stop gracefully stops the server and waits for every session to finish
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	// Signal shutdown to all goroutines
	close(s.shutdown)
	s.cancel()

	// Stop accepting new connections
	s.closeListeners()
	log.Println("Listeners closed")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}

	s.sessionsMu.Lock()
	s.stopping = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	// Notify all connected clients before closing connections
	s.notifyClientsOfShutdown(sessions)

	log.Println("Closing all client sessions...")
	for _, sess := range sessions {
		sess.Conn.Close()
	}

	log.Println("Waiting for sessions to finish...")
	s.wg.Wait()

	s.events.Record("Server stopped")

	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Println("Graceful shutdown complete")
	return firstErr
}

// notifyClientsOfShutdown tells registered sessions the server is going away.
// Sessions mid-relay hold their write lock, so sends run concurrently and
// are given a short window.
func (s *Server) notifyClientsOfShutdown(sessions []*Session) {
	if len(sessions) == 0 {
		log.Println("No active sessions to notify")
		return
	}

	log.Printf("Sending shutdown notification to %d sessions...", len(sessions))

	var sent atomic.Int32
	var wg sync.WaitGroup
	for _, sess := range sessions {
		if sess.State() != StateActive {
			continue
		}
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			if err := sess.Conn.Send(protocol.ServerShuttingDownText); err == nil {
				sent.Add(1)
			}
		}(sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}

	log.Printf("Shutdown notification sent to %d/%d sessions", sent.Load(), len(sessions))
}

// acceptLoop hands every connection accepted on listener to handle until
// shutdown.
func (s *Server) acceptLoop(listener net.Listener, name string, handle func(net.Conn)) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("%s accept error: %v", name, err)
				continue
			}
		}
		handle(conn)
	}
}

// serve starts a session for conn on its own goroutine. The session is
// tracked until it closes so Stop can join it.
func (s *Server) serve(conn net.Conn, transport string) {
	sess, ok := s.track(conn, transport)
	if !ok {
		conn.Close()
		return
	}

	go func() {
		defer s.wg.Done()
		defer s.untrack(sess)
		s.runSession(sess)
	}()
}

// serveBlocking is serve for callers that already run on their own
// goroutine (WebSocket handlers).
func (s *Server) serveBlocking(conn net.Conn, transport string) {
	sess, ok := s.track(conn, transport)
	if !ok {
		conn.Close()
		return
	}
	defer s.wg.Done()
	defer s.untrack(sess)
	s.runSession(sess)
}

func (s *Server) track(conn net.Conn, transport string) (*Session, bool) {
	safe := NewSafeConn(conn, s.newCodec(), s.config.MaxMessageLength)
	sess := NewSession(s.nextID.Add(1), transport, safe, s.dir, s.router, s.events)
	sess.SetMetrics(s.metrics)
	sess.SetRateLimit(s.config.MessageRateLimit, s.config.MessageBurst)

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if s.stopping {
		return nil, false
	}
	s.sessions[sess.ID] = sess
	s.wg.Add(1)
	return sess, true
}

func (s *Server) untrack(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess.ID)
	s.sessionsMu.Unlock()
}

func (s *Server) runSession(sess *Session) {
	s.connectionsSinceReport.Add(1)
	s.events.Record(fmt.Sprintf("New connection from %s (%s)", sess.RemoteAddr, sess.Transport))
	debugLog.Printf("Session %d: new %s connection from %s", sess.ID, sess.Transport, sess.RemoteAddr)

	err := sess.Run(s.ctx)

	s.disconnectionsSinceReport.Add(1)
	switch {
	case err == nil:
		debugLog.Printf("Session %d disconnected gracefully", sess.ID)
	case errors.Is(err, ErrAuth):
		debugLog.Printf("Session %d rejected: %v", sess.ID, err)
	case errors.Is(err, ErrIO), errors.Is(err, ErrServerStopped):
		debugLog.Printf("Session %d ended: %v", sess.ID, err)
	default:
		errorLog.Printf("Session %d ended unexpectedly: %v", sess.ID, err)
	}
}

// HealthHandler reports liveness and a couple of counters as plain text
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "ok\nuptime_seconds %d\nactive_sessions %d\n",
		int64(time.Since(s.startTime).Seconds()), s.dir.Count())
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			activeSessions := s.dir.Count()
			goroutines := runtime.NumGoroutine()

			// Get deltas and reset
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			if connected == 0 && disconnected == 0 {
				continue
			}

			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				activeSessions, connected, disconnected, goroutines)
		}
	}
}
