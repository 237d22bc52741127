package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aeolun/netchat/pkg/protocol"
)

// SessionState is a step of the connection lifecycle
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateActive:
		return "Active"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int32(s))
	}
}

// Session represents one client connection from accept to close
type Session struct {
	ID         uint64
	Transport  string // "tcp", "ssh" or "ws"
	RemoteAddr string
	Conn       *SafeConn

	state    atomic.Int32
	endpoint atomic.Pointer[Endpoint]

	dir     *Directory
	router  *Router
	events  EventSink
	metrics *Metrics
	limiter *rate.Limiter
}

// NewSession creates a session in the Connecting state
func NewSession(id uint64, transport string, conn *SafeConn, dir *Directory, router *Router, events EventSink) *Session {
	if events == nil {
		events = NopSink{}
	}
	return &Session{
		ID:         id,
		Transport:  transport,
		RemoteAddr: conn.RemoteAddr().String(),
		Conn:       conn,
		dir:        dir,
		router:     router,
		events:     events,
	}
}

// SetMetrics attaches metrics to the session
func (s *Session) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
}

// SetRateLimit limits the session to perMinute messages with the given
// burst. perMinute <= 0 disables limiting.
func (s *Session) SetRateLimit(perMinute, burst int) {
	if perMinute <= 0 {
		s.limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Handle returns the registered handle, or "" before authentication
func (s *Session) Handle() string {
	if ep := s.endpoint.Load(); ep != nil {
		return ep.Handle
	}
	return ""
}

func (s *Session) transition(to SessionState) {
	from := SessionState(s.state.Swap(int32(to)))
	if h := s.Handle(); h != "" {
		s.events.Record(fmt.Sprintf("Session %d (%s): %s -> %s", s.ID, h, from, to))
	} else {
		s.events.Record(fmt.Sprintf("Session %d (%s): %s -> %s", s.ID, s.RemoteAddr, from, to))
	}
}

// Run drives the session until the peer leaves, the connection fails or
// ctx is cancelled and the connection is closed underneath it. The
// session is Closed when Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.transition(StateAuthenticating)

	ep, err := s.authenticate()
	if err != nil {
		s.Conn.Close()
		s.transition(StateClosed)
		return err
	}

	s.transition(StateActive)
	if s.metrics != nil {
		s.metrics.RecordSessionRegistered()
	}
	s.events.Record("User authenticated: " + ep.Handle)
	s.events.Record(fmt.Sprintf("Registered user: %s (Total: %d)", ep.Handle, s.dir.Count()))

	err = s.Conn.Send(protocol.Welcome(ep.Handle))
	if err == nil {
		s.router.Broadcast(ep.Handle, protocol.JoinNotice(ep.Handle))
		err = s.loop(ctx, ep)
	} else {
		err = fmt.Errorf("%w: %v", ErrIO, err)
	}

	s.transition(StateClosing)
	s.router.Broadcast(ep.Handle, protocol.LeaveNotice(ep.Handle))
	s.dir.deregisterEndpoint(ep)
	s.events.Record(fmt.Sprintf("Deregistered user: %s (Remaining: %d)", ep.Handle, s.dir.Count()))
	s.Conn.Close()
	s.events.Record("Connection closed for " + ep.Handle)
	s.transition(StateClosed)

	if errors.Is(err, ErrClientQuit) {
		return nil
	}
	return err
}

// authenticate reads the handle line and registers it
func (s *Session) authenticate() (*Endpoint, error) {
	msg, err := s.Conn.ReadMessage()
	if err != nil && !errors.Is(err, protocol.ErrDecode) && !errors.Is(err, protocol.ErrMessageTooLong) {
		return nil, fmt.Errorf("%w: reading handle: %v", ErrIO, err)
	}

	handle := protocol.Trim(msg)
	if err != nil || !protocol.ValidHandle(handle) {
		s.events.Record("Rejected invalid username from " + s.RemoteAddr)
		if s.metrics != nil {
			s.metrics.RecordAuthFailure("invalid")
		}
		s.Conn.Send(protocol.InvalidUsernameText)
		return nil, fmt.Errorf("%w: %w", ErrAuth, ErrInvalidHandle)
	}

	ep := &Endpoint{Handle: handle, RemoteAddr: s.RemoteAddr, Conn: s.Conn}
	if err := s.dir.Register(ep); err != nil {
		s.events.Record("Duplicate username attempt: " + handle)
		if s.metrics != nil {
			s.metrics.RecordAuthFailure("taken")
		}
		s.Conn.Send(protocol.UsernameTaken(handle))
		return nil, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	s.endpoint.Store(ep)
	return ep, nil
}

// loop reads and dispatches messages until something ends the session
func (s *Session) loop(ctx context.Context, ep *Endpoint) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrServerStopped, err)
		}

		msg, err := s.Conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrMessageTooLong):
				if err := s.Conn.Send(protocol.MessageTooLongText); err != nil {
					return fmt.Errorf("%w: %v", ErrIO, err)
				}
				continue
			case errors.Is(err, protocol.ErrDecode):
				if s.metrics != nil {
					s.metrics.RecordDecodeFailure()
				}
				debugLog.Printf("Session %d (%s): dropped undecodable message: %v", s.ID, ep.Handle, err)
				continue
			case errors.Is(err, io.EOF):
				debugLog.Printf("Session %d (%s): client disconnected", s.ID, ep.Handle)
			default:
				debugLog.Printf("Session %d (%s): read error: %v", s.ID, ep.Handle, err)
			}
			return fmt.Errorf("%w: %v", ErrIO, err)
		}

		msg = protocol.Trim(msg)
		if msg == "" {
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			if s.metrics != nil {
				s.metrics.RecordRateLimited()
			}
			if err := s.Conn.Send(protocol.RateLimitExceededText); err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			continue
		}

		err = s.router.Dispatch(ctx, ep, msg)
		switch {
		case err == nil:
		case errors.Is(err, ErrClientQuit):
			debugLog.Printf("Session %d (%s): quit", s.ID, ep.Handle)
			return err
		case errors.Is(err, ErrIO), errors.Is(err, ErrServerStopped):
			return err
		default:
			debugLog.Printf("Session %d (%s): %v", s.ID, ep.Handle, err)
		}
	}
}
