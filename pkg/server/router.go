package server

import (
	"context"
	"fmt"

	"github.com/aeolun/netchat/pkg/protocol"
)

// Router turns one client message into its effect: a reply, a unicast,
// a broadcast or a relay.
type Router struct {
	dir     *Directory
	relay   *Relay
	events  EventSink
	metrics *Metrics
}

// NewRouter creates a router over dir. relay may be shared by many routers.
func NewRouter(dir *Directory, relay *Relay, events EventSink) *Router {
	if events == nil {
		events = NopSink{}
	}
	return &Router{dir: dir, relay: relay, events: events}
}

// SetMetrics attaches metrics to the router
func (rt *Router) SetMetrics(metrics *Metrics) {
	rt.metrics = metrics
}

// Dispatch handles a trimmed, non-empty message from sender.
//
// Errors classify what happened after the reply was written: ErrProtocol,
// ErrNotFound and ErrTransferSize leave the session running; ErrClientQuit
// and anything wrapping ErrIO end it.
func (rt *Router) Dispatch(ctx context.Context, sender *Endpoint, msg string) error {
	cmd := protocol.ParseCommand(msg)
	if rt.metrics != nil {
		rt.metrics.RecordMessageReceived(cmd.Kind.String())
	}

	switch cmd.Kind {
	case protocol.KindList:
		return rt.reply(sender, protocol.ActiveUsers(rt.dir.Snapshot()))

	case protocol.KindPrivate:
		return rt.private(sender, cmd)

	case protocol.KindPrivateMalformed:
		return rt.fail(sender, protocol.InvalidPrivateFormat, ErrProtocol)

	case protocol.KindSendFileUsage:
		return rt.fail(sender, protocol.SendFileUsage, ErrProtocol)

	case protocol.KindSendFileSize:
		return rt.fail(sender, protocol.InvalidFileSizeText, ErrTransferSize)

	case protocol.KindSendFile:
		if cmd.Size > rt.relay.Config().MaxFileSize {
			return rt.fail(sender, protocol.InvalidFileSizeText, ErrTransferSize)
		}
		return rt.relay.Run(ctx, NewTransfer(sender.Handle, cmd), sender)

	case protocol.KindQuit:
		// The connection is going away either way.
		sender.Conn.Send(protocol.Goodbye(sender.Handle))
		return ErrClientQuit

	case protocol.KindAcceptFile, protocol.KindRejectFile:
		accepted := cmd.Kind == protocol.KindAcceptFile
		if !rt.relay.Answer(sender.Handle, accepted) {
			debugLog.Printf("%s answered %s with no transfer waiting", sender.Handle, cmd.Kind)
		}
		return nil

	default:
		rt.events.Record("[" + sender.Handle + "] " + cmd.Text)
		rt.Broadcast(sender.Handle, protocol.Broadcast(sender.Handle, cmd.Text))
		return nil
	}
}

func (rt *Router) private(sender *Endpoint, cmd protocol.Command) error {
	target, err := rt.dir.Lookup(cmd.Target)
	if err != nil {
		rt.events.Record("Failed private message to invalid user: " + cmd.Target)
		return rt.fail(sender, protocol.UserNotFound(cmd.Target), ErrNotFound)
	}

	// A dead target is its own session's problem; the sender still gets the echo.
	if err := target.Conn.Send(protocol.PrivateToRecipient(sender.Handle, cmd.Text)); err != nil {
		debugLog.Printf("private message to %s failed: %v", target.Handle, err)
	} else if rt.metrics != nil {
		rt.metrics.RecordMessageSent()
	}
	rt.events.Record("Private message: " + sender.Handle + " -> " + target.Handle)

	return rt.reply(sender, protocol.PrivateToSender(target.Handle, cmd.Text))
}

// Broadcast sends text to every registered session except from. Delivery
// failures are skipped; the failing session tears itself down.
func (rt *Router) Broadcast(from, text string) int {
	targets := rt.dir.BroadcastTargets(from)
	sent := 0
	for _, ep := range targets {
		if err := ep.Conn.Send(text); err != nil {
			debugLog.Printf("broadcast to %s failed: %v", ep.Handle, err)
			continue
		}
		sent++
	}
	if rt.metrics != nil {
		for i := 0; i < sent; i++ {
			rt.metrics.RecordMessageSent()
		}
	}
	rt.events.Record("Broadcast: " + text)
	return sent
}

func (rt *Router) reply(to *Endpoint, text string) error {
	if err := to.Conn.Send(text); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if rt.metrics != nil {
		rt.metrics.RecordMessageSent()
	}
	return nil
}

// fail replies with text and returns cause, unless the reply itself fails.
func (rt *Router) fail(to *Endpoint, text string, cause error) error {
	if err := rt.reply(to, text); err != nil {
		return err
	}
	return cause
}
