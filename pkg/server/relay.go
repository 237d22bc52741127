package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/aeolun/netchat/pkg/protocol"
)

// RelayConfig bounds and paces file relays
type RelayConfig struct {
	MaxFileSize   int64
	ChunkSize     int
	OfferGrace    time.Duration // offer -> ready when not awaiting an answer
	ReadyDelay    time.Duration // ready notice -> first byte
	AwaitAccept   bool
	AcceptTimeout time.Duration
}

// DefaultRelayConfig returns the relay settings existing clients expect
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		MaxFileSize:   protocol.MaxFileSize,
		ChunkSize:     protocol.ChunkSize,
		OfferGrace:    2 * time.Second,
		ReadyDelay:    200 * time.Millisecond,
		AwaitAccept:   false,
		AcceptTimeout: 30 * time.Second,
	}
}

// Transfer describes one in-flight relay. It lives only as long as Run.
type Transfer struct {
	ID        uuid.UUID
	Sender    string
	Recipient string
	Filename  string
	Size      int64
}

// NewTransfer builds a descriptor from a parsed /sendfile command
func NewTransfer(sender string, cmd protocol.Command) Transfer {
	return Transfer{
		ID:        uuid.New(),
		Sender:    sender,
		Recipient: cmd.Target,
		Filename:  cmd.Filename,
		Size:      cmd.Size,
	}
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s -> %s (%s, %s) [%s]", t.Sender, t.Recipient, t.Filename, humanize.IBytes(uint64(t.Size)), t.ID)
}

var (
	errPumpRead  = errors.New("read from sender failed")
	errPumpWrite = errors.New("write to recipient failed")
)

// Relay streams file bytes from a sender's connection to a recipient's
// connection. Nothing is buffered beyond one chunk and nothing touches disk.
type Relay struct {
	dir     *Directory
	cfg     RelayConfig
	events  EventSink
	metrics *Metrics

	mu      sync.Mutex
	pending map[string]chan bool // recipient handle -> answer
}

// NewRelay creates a relay bound to a directory
func NewRelay(dir *Directory, cfg RelayConfig, events EventSink) *Relay {
	if events == nil {
		events = NopSink{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = protocol.ChunkSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = protocol.MaxFileSize
	}
	return &Relay{
		dir:     dir,
		cfg:     cfg,
		events:  events,
		pending: make(map[string]chan bool),
	}
}

// SetMetrics attaches metrics to the relay
func (r *Relay) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Config returns the relay configuration
func (r *Relay) Config() RelayConfig {
	return r.cfg
}

// Answer delivers a recipient's /accept_file or /reject_file to the relay
// waiting on it. It reports whether a relay was waiting.
func (r *Relay) Answer(recipient string, accepted bool) bool {
	r.mu.Lock()
	ch, ok := r.pending[recipient]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- accepted:
	default:
		// already answered
	}
	return true
}

func (r *Relay) expect(recipient string) (chan bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.pending[recipient]; busy {
		return nil, false
	}
	ch := make(chan bool, 1)
	r.pending[recipient] = ch
	return ch, true
}

func (r *Relay) forget(recipient string) {
	r.mu.Lock()
	delete(r.pending, recipient)
	r.mu.Unlock()
}

// Run executes one transfer. The sender's raw inbound stream is read by the
// caller's goroutine, so Run must be called from the sender's session loop.
//
// A returned error wrapping ErrIO means the sender's stream is unusable.
// Other errors leave the sender's session running.
func (r *Relay) Run(ctx context.Context, t Transfer, sender *Endpoint) error {
	recipient, err := r.dir.Lookup(t.Recipient)
	if err != nil {
		r.events.Record("File transfer refused, recipient offline: " + t.String())
		if err := sender.Conn.Send(protocol.UserNotOnline(t.Recipient)); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return ErrRecipientOffline
	}

	src := &countingReader{r: sender.Conn.RawReader()}

	// A self-transfer is answered by the session that is running it, so it
	// can only ever use the grace period.
	var answer chan bool
	if r.cfg.AwaitAccept && t.Recipient != t.Sender {
		var ok bool
		answer, ok = r.expect(t.Recipient)
		if !ok {
			r.events.Record("File transfer refused, recipient busy: " + t.String())
			return r.abandon(t, sender, nil, src, protocol.RecipientBusy(t.Recipient), ErrRecipientBusy)
		}
		defer r.forget(t.Recipient)
	}

	start := time.Now()
	if r.metrics != nil {
		r.metrics.RecordRelayStarted()
	}
	r.events.Record("File transfer offered: " + t.String())
	debugLog.Printf("Relay %s: offering %s to %s", t.ID, t.Filename, t.Recipient)

	if err := recipient.Conn.Send(protocol.FileOffer(t.Sender, t.Filename, t.Size)); err != nil {
		r.finish(t, "failed", start)
		return r.abandon(t, sender, nil, src, protocol.TransferFailedText, fmt.Errorf("%w: offer: %v", ErrRelayFailed, err))
	}

	if answer != nil {
		timer := time.NewTimer(r.cfg.AcceptTimeout)
		select {
		case accepted := <-answer:
			timer.Stop()
			if !accepted {
				r.finish(t, "rejected", start)
				r.events.Record("File transfer rejected: " + t.String())
				return r.abandon(t, sender, recipient, src, protocol.TransferRejected(t.Recipient), ErrTransferRejected)
			}
		case <-timer.C:
			r.finish(t, "rejected", start)
			r.events.Record("File transfer timed out waiting for answer: " + t.String())
			return r.abandon(t, sender, recipient, src, protocol.TransferRejected(t.Recipient), ErrTransferRejected)
		case <-ctx.Done():
			timer.Stop()
			r.finish(t, "failed", start)
			return fmt.Errorf("%w: %v", ErrServerStopped, ctx.Err())
		}
	} else if err := sleepCtx(ctx, r.cfg.OfferGrace); err != nil {
		r.finish(t, "failed", start)
		return fmt.Errorf("%w: %v", ErrServerStopped, err)
	}

	var transferred int64
	err = recipient.Conn.Stream(func(w *StreamWriter) error {
		if err := w.Send(protocol.FileData(t.Sender, t.Filename, t.Size)); err != nil {
			return fmt.Errorf("%w: %v", errPumpWrite, err)
		}
		if err := sleepCtx(ctx, r.cfg.ReadyDelay); err != nil {
			return err
		}

		progress := r.progressLogger(t)
		n, err := Pump(w, src, t.Size, r.cfg.ChunkSize, progress)
		transferred = n
		if err != nil {
			return err
		}
		// Completion for the recipient goes out before anyone else can write.
		w.Send(protocol.TransferCompleteText)
		return nil
	})

	switch {
	case err == nil:
		r.finish(t, "complete", start)
		r.events.Record("File transfer completed: " + t.String())
		log.Printf("Relay %s complete: %s in %v", t.ID, humanize.IBytes(uint64(transferred)), time.Since(start).Round(time.Millisecond))
		if err := sender.Conn.Send(protocol.TransferCompleteText); err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		return nil

	case errors.Is(err, errPumpRead):
		r.finish(t, "failed", start)
		r.events.Record(fmt.Sprintf("File transfer failed after %d bytes (sender): %s", transferred, t))
		recipient.Conn.Send(protocol.TransferFailedText)
		sender.Conn.Send(protocol.TransferFailedText)
		return fmt.Errorf("%w: %v", ErrIO, err)

	case errors.Is(err, errPumpWrite):
		r.finish(t, "failed", start)
		r.events.Record(fmt.Sprintf("File transfer failed after %d bytes (recipient): %s", transferred, t))
		return r.abandon(t, sender, nil, src, protocol.TransferFailedText, fmt.Errorf("%w: %v", ErrRelayFailed, err))

	default:
		r.finish(t, "failed", start)
		return fmt.Errorf("%w: %v", ErrServerStopped, err)
	}
}

// abandon tells the parties the transfer is off, then discards whatever the
// sender still owes so its stream lines up with the next message again.
func (r *Relay) abandon(t Transfer, sender, recipient *Endpoint, src *countingReader, text string, cause error) error {
	if recipient != nil {
		recipient.Conn.Send(text)
	}
	if err := sender.Conn.Send(text); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	remaining := t.Size - src.n
	if remaining > 0 {
		debugLog.Printf("Relay %s: discarding %d bytes from %s", t.ID, remaining, t.Sender)
		if _, err := io.CopyN(io.Discard, src, remaining); err != nil {
			return fmt.Errorf("%w: drain: %v", ErrIO, err)
		}
	}
	return cause
}

func (r *Relay) finish(t Transfer, outcome string, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordRelayFinished(outcome, float64(time.Since(start).Milliseconds()))
	}
}

// progressLogger returns a callback that logs whenever another 5% of the
// transfer has gone through.
func (r *Relay) progressLogger(t Transfer) func(int64) {
	var lastPct int64
	var lastTotal int64
	return func(total int64) {
		if r.metrics != nil {
			r.metrics.RecordRelayBytes(int(total - lastTotal))
		}
		lastTotal = total

		pct := total * 100 / t.Size
		if pct-lastPct >= 5 || total == t.Size {
			lastPct = pct
			log.Printf("Relay %s: %d%% (%s / %s)", t.ID, pct, humanize.IBytes(uint64(total)), humanize.IBytes(uint64(t.Size)))
		}
	}
}

// Pump copies exactly size bytes from src to dst in chunks of at most
// chunkSize. Each chunk is written before the next is read. A read that
// yields no bytes or a short write aborts the copy. progress, if non-nil,
// receives the running total after every chunk.
func Pump(dst io.Writer, src io.Reader, size int64, chunkSize int, progress func(int64)) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = protocol.ChunkSize
	}
	buf := make([]byte, chunkSize)

	var total int64
	for total < size {
		want := int64(chunkSize)
		if rem := size - total; rem < want {
			want = rem
		}

		n, rerr := src.Read(buf[:want])
		if n <= 0 {
			if rerr == nil {
				rerr = io.ErrNoProgress
			}
			return total, fmt.Errorf("%w: %v", errPumpRead, rerr)
		}

		w, werr := dst.Write(buf[:n])
		if werr == nil && w < n {
			werr = io.ErrShortWrite
		}
		if werr != nil {
			return total, fmt.Errorf("%w: %v", errPumpWrite, werr)
		}

		total += int64(n)
		if progress != nil {
			progress(total)
		}
	}
	return total, nil
}

// countingReader remembers how many bytes have been read through it
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
