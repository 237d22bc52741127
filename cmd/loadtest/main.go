package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aeolun/netchat/pkg/client"
	"github.com/aeolun/netchat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum))

// generateHandle combines fragments of two random words with the bot id,
// so handles are unique and valid.
func generateHandle(id int) string {
	fragment := func() string {
		w := strings.ToLower(loremWords[rand.Intn(len(loremWords))])
		n := min(len(w), 3+rand.Intn(3))
		return w[:n]
	}
	handle := fmt.Sprintf("%s%s_%d", fragment(), fragment(), id)
	if len(handle) > protocol.MaxHandleLength {
		handle = handle[len(handle)-protocol.MaxHandleLength:]
	}
	return handle
}

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	// Read /proc/loadavg on Linux
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	broadcasts        atomic.Int64
	pings             atomic.Int64
	lists             atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds, pings and lists only
	bytesSent         atomic.Int64
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	// Failure breakdown
	timeouts       atomic.Int64
	disconnections atomic.Int64
	serverErrors   atomic.Int64

	// Connect phase failure breakdown
	connectFailed atomic.Int64
	loginTimeout  atomic.Int64
	loginRejected atomic.Int64
}

func (s *Stats) recordRoundTrip(counter *atomic.Int64, responseTimeUs int64) {
	counter.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordSendError(err error) {
	s.messagesFailed.Add(1)
	if isDisconnect(err) {
		s.disconnections.Add(1)
	}
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) snapshot() (sent, failed, connErrors int64, avgResponseUs float64) {
	roundTrips := s.pings.Load() + s.lists.Load()
	sent = s.broadcasts.Load() + roundTrips
	failed = s.messagesFailed.Load()
	connErrors = s.connectionErrors.Load()

	if roundTrips > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(roundTrips)
	}
	return
}

// isDisconnect reports whether err looks like the server went away
func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "use of closed")
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id     int
	handle string
	conn   *client.LoadTestConnection
	stats  *Stats

	peersMu sync.Mutex
	peers   []string // Handles seen in the last /list reply
}

func NewBotClient(id int, serverAddr string, codec *protocol.Codec, stats *Stats) *BotClient {
	return &BotClient{
		id:     id,
		handle: generateHandle(id),
		conn:   client.NewLoadTestConnection(serverAddr, codec),
		stats:  stats,
	}
}

func (bc *BotClient) Connect() error {
	if err := bc.conn.Connect(); err != nil {
		bc.stats.connectFailed.Add(1)
		return fmt.Errorf("conn.Connect: %w", err)
	}

	welcome, err := bc.conn.Login(bc.handle, 5*time.Second)
	if err != nil {
		if errors.Is(err, client.ErrLoginRejected) {
			bc.stats.loginRejected.Add(1)
		} else {
			bc.stats.loginTimeout.Add(1)
		}
		return fmt.Errorf("login as %s: %w", bc.handle, err)
	}
	debugLogger.Printf("[Bot %d] %s", bc.id, welcome)
	return nil
}

func randomText() string {
	// 5-20 words
	wordCount := 5 + rand.Intn(16)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.Intn(len(loremWords))])
	}
	return strings.Join(words, " ")
}

// Broadcast sends a chat line to everyone. The server does not echo it
// back, so there is no response time to measure.
func (bc *BotClient) Broadcast() error {
	text := randomText()
	if err := bc.conn.Send(text); err != nil {
		bc.stats.recordSendError(err)
		return err
	}
	bc.stats.broadcasts.Add(1)
	bc.stats.bytesSent.Add(int64(len(text)))
	return nil
}

// Ping sends a private message to a random peer (or ourselves) and times
// the server's echo.
func (bc *BotClient) Ping() error {
	target := bc.randomPeer()
	text := fmt.Sprintf("ping %d", rand.Int63())
	echo := protocol.PrivateToSender(target, text)

	start := time.Now()
	if err := bc.conn.Send(protocol.PrivatePrefix + target + " " + text); err != nil {
		bc.stats.recordSendError(err)
		return err
	}
	reply, err := bc.conn.ReceiveUntil(10*time.Second, func(msg string) bool {
		return msg == echo || msg == protocol.UserNotFound(target)
	})
	if err != nil {
		bc.stats.recordTimeout()
		return fmt.Errorf("receive private echo: %w", err)
	}
	if protocol.IsError(reply) {
		// Peer left between /list and now
		bc.stats.serverErrors.Add(1)
		bc.stats.messagesFailed.Add(1)
		return errors.New(reply)
	}
	bc.stats.recordRoundTrip(&bc.stats.pings, time.Since(start).Microseconds())
	bc.stats.bytesSent.Add(int64(len(text)))
	return nil
}

// List refreshes the peer cache from /list
func (bc *BotClient) List() error {
	start := time.Now()
	if err := bc.conn.Send(protocol.CmdList); err != nil {
		bc.stats.recordSendError(err)
		return err
	}
	reply, err := bc.conn.ReceiveUntil(10*time.Second, func(msg string) bool {
		return strings.HasPrefix(msg, "Active users: ") || msg == protocol.NoUsersOnline
	})
	if err != nil {
		bc.stats.recordTimeout()
		return fmt.Errorf("receive user list: %w", err)
	}
	bc.stats.recordRoundTrip(&bc.stats.lists, time.Since(start).Microseconds())

	var peers []string
	if names, ok := strings.CutPrefix(reply, "Active users: "); ok {
		peers = strings.Split(names, ", ")
	}
	bc.peersMu.Lock()
	bc.peers = peers
	bc.peersMu.Unlock()
	return nil
}

func (bc *BotClient) randomPeer() string {
	bc.peersMu.Lock()
	defer bc.peersMu.Unlock()
	if len(bc.peers) == 0 {
		return bc.handle
	}
	return bc.peers[rand.Intn(len(bc.peers))]
}

func (bc *BotClient) Run(duration time.Duration, minDelay, maxDelay time.Duration, shutdownDelay time.Duration, stop <-chan struct{}, disconnectTimes chan<- time.Time) {
	defer func() {
		bc.conn.Send(protocol.CmdQuit)
		time.Sleep(100 * time.Millisecond)
		bc.conn.Close()

		select {
		case disconnectTimes <- time.Now():
		default:
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	if err := bc.List(); err != nil {
		debugLogger.Printf("[Bot %d] initial list failed: %v", bc.id, err)
	}

	endTime := time.Now().Add(duration)
	iteration := 0
	for time.Now().Before(endTime) {
		iteration++

		// 70% broadcast, 30% timed private round trip
		var err error
		if rand.Float32() < 0.7 {
			err = bc.Broadcast()
		} else {
			err = bc.Ping()
		}
		if err != nil {
			debugLogger.Printf("[Bot %d] %v", bc.id, err)
			if isDisconnect(err) {
				return
			}
		}

		// Refresh peers every 10 iterations
		if iteration%10 == 0 {
			if err := bc.List(); err != nil {
				debugLogger.Printf("[Bot %d] list failed: %v", bc.id, err)
			}
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		select {
		case <-time.After(shutdownDelay):
		case <-stop:
		}
	}
}

var debugLogger *log.Logger

func initLogging() error {
	// Create loadtest.log file (truncate on each run to avoid confusion)
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	// Detailed bot communication logs
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:5000", "Server address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	framingName := flag.String("framing", "line", "Message framing (line or read)")
	encryption := flag.Bool("encryption", false, "Apply the XOR transform to text messages")
	encryptionKey := flag.String("encryption-key", protocol.DefaultKey, "XOR transform key")
	flag.Parse()

	framing, err := protocol.ParseFraming(*framingName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	codec := protocol.NewCodec(framing, protocol.NewXOR(*encryptionKey, *encryption))

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed bot communication logs in loadtest_debug.log")

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(max(*numClients, 1))
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s (framing=%s, encryption=%v)", *serverAddr, framing, *encryption)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	// Stats reporter
	reporterDone := make(chan struct{})
	startTime := time.Now()
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, failed, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d failed, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, failed, connErrors, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stop:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Printf("Shutdown signal received, stopping test...")
			stopAll()
		case <-stop:
		}
	}()

	var firstConnect, lastConnect, firstDisconnect, lastDisconnect time.Time
	connectTimes := make(chan time.Time, *numClients)
	disconnectTimes := make(chan time.Time, *numClients)

	var wg sync.WaitGroup
spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot := NewBotClient(id, *serverAddr, codec, stats)
			if err := bot.Connect(); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] %v", id, err)
				bot.conn.Close()
				return
			}

			stats.successfulClients.Add(1)
			select {
			case connectTimes <- time.Now():
			default:
			}
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.handle)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, stop, disconnectTimes)
		}(i, shutdownDelay)

		select {
		case <-time.After(staggerDelay):
		case <-stop:
			break spawn
		}
	}

	wg.Wait()
	stopAll()
	<-reporterDone
	close(connectTimes)
	close(disconnectTimes)

	for t := range connectTimes {
		if firstConnect.IsZero() || t.Before(firstConnect) {
			firstConnect = t
		}
		if t.After(lastConnect) {
			lastConnect = t
		}
	}
	for t := range disconnectTimes {
		if firstDisconnect.IsZero() || t.Before(firstDisconnect) {
			firstDisconnect = t
		}
		if t.After(lastDisconnect) {
			lastDisconnect = t
		}
	}

	if !firstConnect.IsZero() {
		log.Printf("Ramp-up: expected %v, took %v", rampUpDuration.Round(time.Second), lastConnect.Sub(firstConnect).Round(time.Second))
	}
	if !firstDisconnect.IsZero() {
		log.Printf("Ramp-down: expected %v, took %v", rampUpDuration.Round(time.Second), lastDisconnect.Sub(firstDisconnect).Round(time.Second))
	}
	if !firstConnect.IsZero() && !lastDisconnect.IsZero() {
		log.Printf("Total test duration: %v (expected: ~%v)", lastDisconnect.Sub(firstConnect).Round(time.Second), (*duration + rampUpDuration).Round(time.Second))
	}

	sent, failed, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()
	elapsed := time.Since(startTime)

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successfulClients, float64(successfulClients)/float64(max(*numClients, 1))*100)
	log.Printf("Duration: %v", elapsed.Round(time.Second))
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/elapsed.Seconds())
	log.Printf("  - Broadcasts: %d", stats.broadcasts.Load())
	log.Printf("  - Private round trips: %d", stats.pings.Load())
	log.Printf("  - User lists: %d", stats.lists.Load())
	log.Printf("Payload sent: %s", humanize.Bytes(uint64(stats.bytesSent.Load())))
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("  - Server errors: %d", stats.serverErrors.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("    - Connect failed: %d", stats.connectFailed.Load())
		log.Printf("    - Login timed out: %d", stats.loginTimeout.Load())
		log.Printf("    - Login rejected: %d", stats.loginRejected.Load())
	}
	log.Printf("Average response time: %.2fms", avgUs/1000.0)
	if sent > 0 {
		log.Printf("Success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}
