package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/netchat/pkg/client"
	"github.com/aeolun/netchat/pkg/client/ui"
	"github.com/aeolun/netchat/pkg/protocol"
)

var Version = "dev"

// maxLoginAttempts bounds how often a rejected handle is asked for again
const maxLoginAttempts = 3

func main() {
	serverAddr := flag.String("server", "", "Server address: host[:port], tcp://, ssh://[user@]host[:port], ws:// or wss://")
	handle := flag.String("handle", "", "Username (defaults to the last one used)")
	framingName := flag.String("framing", "line", "Message framing (line or read), must match the server")
	encryption := flag.Bool("encryption", false, "Apply the XOR transform to text messages, must match the server")
	encryptionKey := flag.String("encryption-key", protocol.DefaultKey, "XOR transform key")
	saveDir := flag.String("save-dir", "Users", "Directory received files are saved under")
	statePath := flag.String("state", "", "Path to the state database")
	noFallback := flag.Bool("no-fallback", false, "Do not retry over WebSocket when the server is unreachable")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("netchat %s\n", Version)
		return
	}

	framing, err := protocol.ParseFraming(*framingName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	codec := protocol.NewCodec(framing, protocol.NewXOR(*encryptionKey, *encryption))

	if *statePath == "" {
		*statePath = defaultStatePath()
	}
	state, err := client.OpenState(*statePath)
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer state.Close()

	logger, closeLog, err := openClientLog(state.GetStateDir())
	if err != nil {
		log.Fatalf("Failed to open client log: %v", err)
	}
	defer closeLog()

	addr := *serverAddr
	if addr == "" {
		addr, _ = state.GetConfig("last_server")
	}
	if addr == "" {
		addr = "localhost:5000"
	}
	addr = client.ResolveConnectionMethod(addr, state, logger)

	name := *handle
	if name == "" {
		name = state.GetLastHandle()
	}

	stdin := bufio.NewReader(os.Stdin)
	var conn *client.Connection
	var welcome string
	for attempt := 1; ; attempt++ {
		if name == "" {
			name = promptHandle(stdin)
		}

		conn, err = client.NewConnection(addr)
		if err != nil {
			log.Fatalf("Invalid server address: %v", err)
		}
		conn.SetLogger(logger)
		conn.SetCodec(codec)
		conn.SetSaveRoot(*saveDir)
		if *noFallback {
			conn.DisableWebSocketFallback()
		}

		if err := conn.Connect(); err != nil {
			conn.Close()
			log.Fatalf("Failed to connect to %s: %v", addr, err)
		}
		fmt.Printf("Connected to %s (%s)\n", conn.GetAddress(), conn.GetConnectionType())

		welcome, err = conn.Login(name)
		if err == nil {
			break
		}
		conn.Close()
		if !errors.Is(err, client.ErrLoginRejected) || attempt >= maxLoginAttempts {
			log.Fatalf("Login failed: %v", err)
		}
		fmt.Println(strings.TrimSpace(strings.TrimPrefix(err.Error(), client.ErrLoginRejected.Error()+":")))
		name = ""
	}
	defer conn.Close()

	if err := client.RememberConnection(state, conn); err != nil {
		logger.Printf("Failed to save connection history: %v", err)
	}
	if err := state.SetConfig("last_server", addr); err != nil {
		logger.Printf("Failed to save last server: %v", err)
	}
	if err := state.SetLastHandle(name); err != nil {
		logger.Printf("Failed to save handle: %v", err)
	}

	model := ui.NewModel(conn, state, logger)
	model.ShowSystemMessage(welcome)

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("UI error: %v", err)
	}
}

// defaultStatePath follows XDG_DATA_HOME, falling back to ~/.local/share
func defaultStatePath() string {
	xdgData := os.Getenv("XDG_DATA_HOME")
	if xdgData == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to get home directory: %v", err)
		}
		xdgData = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(xdgData, "netchat", "state.db")
}

// openClientLog sends connection logs to client.log so they do not fight
// with the terminal UI.
func openClientLog(dir string) (*log.Logger, func(), error) {
	f, err := os.OpenFile(filepath.Join(dir, "client.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, err
	}
	return log.New(f, "", log.LstdFlags), func() { f.Close() }, nil
}

func promptHandle(in *bufio.Reader) string {
	for {
		fmt.Print("Enter your username: ")
		line, err := in.ReadString('\n')
		name := strings.TrimSpace(line)
		if protocol.ValidHandle(name) {
			return name
		}
		if err != nil {
			log.Fatalf("No username given")
		}
		fmt.Println(protocol.InvalidUsernameText)
	}
}
