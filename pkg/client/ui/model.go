package ui

import (
	"io"
	"log"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"

	"github.com/aeolun/netchat/pkg/client"
)

// ConnectionState tracks whether the server link is still usable
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
)

// lineKind selects how a scrollback line is styled
type lineKind int

const (
	lineChat lineKind = iota
	lineSelf
	linePrivate
	lineSystem
	lineFile
	lineError
)

// maxScrollback bounds the number of lines kept in memory
const maxScrollback = 1000

type chatLine struct {
	kind lineKind
	text string
	at   time.Time
}

// Model is the root bubbletea model of the terminal client
type Model struct {
	conn   client.ConnectionInterface
	state  client.StateInterface
	logger *log.Logger

	connectionState ConnectionState
	statusText      string

	lines        []chatLine
	input        textinput.Model
	chatViewport viewport.Model
	ready        bool
	width        int
	height       int

	// In-flight uploads, keyed by nothing; only the count is shown
	uploads int

	notify func(title, body string) error
	now    func() time.Time
}

// ServerEventMsg carries one event from the connection's incoming channel
type ServerEventMsg struct {
	Event client.Event
}

// EventsClosedMsg is delivered once the incoming channel is closed
type EventsClosedMsg struct{}

// UploadDoneMsg reports the end of a SendFile started from the input line
type UploadDoneMsg struct {
	Recipient string
	Path      string
	Sent      int64
	Err       error
}

// NewModel creates a model for an already logged-in connection
func NewModel(conn client.ConnectionInterface, state client.StateInterface, logger *log.Logger) Model {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	ti := textinput.New()
	ti.Placeholder = "Type a message, @user for private, /help for commands"
	ti.CharLimit = 4000
	ti.Focus()

	m := Model{
		conn:            conn,
		state:           state,
		logger:          logger,
		connectionState: StateConnected,
		input:           ti,
		now:             time.Now,
	}
	m.notify = func(title, body string) error {
		return beeep.Notify(title, body, "")
	}
	if !conn.IsConnected() {
		m.connectionState = StateDisconnected
	}
	return m
}

// SetNotifier replaces the desktop notification function
func (m *Model) SetNotifier(notify func(title, body string) error) {
	m.notify = notify
}

// ShowSystemMessage adds a system line, e.g. the server's welcome
func (m *Model) ShowSystemMessage(text string) {
	m.appendLine(lineSystem, text)
}

// Init starts listening for server events
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		listenForEvents(m.conn),
	)
}

// listenForEvents waits for the next event from the connection
func listenForEvents(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-conn.Incoming()
		if !ok {
			return EventsClosedMsg{}
		}
		return ServerEventMsg{Event: ev}
	}
}

// appendLine adds a line to the scrollback and keeps the view pinned to
// the bottom when it already was.
func (m *Model) appendLine(kind lineKind, text string) {
	m.lines = append(m.lines, chatLine{kind: kind, text: text, at: m.now()})
	if len(m.lines) > maxScrollback {
		m.lines = m.lines[len(m.lines)-maxScrollback:]
	}
	if !m.ready {
		return
	}
	atBottom := m.chatViewport.AtBottom()
	m.chatViewport.SetContent(m.renderLines())
	if atBottom {
		m.chatViewport.GotoBottom()
	}
}
