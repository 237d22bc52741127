package ui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/aeolun/netchat/pkg/client"
	"github.com/aeolun/netchat/pkg/protocol"
)

// recentFilesLimit is how many entries /files shows
const recentFilesLimit = 10

// Update handles incoming messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		chatHeight := max(msg.Height-headerHeight-footerHeight, 1)
		if !m.ready {
			m.chatViewport = viewport.New(msg.Width, chatHeight)
			m.ready = true
		} else {
			m.chatViewport.Width = msg.Width
			m.chatViewport.Height = chatHeight
		}
		m.input.Width = max(msg.Width-4, 10)
		m.chatViewport.SetContent(m.renderLines())
		m.chatViewport.GotoBottom()
		return m, nil

	case ServerEventMsg:
		m.handleServerEvent(msg.Event)
		if msg.Event.Kind == client.EventDisconnected {
			return m, nil
		}
		return m, listenForEvents(m.conn)

	case EventsClosedMsg:
		m.connectionState = StateDisconnected
		return m, nil

	case UploadDoneMsg:
		m.uploads--
		if msg.Err != nil {
			m.appendLine(lineError, fmt.Sprintf("[FILE] ✗ Sending %s to %s failed: %v", filepath.Base(msg.Path), msg.Recipient, msg.Err))
			return m, nil
		}
		m.appendLine(lineFile, fmt.Sprintf("[FILE] Sent %s (%s) to %s", filepath.Base(msg.Path), humanize.IBytes(uint64(msg.Sent)), msg.Recipient))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.quit()
		return m, tea.Quit

	case tea.KeyEnter:
		value := m.input.Value()
		m.input.Reset()
		return m.executeAction(parseInput(value))

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.chatViewport, cmd = m.chatViewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// executeAction applies a parsed input line
func (m Model) executeAction(action inputAction) (tea.Model, tea.Cmd) {
	switch action.kind {
	case actionNone:
		return m, nil

	case actionQuit:
		m.quit()
		return m, tea.Quit

	case actionHelp:
		for _, line := range helpLines {
			m.appendLine(lineSystem, line)
		}
		return m, nil

	case actionClear:
		m.lines = nil
		if m.ready {
			m.chatViewport.SetContent("")
		}
		return m, nil

	case actionInvalid:
		m.appendLine(lineError, action.text)
		return m, nil

	case actionFiles:
		m.showReceivedFiles()
		return m, nil
	}

	if m.connectionState == StateDisconnected {
		m.appendLine(lineError, "Not connected")
		return m, nil
	}

	switch action.kind {
	case actionSendFile:
		m.uploads++
		m.appendLine(lineFile, fmt.Sprintf("[FILE] Offering %s to %s...", filepath.Base(action.path), action.recipient))
		return m, sendFileCmd(m.conn, action.recipient, action.path)

	case actionSend:
		if err := m.conn.Send(action.text); err != nil {
			m.appendLine(lineError, "Send failed: "+err.Error())
			return m, nil
		}
		// The server does not echo broadcasts back to their author
		if !strings.HasPrefix(action.text, "/") && !strings.HasPrefix(action.text, protocol.PrivatePrefix) {
			m.appendLine(lineSelf, "You: "+action.text)
		}
	}
	return m, nil
}

// sendFileCmd runs an upload off the UI goroutine
func sendFileCmd(conn client.ConnectionInterface, recipient, path string) tea.Cmd {
	return func() tea.Msg {
		sent, err := conn.SendFile(context.Background(), recipient, path)
		return UploadDoneMsg{Recipient: recipient, Path: path, Sent: sent, Err: err}
	}
}

func (m *Model) quit() {
	if m.connectionState == StateConnected {
		if err := m.conn.Quit(); err != nil {
			m.logger.Printf("Failed to send quit: %v", err)
		}
	}
	m.connectionState = StateDisconnected
}

func (m *Model) showReceivedFiles() {
	if m.state == nil {
		m.appendLine(lineError, "No local state available")
		return
	}
	files, err := m.state.ReceivedFiles(recentFilesLimit)
	if err != nil {
		m.appendLine(lineError, "Failed to load received files: "+err.Error())
		return
	}
	if len(files) == 0 {
		m.appendLine(lineSystem, "No files received yet")
		return
	}
	m.appendLine(lineSystem, "Received files:")
	for _, f := range files {
		m.appendLine(lineFile, fmt.Sprintf("  %s from %s (%s, %s) -> %s",
			f.Filename, f.Sender, protocol.FormatFileSize(f.Size), humanize.Time(f.ReceivedAt), f.Path))
	}
}

// handleServerEvent turns a connection event into scrollback lines and
// side effects.
func (m *Model) handleServerEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventMessage:
		kind := classifyServerText(ev.Text)
		m.appendLine(kind, ev.Text)
		if kind == linePrivate && !strings.HasPrefix(ev.Text, "[PRIVATE] You ->") {
			m.sendDesktopNotification("Private message", strings.TrimPrefix(ev.Text, "[PRIVATE] "))
		}

	case client.EventError:
		m.appendLine(lineError, ev.Text)

	case client.EventFileOffer:
		m.appendLine(lineFile, "[FILE] Incoming "+ev.Text+" (accepted)")

	case client.EventFileReceiving:
		m.appendLine(lineFile, ev.Text)

	case client.EventFileSaved:
		m.appendLine(lineFile, ev.Text)
		if m.state != nil {
			err := m.state.RecordReceivedFile(client.ReceivedFile{
				Sender:     ev.Sender,
				Filename:   ev.Filename,
				Path:       ev.Path,
				Size:       ev.Size,
				ReceivedAt: m.now(),
			})
			if err != nil {
				m.logger.Printf("Failed to record received file: %v", err)
			}
		}
		m.sendDesktopNotification("File received", fmt.Sprintf("%s from %s", ev.Filename, ev.Sender))

	case client.EventFileFailed:
		text := ev.Text
		if ev.Err != nil {
			text += ": " + ev.Err.Error()
		}
		m.appendLine(lineError, text)

	case client.EventDisconnected:
		m.connectionState = StateDisconnected
		if ev.Err != nil {
			m.statusText = "Disconnected: " + ev.Err.Error()
		} else {
			m.statusText = "Disconnected"
		}
		m.appendLine(lineSystem, m.statusText)
	}
}

// classifyServerText picks a style for a plain server line
func classifyServerText(text string) lineKind {
	switch {
	case protocol.IsError(text), strings.HasPrefix(text, "Usage:"):
		return lineError
	case strings.HasPrefix(text, "[PRIVATE]"):
		return linePrivate
	case strings.HasPrefix(text, "[FILE]"):
		return lineFile
	case strings.HasPrefix(text, "Welcome "),
		strings.HasPrefix(text, "Goodbye "),
		strings.HasPrefix(text, "Active users:"),
		text == protocol.NoUsersOnline,
		text == protocol.ServerShuttingDownText,
		strings.HasSuffix(text, " joined the chat!"),
		strings.HasSuffix(text, " left the chat"):
		return lineSystem
	}
	return lineChat
}

func (m *Model) sendDesktopNotification(title, body string) {
	if m.notify == nil {
		return
	}
	if err := m.notify(title, body); err != nil {
		m.logger.Printf("Failed to send desktop notification: %v", err)
	}
}
