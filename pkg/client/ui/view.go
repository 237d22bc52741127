package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const (
	headerHeight = 1
	footerHeight = 3 // input line, separator and status bar
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#5A56E0")).
			Padding(0, 1)

	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selfStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#87D7FF"))
	privateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D787FF")).Italic(true)
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	fileStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD787"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("236")).
			Padding(0, 1)
	disconnectedStyle = statusStyle.
				Foreground(lipgloss.Color("#FF5F5F"))
	separatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

// View renders the chat screen
func (m Model) View() string {
	if !m.ready {
		return "Connecting...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.chatViewport.View())
	b.WriteString("\n")
	b.WriteString(separatorStyle.Render(strings.Repeat("─", max(m.width, 1))))
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderHeader() string {
	title := fmt.Sprintf("NetChat | %s @ %s (%s)", m.conn.Handle(), m.conn.GetAddress(), m.conn.GetConnectionType())
	return headerStyle.Width(max(m.width, 1)).Render(title)
}

func (m Model) renderStatusBar() string {
	if m.connectionState == StateDisconnected {
		text := m.statusText
		if text == "" {
			text = "Disconnected"
		}
		return disconnectedStyle.Width(max(m.width, 1)).Render(text + " | Ctrl+C to exit")
	}

	parts := []string{
		"Connected",
		"↑ " + humanize.IBytes(m.conn.GetBytesSent()),
		"↓ " + humanize.IBytes(m.conn.GetBytesReceived()),
	}
	if m.uploads > 0 {
		parts = append(parts, fmt.Sprintf("%d upload(s) in progress", m.uploads))
	}
	parts = append(parts, "/help")
	return statusStyle.Width(max(m.width, 1)).Render(strings.Join(parts, " | "))
}

// renderLines renders the whole scrollback
func (m Model) renderLines() string {
	rendered := make([]string, 0, len(m.lines))
	for _, line := range m.lines {
		rendered = append(rendered, formatLine(line))
	}
	return strings.Join(rendered, "\n")
}

// formatLine renders one scrollback line with its timestamp
func formatLine(line chatLine) string {
	ts := timestampStyle.Render(line.at.Format("15:04"))
	return ts + " " + styleFor(line.kind).Render(line.text)
}

func styleFor(kind lineKind) lipgloss.Style {
	switch kind {
	case lineSelf:
		return selfStyle
	case linePrivate:
		return privateStyle
	case lineSystem:
		return systemStyle
	case lineFile:
		return fileStyle
	case lineError:
		return errorStyle
	}
	return lipgloss.NewStyle()
}
