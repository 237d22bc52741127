package ui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/netchat/pkg/client"
)

type notification struct {
	title string
	body  string
}

type testHarness struct {
	conn          *client.MockConnection
	state         *client.MockState
	notifications []notification
	notifyErr     error
}

var testNow = time.Date(2026, 3, 4, 12, 30, 0, 0, time.UTC)

// NewTestModel returns a logged-in, sized model backed by mocks
func NewTestModel(t *testing.T) (Model, *testHarness) {
	t.Helper()

	h := &testHarness{
		conn:  client.NewMockConnection("localhost:5000"),
		state: client.NewMockState(),
	}
	require.NoError(t, h.conn.Connect())
	_, err := h.conn.Login("alice")
	require.NoError(t, err)
	t.Cleanup(h.conn.Close)

	m := NewModel(h.conn, h.state, nil)
	m.now = func() time.Time { return testNow }
	m.SetNotifier(func(title, body string) error {
		h.notifications = append(h.notifications, notification{title, body})
		return h.notifyErr
	})

	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return updated.(Model), h
}

func submit(t *testing.T, m Model, input string) (Model, tea.Cmd) {
	t.Helper()
	m.input.SetValue(input)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return updated.(Model), cmd
}

func deliver(t *testing.T, m Model, ev client.Event) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(ServerEventMsg{Event: ev})
	return updated.(Model), cmd
}

func lastLine(m Model) chatLine {
	if len(m.lines) == 0 {
		return chatLine{}
	}
	return m.lines[len(m.lines)-1]
}

var errBoom = errors.New("boom")
