package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/netchat/pkg/client"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		input string
		want  inputAction
	}{
		{"", inputAction{kind: actionNone}},
		{"   ", inputAction{kind: actionNone}},
		{"hello world", inputAction{kind: actionSend, text: "hello world"}},
		{"  @bob hi  ", inputAction{kind: actionSend, text: "@bob hi"}},
		{"/list", inputAction{kind: actionSend, text: "/list"}},
		{"/quit", inputAction{kind: actionQuit}},
		{"/help", inputAction{kind: actionHelp}},
		{"/clear", inputAction{kind: actionClear}},
		{"/files", inputAction{kind: actionFiles}},
		{"/sendfile bob", inputAction{kind: actionInvalid, text: sendFileUsage}},
		{"/sendfile bob /tmp/a.txt", inputAction{kind: actionSendFile, recipient: "bob", path: "/tmp/a.txt"}},
		{"/sendfile bob /tmp/my notes.txt", inputAction{kind: actionSendFile, recipient: "bob", path: "/tmp/my notes.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseInput(tt.input))
		})
	}
}

func TestClassifyServerText(t *testing.T) {
	tests := []struct {
		text string
		want lineKind
	}{
		{"bob: hi", lineChat},
		{"ERROR: User 'x' not found or offline", lineError},
		{"Usage: /sendfile <username> <filename> <file_size>", lineError},
		{"[PRIVATE] bob -> You: hi", linePrivate},
		{"[FILE] ✓ Transfer complete!", lineFile},
		{"Welcome alice! Type /list, /quit, @user msg, /sendfile user file", lineSystem},
		{"Active users: alice, bob", lineSystem},
		{"No users online", lineSystem},
		{"bob joined the chat!", lineSystem},
		{"bob left the chat", lineSystem},
		{"Goodbye alice!", lineSystem},
		{"Server shutting down", lineSystem},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyServerText(tt.text))
		})
	}
}

func TestSendBroadcastEchoesLocally(t *testing.T) {
	m, h := NewTestModel(t)

	m, _ = submit(t, m, "hello everyone")
	last, err := h.conn.GetLastSentMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello everyone", last)
	assert.Equal(t, chatLine{kind: lineSelf, text: "You: hello everyone", at: testNow}, lastLine(m))
	assert.Empty(t, m.input.Value())
}

func TestSendPrivateAndCommandsAreNotEchoed(t *testing.T) {
	m, h := NewTestModel(t)

	m, _ = submit(t, m, "@bob psst")
	m, _ = submit(t, m, "/list")
	assert.Equal(t, []string{"@bob psst", "/list"}, h.conn.SentMessages)
	assert.Empty(t, m.lines)
}

func TestSendFailureShowsError(t *testing.T) {
	m, h := NewTestModel(t)
	h.conn.SetSendError(errBoom)

	m, _ = submit(t, m, "hello")
	assert.Equal(t, lineError, lastLine(m).kind)
	assert.Contains(t, lastLine(m).text, "boom")
}

func TestQuitSendsQuitOnce(t *testing.T) {
	m, h := NewTestModel(t)

	m, cmd := submit(t, m, "/quit")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, StateDisconnected, m.connectionState)

	_, _ = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, []string{"/quit"}, h.conn.SentMessages)
}

func TestSendFileRunsUpload(t *testing.T) {
	m, h := NewTestModel(t)

	m, cmd := submit(t, m, "/sendfile bob /tmp/photo.jpg")
	require.NotNil(t, cmd)
	assert.Equal(t, 1, m.uploads)
	assert.Contains(t, lastLine(m).text, "Offering photo.jpg to bob")

	msg := cmd()
	done, ok := msg.(UploadDoneMsg)
	require.True(t, ok)
	assert.Equal(t, []client.MockSentFile{{Recipient: "bob", Path: "/tmp/photo.jpg"}}, h.conn.GetSentFiles())

	updated, _ := m.Update(done)
	m = updated.(Model)
	assert.Equal(t, 0, m.uploads)
	assert.Equal(t, lineFile, lastLine(m).kind)
	assert.Contains(t, lastLine(m).text, "Sent photo.jpg")
}

func TestSendFileFailureShowsError(t *testing.T) {
	m, h := NewTestModel(t)
	h.conn.SetSendFileError(client.ErrFileNotFound)

	m, cmd := submit(t, m, "/sendfile bob missing.bin")
	updated, _ := m.Update(cmd())
	m = updated.(Model)
	assert.Equal(t, lineError, lastLine(m).kind)
	assert.Contains(t, lastLine(m).text, "file not found")
}

func TestSendFileUsageIsLocal(t *testing.T) {
	m, h := NewTestModel(t)

	m, cmd := submit(t, m, "/sendfile bob")
	assert.Nil(t, cmd)
	assert.Empty(t, h.conn.SentMessages)
	assert.Equal(t, chatLine{kind: lineError, text: sendFileUsage, at: testNow}, lastLine(m))
}

func TestDisconnectedRefusesToSend(t *testing.T) {
	m, h := NewTestModel(t)

	m, cmd := deliver(t, m, client.Event{Kind: client.EventDisconnected, Err: errBoom})
	assert.Nil(t, cmd, "no more listening after disconnect")
	assert.Equal(t, StateDisconnected, m.connectionState)
	assert.Equal(t, "Disconnected: boom", m.statusText)

	m, _ = submit(t, m, "anyone?")
	assert.Empty(t, h.conn.SentMessages)
	assert.Equal(t, "Not connected", lastLine(m).text)
	assert.Contains(t, m.View(), "Disconnected: boom")
}

func TestServerEventsKeepListening(t *testing.T) {
	m, _ := NewTestModel(t)

	m, cmd := deliver(t, m, client.Event{Kind: client.EventMessage, Text: "bob: hi"})
	require.NotNil(t, cmd)
	assert.Equal(t, chatLine{kind: lineChat, text: "bob: hi", at: testNow}, lastLine(m))

	m, _ = deliver(t, m, client.Event{Kind: client.EventError, Text: "ERROR: User 'x' is not online"})
	assert.Equal(t, lineError, lastLine(m).kind)
}

func TestPrivateMessageNotifies(t *testing.T) {
	m, h := NewTestModel(t)

	m, _ = deliver(t, m, client.Event{Kind: client.EventMessage, Text: "[PRIVATE] bob -> You: psst"})
	assert.Equal(t, linePrivate, lastLine(m).kind)
	require.Len(t, h.notifications, 1)
	assert.Equal(t, notification{"Private message", "bob -> You: psst"}, h.notifications[0])

	// Our own private echo does not notify
	_, _ = deliver(t, m, client.Event{Kind: client.EventMessage, Text: "[PRIVATE] You -> bob: hi"})
	assert.Len(t, h.notifications, 1)
}

func TestFileSavedRecordsAndNotifies(t *testing.T) {
	m, h := NewTestModel(t)
	h.notifyErr = errBoom

	m, _ = deliver(t, m, client.Event{Kind: client.EventFileOffer, Text: "from bob (a.txt, 12 B) - Accept? (y/n)"})
	assert.Equal(t, "[FILE] Incoming from bob (a.txt, 12 B) - Accept? (y/n) (accepted)", lastLine(m).text)

	m, _ = deliver(t, m, client.Event{
		Kind:     client.EventFileSaved,
		Text:     "[FILE] ✓ File saved to: Users/alice/from_bob_1.txt",
		Sender:   "bob",
		Filename: "a.txt",
		Size:     12,
		Path:     "Users/alice/from_bob_1.txt",
	})
	assert.Equal(t, lineFile, lastLine(m).kind)

	files, err := h.state.ReceivedFiles(10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, client.ReceivedFile{
		Sender:     "bob",
		Filename:   "a.txt",
		Path:       "Users/alice/from_bob_1.txt",
		Size:       12,
		ReceivedAt: testNow,
	}, files[0])
	assert.Equal(t, []notification{{"File received", "a.txt from bob"}}, h.notifications, "notification errors are only logged")

	m, _ = submit(t, m, "/files")
	assert.Contains(t, lastLine(m).text, "a.txt from bob (12 B")
	assert.Contains(t, lastLine(m).text, "-> Users/alice/from_bob_1.txt")
}

func TestFileFailedShowsCause(t *testing.T) {
	m, _ := NewTestModel(t)

	m, _ = deliver(t, m, client.Event{Kind: client.EventFileFailed, Text: "[FILE] ✗ File reception failed", Err: errBoom})
	assert.Equal(t, chatLine{kind: lineError, text: "[FILE] ✗ File reception failed: boom", at: testNow}, lastLine(m))
}

func TestFilesWithoutHistory(t *testing.T) {
	m, h := NewTestModel(t)

	m, _ = submit(t, m, "/files")
	assert.Equal(t, "No files received yet", lastLine(m).text)

	h.state.SetRecordError(errBoom)
	_, _ = deliver(t, m, client.Event{Kind: client.EventFileSaved, Text: "[FILE] ✓ File saved to: x", Sender: "bob", Filename: "x"})
	files, err := h.state.ReceivedFiles(10)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestHelpAndClear(t *testing.T) {
	m, _ := NewTestModel(t)

	m, _ = submit(t, m, "/help")
	assert.Len(t, m.lines, len(helpLines))

	m, _ = submit(t, m, "/clear")
	assert.Empty(t, m.lines)
}

func TestListenForEvents(t *testing.T) {
	m, h := NewTestModel(t)

	h.conn.SimulateEvent(client.Event{Kind: client.EventMessage, Text: "bob: hi"})
	msg := listenForEvents(m.conn)()
	assert.Equal(t, ServerEventMsg{Event: client.Event{Kind: client.EventMessage, Text: "bob: hi"}}, msg)

	h.conn.Close()
	assert.Equal(t, EventsClosedMsg{}, listenForEvents(m.conn)())
}

func TestViewShowsHeaderAndLines(t *testing.T) {
	m, _ := NewTestModel(t)
	m.ShowSystemMessage("Welcome alice!")

	view := m.View()
	assert.Contains(t, view, "NetChat | alice @ localhost:5000 (tcp)")
	assert.Contains(t, view, "12:30")
	assert.Contains(t, view, "Welcome alice!")
	assert.Contains(t, view, "Connected")
}

func TestViewBeforeSize(t *testing.T) {
	conn := client.NewMockConnection("localhost:5000")
	m := NewModel(conn, nil, nil)
	assert.Equal(t, StateDisconnected, m.connectionState)
	assert.Equal(t, "Connecting...\n", m.View())

	// Lines added before the first size message show up once sized
	m.ShowSystemMessage("early")
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	assert.Contains(t, updated.(Model).View(), "early")
}

func TestScrollbackIsBounded(t *testing.T) {
	m, _ := NewTestModel(t)
	for i := 0; i < maxScrollback+5; i++ {
		m.ShowSystemMessage("line")
	}
	assert.Len(t, m.lines, maxScrollback)
}
