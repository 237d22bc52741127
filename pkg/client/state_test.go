package client

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	state, err := OpenState(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return state
}

func TestStateConfigAndHandle(t *testing.T) {
	state := openTestState(t)

	value, err := state.GetConfig("missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, state.SetConfig("theme", "dark"))
	require.NoError(t, state.SetConfig("theme", "light"))
	value, err = state.GetConfig("theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)

	assert.Empty(t, state.GetLastHandle())
	require.NoError(t, state.SetLastHandle("alice"))
	assert.Equal(t, "alice", state.GetLastHandle())
	assert.Equal(t, "nested", filepath.Base(state.GetStateDir()))
}

func TestStateConnectionHistory(t *testing.T) {
	state := openTestState(t)

	method, err := state.GetLastSuccessfulMethod("example.com:5000")
	require.NoError(t, err)
	assert.Empty(t, method)

	require.NoError(t, state.SaveSuccessfulConnection("example.com:5000", "tcp"))
	require.NoError(t, state.SaveSuccessfulConnection("example.com:5000", "ws"))
	method, err = state.GetLastSuccessfulMethod("example.com:5000")
	require.NoError(t, err)
	assert.Equal(t, "ws", method)

	assert.Equal(t, "ws://example.com", ResolveConnectionMethod("example.com", state, nil))
}

func TestStateReceivedFiles(t *testing.T) {
	state := openTestState(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, sender := range []string{"alice", "bob", "carol"} {
		require.NoError(t, state.RecordReceivedFile(ReceivedFile{
			Sender:     sender,
			Filename:   sender + ".txt",
			Path:       "Users/dave/from_" + sender + ".txt",
			Size:       int64(100 * (i + 1)),
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	files, err := state.ReceivedFiles(2)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "carol", files[0].Sender)
	assert.Equal(t, "bob", files[1].Sender)
	assert.Equal(t, int64(200), files[1].Size)
	assert.True(t, files[0].ReceivedAt.Equal(base.Add(2*time.Minute)))
}

func TestStateReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	state, err := OpenState(path)
	require.NoError(t, err)
	require.NoError(t, state.SetLastHandle("alice"))
	require.NoError(t, state.Close())

	state, err = OpenState(path)
	require.NoError(t, err)
	defer state.Close()
	assert.Equal(t, "alice", state.GetLastHandle())
}

func TestMockStateReceivedFilesOrder(t *testing.T) {
	state := NewMockState()
	now := time.Now()
	require.NoError(t, state.RecordReceivedFile(ReceivedFile{Sender: "old", ReceivedAt: now.Add(-time.Hour)}))
	require.NoError(t, state.RecordReceivedFile(ReceivedFile{Sender: "new", ReceivedAt: now}))

	files, err := state.ReceivedFiles(10)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "new", files[0].Sender)
}
