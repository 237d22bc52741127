package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/netchat/pkg/protocol"
)

func TestSafeConnStreamBlocksOtherWriters(t *testing.T) {
	ep, sink, _ := newRawEndpoint(t, "bob")

	started := make(chan struct{})
	release := make(chan struct{})
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- ep.Conn.Stream(func(w *StreamWriter) error {
			if err := w.Send("/file_data alice f.bin 6"); err != nil {
				return err
			}
			if _, err := w.Write([]byte("abc")); err != nil {
				return err
			}
			close(started)
			<-release
			_, err := w.Write([]byte("def"))
			return err
		})
	}()

	<-started
	sendDone := make(chan error, 1)
	go func() { sendDone <- ep.Conn.Send("alice: interrupting") }()

	select {
	case <-sendDone:
		t.Fatal("Send completed while a stream held the connection")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-streamDone)
	require.NoError(t, <-sendDone)

	want := []byte("/file_data alice f.bin 6\nabcdefalice: interrupting\n")
	assert.Eventually(t, func() bool { return bytes.Equal(sink.Bytes(), want) }, journeyTimeout, 5*time.Millisecond)
}

func TestSafeConnRawBytesFollowCommand(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	sc := NewSafeConn(serverSide, plainCodec, protocol.ReadBufferSize)
	defer sc.Close()

	go clientSide.Write([]byte("/sendfile bob f.bin 4\n\x00\n\xff\x01next\n"))

	msg, err := sc.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "/sendfile bob f.bin 4", msg)

	raw := make([]byte, 4)
	n, err := Pump(bytes.NewBuffer(raw[:0]), sc.RawReader(), 4, 8192, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	msg, err = sc.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "next", msg)
}

func TestSafeConnEncryptedLengthAllowsHex(t *testing.T) {
	codec := protocol.NewCodec(protocol.FramingLine, protocol.NewXOR(protocol.DefaultKey, true))
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	sc := NewSafeConn(serverSide, codec, 10)
	defer sc.Close()

	// Ten characters of text become twenty hex digits on the wire
	go clientSide.Write(codec.Encode("0123456789"))

	msg, err := sc.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "0123456789", msg)
}

func TestSafeConnCloseIsIdempotent(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	sc := NewSafeConn(serverSide, plainCodec, protocol.ReadBufferSize)

	require.NoError(t, sc.Close())
	require.NoError(t, sc.Close())
	assert.Error(t, sc.Send("after close"))
}
