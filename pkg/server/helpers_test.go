package server

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/aeolun/netchat/pkg/protocol"
)

var plainCodec = protocol.NewCodec(protocol.FramingLine, nil)

// newPipeEndpoint returns an endpoint backed by an in-memory pipe and a
// chat client reading the other end.
func newPipeEndpoint(t *testing.T, handle string) (*Endpoint, *chatClient) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	sc := NewSafeConn(serverSide, plainCodec, protocol.ReadBufferSize)
	peer := newChatClient(clientSide, plainCodec)
	t.Cleanup(func() {
		sc.Close()
		peer.close()
	})
	return &Endpoint{Handle: handle, RemoteAddr: "pipe:" + handle, Conn: sc}, peer
}

// rawSink collects every byte written to an endpoint without parsing it
type rawSink struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
}

func (s *rawSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *rawSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// newRawEndpoint is newPipeEndpoint for tests that need the exact bytes
func newRawEndpoint(t *testing.T, handle string) (*Endpoint, *rawSink, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	sc := NewSafeConn(serverSide, plainCodec, protocol.ReadBufferSize)
	sink := &rawSink{done: make(chan struct{})}
	go func() {
		defer close(sink.done)
		io.Copy(sink, clientSide)
	}()
	t.Cleanup(func() {
		sc.Close()
		clientSide.Close()
		<-sink.done
	})
	return &Endpoint{Handle: handle, RemoteAddr: "pipe:" + handle, Conn: sc}, sink, clientSide
}
