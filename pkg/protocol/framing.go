package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

const (
	// ReadBufferSize bounds a single message in read framing, matching the
	// 4096-byte receive buffer legacy clients were written against.
	ReadBufferSize = 4096
)

// Framing selects how message boundaries are found on the wire
type Framing string

const (
	// FramingLine delimits each message with '\n'
	FramingLine Framing = "line"
	// FramingRead treats one transport read as one message (legacy clients)
	FramingRead Framing = "read"
)

var (
	ErrMessageTooLong  = errors.New("message exceeds maximum length")
	ErrUnknownFraming  = errors.New("unknown framing")
	ErrEmptyFrameInput = errors.New("empty read")
)

// ParseFraming validates a configured framing name.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case FramingLine, "":
		return FramingLine, nil
	case FramingRead:
		return FramingRead, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFraming, s)
	}
}

// MessageReader reads framed messages from a connection. The same buffered
// reader is exposed through Raw so unframed file bytes that arrive right
// after a command are never lost between the two.
type MessageReader struct {
	br      *bufio.Reader
	framing Framing
	maxLen  int
}

// NewMessageReader wraps r. maxLen <= 0 falls back to ReadBufferSize.
func NewMessageReader(r io.Reader, framing Framing, maxLen int) *MessageReader {
	if maxLen <= 0 {
		maxLen = ReadBufferSize
	}
	size := maxLen
	if size < ReadBufferSize {
		size = ReadBufferSize
	}
	return &MessageReader{
		br:      bufio.NewReaderSize(r, size),
		framing: framing,
		maxLen:  maxLen,
	}
}

// Raw returns the underlying buffered reader for unframed byte streams.
func (mr *MessageReader) Raw() io.Reader {
	return mr.br
}

// ReadMessage returns the next message without its line terminator.
//
// In line framing an oversized line is consumed up to its newline and
// ErrMessageTooLong is returned, leaving the reader positioned at the next
// message.
func (mr *MessageReader) ReadMessage() ([]byte, error) {
	if mr.framing == FramingRead {
		buf := make([]byte, ReadBufferSize)
		n, err := mr.br.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err == nil {
			err = ErrEmptyFrameInput
		}
		return nil, err
	}

	var line []byte
	for {
		chunk, err := mr.br.ReadSlice('\n')
		if len(line)+len(chunk) > mr.maxLen+2 {
			if err == nil {
				return nil, ErrMessageTooLong
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				if skipErr := mr.skipLine(); skipErr != nil {
					return nil, skipErr
				}
				return nil, ErrMessageTooLong
			}
			return nil, err
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			return nil, err
		}
		msg := trimEOL(line)
		if len(msg) > mr.maxLen {
			return nil, ErrMessageTooLong
		}
		return msg, nil
	}
}

func (mr *MessageReader) skipLine() error {
	for {
		_, err := mr.br.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

func trimEOL(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

// AppendFrame appends the framing terminator (if any) to an encoded message.
func AppendFrame(framing Framing, payload []byte) []byte {
	if framing == FramingRead {
		return payload
	}
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	return append(out, '\n')
}
