package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// DefaultKey is the shared key legacy clients were built with
const DefaultKey = "NetworkChat2025!SecureKey#"

// ErrDecode is returned when an inbound message cannot be turned back into text
var ErrDecode = errors.New("decode failed")

// Transform is a reversible byte transform applied to text messages at the
// transport edge. Apply must be its own inverse.
type Transform interface {
	Apply(data []byte) []byte
	Enabled() bool
}

// XOR cycles a key over the data. It obscures text; it is not encryption.
type XOR struct {
	key     []byte
	enabled bool
}

// NewXOR returns a transform with the given key. An empty key disables it.
func NewXOR(key string, enabled bool) *XOR {
	return &XOR{key: []byte(key), enabled: enabled && key != ""}
}

// Enabled reports whether Apply changes anything. A nil XOR is disabled.
func (x *XOR) Enabled() bool {
	return x != nil && x.enabled
}

// Apply XORs data with the repeating key and returns a new slice.
func (x *XOR) Apply(data []byte) []byte {
	out := make([]byte, len(data))
	if len(x.key) == 0 {
		copy(out, data)
		return out
	}
	for i := range data {
		out[i] = data[i] ^ x.key[i%len(x.key)]
	}
	return out
}

// Identity leaves data untouched.
type Identity struct{}

func (Identity) Apply(data []byte) []byte { return append([]byte(nil), data...) }
func (Identity) Enabled() bool            { return false }

// Codec turns text into wire bytes and back for one framing/transform pair.
// In line framing a transformed payload is hex encoded so it can never
// contain the delimiter.
type Codec struct {
	Framing   Framing
	Transform Transform
}

// NewCodec builds a codec; a nil transform means Identity.
func NewCodec(framing Framing, t Transform) *Codec {
	if t == nil {
		t = Identity{}
	}
	return &Codec{Framing: framing, Transform: t}
}

// Encode returns the framed wire bytes for a text message.
func (c *Codec) Encode(text string) []byte {
	payload := []byte(text)
	if c.Transform.Enabled() {
		payload = c.Transform.Apply(payload)
		if c.Framing == FramingLine {
			payload = []byte(hex.EncodeToString(payload))
		}
	}
	return AppendFrame(c.Framing, payload)
}

// Decode converts a received frame (terminator already removed) to text.
func (c *Codec) Decode(frame []byte) (string, error) {
	if !c.Transform.Enabled() || len(frame) == 0 {
		return string(frame), nil
	}
	payload := frame
	if c.Framing == FramingLine {
		raw, err := hex.DecodeString(Trim(string(frame)))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDecode, err)
		}
		payload = raw
	}
	return string(c.Transform.Apply(payload)), nil
}
