package testutil

import (
	"errors"
	"testing"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// RecordingTransport captures every frame sent to it. Closing it makes the
// registry skip the client, as a disconnected socket would.
type RecordingTransport struct {
	Frames [][]byte
	Closed bool
	// Full makes Send fail as if the outbound buffer were saturated.
	Full bool
}

// NewRecordingTransport returns an open RecordingTransport.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{}
}

// Send records data unless the transport is closed or full.
func (r *RecordingTransport) Send(data []byte) error {
	if r.Closed {
		return errors.New("recording transport closed")
	}
	if r.Full {
		return errors.New("recording transport full")
	}
	r.Frames = append(r.Frames, data)
	return nil
}

// IsOpen reports whether the transport accepts frames.
func (r *RecordingTransport) IsOpen() bool {
	return !r.Closed
}

// Reset discards recorded frames.
func (r *RecordingTransport) Reset() {
	r.Frames = nil
}

// Types returns the packet type of every recorded frame.
//
// Postcondition: Fails the test if any frame does not decode.
func (r *RecordingTransport) Types(t *testing.T) []protocol.Type {
	t.Helper()
	types := make([]protocol.Type, 0, len(r.Frames))
	for _, f := range r.Frames {
		typ, _, err := PeekFrame(f)
		if err != nil {
			t.Fatalf("recorded frame does not decode: %v", err)
		}
		types = append(types, typ)
	}
	return types
}

// OfType returns the payloads of every recorded frame with the given type.
func (r *RecordingTransport) OfType(t *testing.T, typ protocol.Type) [][]any {
	t.Helper()
	var out [][]any
	for _, f := range r.Frames {
		got, payload, err := PeekFrame(f)
		if err != nil {
			t.Fatalf("recorded frame does not decode: %v", err)
		}
		if got == typ {
			out = append(out, payload)
		}
	}
	return out
}
