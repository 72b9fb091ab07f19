// Package session provides the connection registry: identity assignment,
// per-client metadata, and delivery of encoded frames to client transports.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTransportClosed is returned when sending to a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// ErrBufferFull is returned when a transport's outbound buffer cannot take another frame.
var ErrBufferFull = errors.New("outbound buffer full")

// Transport is the registry's handle on a client connection.
type Transport interface {
	// Send enqueues a frame for delivery without blocking.
	Send(data []byte) error
	// IsOpen reports whether frames can still be delivered.
	IsOpen() bool
}

// Outbound is a bounded frame queue drained by a connection's writer goroutine.
// It is the Transport used by the websocket frontend.
type Outbound struct {
	label  string
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbound creates an Outbound queue holding up to bufferSize frames.
//
// Precondition: label identifies the connection in errors.
// Postcondition: Returns an open Outbound; bufferSize <= 0 selects 256.
func NewOutbound(label string, bufferSize int) *Outbound {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Outbound{
		label:  label,
		frames: make(chan []byte, bufferSize),
	}
}

// Send enqueues data, or fails with ErrTransportClosed or ErrBufferFull.
func (o *Outbound) Send(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("%s: %w", o.label, ErrTransportClosed)
	}
	select {
	case o.frames <- data:
		return nil
	default:
		return fmt.Errorf("%s: %w", o.label, ErrBufferFull)
	}
}

// Frames returns the channel the writer goroutine drains. It is closed by Close.
func (o *Outbound) Frames() <-chan []byte {
	return o.frames
}

// Close stops accepting frames and closes the channel. Idempotent.
func (o *Outbound) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsOpen reports whether Close has not yet been called.
func (o *Outbound) IsOpen() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed
}
