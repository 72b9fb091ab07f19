// Package history records formed matches and game starts as an audit trail.
// Nothing recorded here is read back to restore session state.
package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// Kind classifies a history event.
type Kind string

const (
	KindMatchFormed Kind = "match_formed"
	KindGameStarted Kind = "game_started"
)

// Event is one audit record.
type Event struct {
	Kind    Kind
	Room    protocol.RoomID
	Players []protocol.ClientID
	// Starter is set for KindGameStarted only.
	Starter    protocol.ClientID
	OccurredAt time.Time
}

// Store persists events.
type Store interface {
	Append(ctx context.Context, e Event) error
}

// Recorder accepts events from the hub goroutine without blocking it.
type Recorder interface {
	Record(e Event)
}

// Nop discards every event. Used when the database is disabled.
type Nop struct{}

// Record does nothing.
func (Nop) Record(Event) {}

// Async hands events to a Store from a single background goroutine.
type Async struct {
	store   Store
	events  chan Event
	quit    chan struct{}
	done    chan struct{}
	timeout time.Duration
	logger  *zap.Logger

	stopOnce sync.Once
	started  atomic.Bool
	dropped  atomic.Uint64
	written  atomic.Uint64
}

// NewAsync creates an Async recorder buffering up to bufferSize events.
//
// Precondition: store and logger must be non-nil.
// Postcondition: bufferSize <= 0 selects 128; writeTimeout <= 0 selects 5s.
func NewAsync(store Store, bufferSize int, writeTimeout time.Duration, logger *zap.Logger) *Async {
	if bufferSize <= 0 {
		bufferSize = 128
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Async{
		store:   store,
		events:  make(chan Event, bufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		timeout: writeTimeout,
		logger:  logger,
	}
}

// Record enqueues e, dropping it if the buffer is full.
func (a *Async) Record(e Event) {
	select {
	case a.events <- e:
	default:
		a.dropped.Add(1)
		a.logger.Warn("history buffer full, dropping event",
			zap.String("kind", string(e.Kind)),
			zap.String("room_id", string(e.Room)),
		)
	}
}

// Start drains events into the store until Stop is called. Buffered events are
// flushed before Start returns.
func (a *Async) Start() error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("recorder already started")
	}
	defer close(a.done)
	for {
		select {
		case e := <-a.events:
			a.write(e)
		case <-a.quit:
			for {
				select {
				case e := <-a.events:
					a.write(e)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Async) write(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.store.Append(ctx, e); err != nil {
		a.logger.Error("recording history event",
			zap.String("kind", string(e.Kind)),
			zap.String("room_id", string(e.Room)),
			zap.Error(err),
		)
		return
	}
	a.written.Add(1)
}

// Stop signals Start to flush and return, and waits for it if it was started.
func (a *Async) Stop() {
	a.stopOnce.Do(func() { close(a.quit) })
	if a.started.Load() {
		<-a.done
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Written returns the number of events the store accepted.
func (a *Async) Written() uint64 {
	return a.written.Load()
}
