package gameserver

import (
	"sync"
	"time"
)

// Ticker receives time-sync ticks.
type Ticker interface {
	Tick(at time.Time)
}

// TimeSync posts a tick to its target once per interval. The target broadcasts
// TIME_SYNC with a monotonically increasing sequence number.
type TimeSync struct {
	interval time.Duration
	target   Ticker
	quit     chan struct{}
	stopOnce sync.Once
}

// NewTimeSync creates a stopped TimeSync.
//
// Precondition: interval must be > 0; target must be non-nil.
func NewTimeSync(interval time.Duration, target Ticker) *TimeSync {
	if interval <= 0 {
		panic("gameserver.NewTimeSync: interval must be > 0")
	}
	return &TimeSync{
		interval: interval,
		target:   target,
		quit:     make(chan struct{}),
	}
}

// Start ticks until Stop is called.
func (s *TimeSync) Start() error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return nil
		case now := <-ticker.C:
			s.target.Tick(now)
		}
	}
}

// Stop ends the tick loop. Idempotent.
func (s *TimeSync) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
}
