package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type blockingService struct {
	name    string
	order   *stopOrder
	started atomic.Bool
	quit    chan struct{}
	once    sync.Once
}

type stopOrder struct {
	mu    sync.Mutex
	names []string
}

func (o *stopOrder) add(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}

func (o *stopOrder) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.names...)
}

func newBlockingService(name string, order *stopOrder) *blockingService {
	return &blockingService{name: name, order: order, quit: make(chan struct{})}
}

func (b *blockingService) Start() error {
	b.started.Store(true)
	<-b.quit
	return nil
}

func (b *blockingService) Stop() {
	b.once.Do(func() {
		b.order.add(b.name)
		close(b.quit)
	})
}

func runAsync(lc *Lifecycle, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()
	return done
}

func TestLifecycleStopsServicesInReverseOrder(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), WithSignals())
	order := &stopOrder{}
	hub := newBlockingService("hub", order)
	ws := newBlockingService("websocket", order)
	lc.Add("hub", hub)
	lc.Add("websocket", ws)
	assert.Equal(t, []string{"hub", "websocket"}, lc.Names())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(lc, ctx)

	require.Eventually(t, func() bool {
		return hub.started.Load() && ws.started.Load()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}
	assert.Equal(t, []string{"websocket", "hub"}, order.get())
}

func TestLifecycleReturnsFirstServiceFailure(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), WithSignals())
	order := &stopOrder{}
	hub := newBlockingService("hub", order)
	boom := errors.New("address in use")
	lc.Add("hub", hub)
	lc.Add("websocket", &FuncService{
		StartFn: func() error { return boom },
		StopFn:  func() { order.add("websocket") },
	})

	select {
	case err := <-runAsync(lc, context.Background()):
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "service websocket")
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not react to the failing service")
	}
	assert.Equal(t, []string{"websocket", "hub"}, order.get())
}

func TestLifecycleStopTimeout(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	lc := NewLifecycle(zap.New(core), WithSignals(), WithStopTimeout(20*time.Millisecond))
	hang := make(chan struct{})
	defer close(hang)
	lc.Add("stuck", &FuncService{
		StartFn: func() error { <-hang; return nil },
		StopFn:  func() { <-hang },
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	select {
	case err := <-runAsync(lc, ctx):
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown waited on a stuck service")
	}
	assert.Equal(t, 1, logs.FilterMessage("service did not stop cleanly").Len())
}

func TestFuncService(t *testing.T) {
	started, stopped := false, false
	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() { stopped = true },
	}

	assert.NoError(t, svc.Start())
	assert.True(t, started)
	svc.Stop()
	assert.True(t, stopped)
}
