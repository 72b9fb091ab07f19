// Package websocket carries relay frames between websocket clients and the hub.
// Each connection runs a read pump that posts binary frames to the hub and a write
// pump that drains the connection's outbound queue.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/config"
	"github.com/cory-johannsen/roomrelay/internal/observability"
	"github.com/cory-johannsen/roomrelay/internal/protocol"
	"github.com/cory-johannsen/roomrelay/internal/session"
)

// Hub is the acceptor's view of the relay hub.
type Hub interface {
	Connect(ctx context.Context, transport session.Transport, connID string) (protocol.ClientID, error)
	Deliver(ctx context.Context, client protocol.ClientID, data []byte) error
	Disconnect(client protocol.ClientID) error
}

// Acceptor serves websocket upgrades on the configured path and attaches each
// connection to the hub.
type Acceptor struct {
	cfg      config.WebSocketConfig
	hub      Hub
	logger   *zap.Logger
	upgrader gws.Upgrader

	server   *http.Server
	listener net.Listener
	conns    map[*gws.Conn]struct{}
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
	stopped  bool
}

// NewAcceptor creates a websocket acceptor.
//
// Precondition: cfg must pass config validation; hub and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.WebSocketConfig, hub Hub, logger *zap.Logger) *Acceptor {
	return &Acceptor{
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*gws.Conn]struct{}),
		quit:  make(chan struct{}),
	}
}

// ListenAndServe accepts upgrades until Stop is called.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.serveWS)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: a.cfg.ReadTimeout,
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		listener.Close()
		return nil
	}
	a.listener = listener
	a.server = server
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// serveWS upgrades one request and runs its pumps until the connection ends.
func (a *Acceptor) serveWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-a.quit:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	if !a.track(conn) {
		conn.Close()
		return
	}
	defer a.untrack(conn)

	connID := observability.NewTraceID()
	log := observability.ConnLogger(a.logger, connID, r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	out := session.NewOutbound(connID, a.cfg.SendBuffer)
	client, err := a.hub.Connect(ctx, out, connID)
	if err != nil {
		log.Warn("hub rejected connection", zap.Error(err))
		out.Close()
		conn.Close()
		return
	}

	start := time.Now()
	p := &pump{conn: conn, out: out, cfg: a.cfg, client: client, log: log.With(zap.Uint32("client_id", uint32(client)))}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		p.write()
	}()
	frames := p.read(ctx, a.hub)

	if err := a.hub.Disconnect(client); err != nil {
		log.Debug("posting disconnect", zap.Error(err))
	}
	out.Close()
	<-writeDone

	log.Info("websocket session ended",
		zap.Uint32("client_id", uint32(client)),
		zap.Int("frames_in", frames),
		zap.Duration("duration", time.Since(start)),
	)
}

func (a *Acceptor) track(conn *gws.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return false
	}
	a.conns[conn] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Acceptor) untrack(conn *gws.Conn) {
	a.mu.Lock()
	delete(a.conns, conn)
	a.mu.Unlock()
	a.wg.Done()
}

// Stop closes the listener and every open connection, then waits for their pumps.
// A Stop before ListenAndServe makes the later ListenAndServe return at once.
//
// Postcondition: All connections are closed and their goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	wasRunning := a.running
	a.running = false
	close(a.quit)
	server := a.server
	open := make([]*gws.Conn, 0, len(a.conns))
	for c := range a.conns {
		open = append(open, c)
	}
	a.mu.Unlock()
	if !wasRunning {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.WriteTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.logger.Warn("websocket server shutdown", zap.Error(err))
	}
	for _, c := range open {
		c.Close()
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped", zap.Int("closed_connections", len(open)))
}

// Addr returns the listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
