package gameserver

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/history"
	"github.com/cory-johannsen/roomrelay/internal/matchmaking"
	"github.com/cory-johannsen/roomrelay/internal/protocol"
	"github.com/cory-johannsen/roomrelay/internal/ready"
	"github.com/cory-johannsen/roomrelay/internal/room"
	"github.com/cory-johannsen/roomrelay/internal/session"
)

// ErrHubStopped is returned when an event is posted after the hub stopped.
var ErrHubStopped = errors.New("hub stopped")

// HubConfig sizes the hub and its rooms.
type HubConfig struct {
	// InboxSize bounds the number of queued events. Posting blocks when full.
	InboxSize int
	// RoomCapacity applies to rooms created with ROOM_CREATE.
	RoomCapacity int
	// MatchCapacity applies to rooms created by matchmaking.
	MatchCapacity int
	// PermanentRooms are created before the hub accepts events.
	PermanentRooms []room.Definition
}

// Stats is a point-in-time snapshot of hub state.
type Stats struct {
	Clients         int
	Rooms           int
	Queued          int
	PendingMatches  int
	PendingBarriers int
	TimeSyncSeq     uint64
	Events          uint64
	Panics          uint64
}

// event is one unit of work for the hub goroutine.
type event interface {
	apply(h *Hub)
}

type connectEvent struct {
	transport session.Transport
	connID    string
	reply     chan protocol.ClientID
}

type frameEvent struct {
	client protocol.ClientID
	data   []byte
}

type disconnectEvent struct {
	client protocol.ClientID
}

type tickEvent struct {
	at time.Time
}

type statsEvent struct {
	reply chan Stats
}

// Hub is the single ordering domain: one goroutine owns the registry, rooms,
// matchmaking queue and ready coordinator, and applies events one at a time.
type Hub struct {
	cfg      HubConfig
	inbox    chan event
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	running  sync.Once

	registry *session.Registry
	rooms    *room.Manager
	queue    *matchmaking.Queue
	coord    *ready.Coordinator
	router   *Router
	recorder history.Recorder
	logger   *zap.Logger

	seq    uint64
	events uint64
	panics uint64
}

// NewHub wires the session components together and seeds the permanent rooms.
//
// Precondition: source, recorder and logger must be non-nil.
// Postcondition: Returns a hub ready to Start, or an error if a permanent room is invalid.
func NewHub(cfg HubConfig, source ready.Source, recorder history.Recorder, logger *zap.Logger) (*Hub, error) {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.RoomCapacity <= 0 {
		cfg.RoomCapacity = 8
	}
	if cfg.MatchCapacity <= 0 {
		cfg.MatchCapacity = 2
	}

	registry := session.NewRegistry(logger.Named("registry"))
	rooms := room.NewManager(registry, logger.Named("rooms"))
	if err := rooms.Seed(cfg.PermanentRooms); err != nil {
		return nil, err
	}

	h := &Hub{
		cfg:      cfg,
		inbox:    make(chan event, cfg.InboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		registry: registry,
		rooms:    rooms,
		queue:    matchmaking.NewQueue(rooms, registry, cfg.MatchCapacity, logger.Named("matchmaking")),
		coord:    ready.NewCoordinator(rooms, registry, source, logger.Named("ready")),
		recorder: recorder,
		logger:   logger,
	}
	h.queue.OnMatch = h.recordMatch
	h.router = newRouter(h, logger.Named("router"))
	return h, nil
}

// Start runs the event loop until Stop is called.
func (h *Hub) Start() error {
	started := false
	h.running.Do(func() { started = true })
	if !started {
		return errors.New("hub already started")
	}
	defer close(h.done)

	h.logger.Info("hub running",
		zap.Int("permanent_rooms", h.rooms.Count()),
		zap.Int("inbox_size", h.cfg.InboxSize),
	)
	for {
		select {
		case ev := <-h.inbox:
			h.process(ev)
		case <-h.quit:
			st := h.stats()
			h.logger.Info("hub stopping",
				zap.Int("clients", st.Clients),
				zap.Int("rooms", st.Rooms),
				zap.Int("queued", st.Queued),
				zap.Int("pending_barriers", st.PendingBarriers),
				zap.Uint64("events", st.Events),
			)
			return nil
		}
	}
}

// Stop ends the event loop and waits for it if it was started. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	started := true
	h.running.Do(func() { started = false })
	if started {
		<-h.done
	}
}

// process applies one event, recovering from a panic so a hostile frame cannot
// take the process down.
func (h *Hub) process(ev event) {
	h.events++
	defer func() {
		if r := recover(); r != nil {
			h.panics++
			h.logger.Error("recovered panic in hub event",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	ev.apply(h)
}

func (h *Hub) post(ctx context.Context, ev event) error {
	select {
	case h.inbox <- ev:
		return nil
	case <-h.quit:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect registers transport and returns its identity once ID_ASSIGN was queued.
//
// Precondition: connID identifies the connection in logs.
func (h *Hub) Connect(ctx context.Context, transport session.Transport, connID string) (protocol.ClientID, error) {
	reply := make(chan protocol.ClientID, 1)
	if err := h.post(ctx, connectEvent{transport: transport, connID: connID, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-h.quit:
		return 0, ErrHubStopped
	case <-ctx.Done():
		go h.release(reply)
		return 0, ctx.Err()
	}
}

// release deregisters a client whose Connect caller gave up after the connect
// event was queued.
func (h *Hub) release(reply <-chan protocol.ClientID) {
	select {
	case id := <-reply:
		if err := h.Disconnect(id); err != nil {
			h.logger.Debug("releasing abandoned client", zap.Uint32("client_id", uint32(id)), zap.Error(err))
		}
	case <-h.quit:
	}
}

// Deliver posts an inbound frame from client.
func (h *Hub) Deliver(ctx context.Context, client protocol.ClientID, data []byte) error {
	return h.post(ctx, frameEvent{client: client, data: data})
}

// Disconnect posts the closure of client's transport. It waits for inbox space
// until the hub stops, so a departure is never dropped.
func (h *Hub) Disconnect(client protocol.ClientID) error {
	return h.post(context.Background(), disconnectEvent{client: client})
}

// Tick posts a time-sync broadcast. A tick is dropped rather than queued behind a
// full inbox.
func (h *Hub) Tick(at time.Time) {
	select {
	case h.inbox <- tickEvent{at: at}:
	default:
		h.logger.Debug("inbox full, dropping time sync tick")
	}
}

// Stats returns a snapshot taken on the hub goroutine.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.post(ctx, statsEvent{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-h.quit:
		return Stats{}, ErrHubStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (e connectEvent) apply(h *Hub) {
	id := h.registry.Register(e.transport)
	h.logger.Info("client connected",
		zap.Uint32("client_id", uint32(id)),
		zap.String("conn_id", e.connID),
		zap.Int("clients", h.registry.Count()),
	)
	e.reply <- id
}

func (e frameEvent) apply(h *Hub) {
	if !h.registry.Exists(e.client) {
		h.logger.Debug("frame from unknown client", zap.Uint32("client_id", uint32(e.client)))
		return
	}
	typ, err := h.router.Route(e.client, e.data)
	if err != nil {
		return
	}
	h.registry.RecordMessage(e.client, typ)
}

func (e disconnectEvent) apply(h *Hub) {
	h.disconnect(e.client)
}

func (e tickEvent) apply(h *Hub) {
	h.seq++
	h.registry.Broadcast(protocol.TimeSync(h.seq, e.at.UnixMilli()))
}

func (e statsEvent) apply(h *Hub) {
	e.reply <- h.stats()
}

func (h *Hub) stats() Stats {
	return Stats{
		Clients:         h.registry.Count(),
		Rooms:           h.rooms.Count(),
		Queued:          h.queue.Len(),
		PendingMatches:  h.queue.Pending(),
		PendingBarriers: h.coord.Count(),
		TimeSyncSeq:     h.seq,
		Events:          h.events,
		Panics:          h.panics,
	}
}

// disconnect retires the client from every coordination structure while its room
// is still known, then erases it and re-broadcasts the roster.
func (h *Hub) disconnect(client protocol.ClientID) {
	if !h.registry.Exists(client) {
		return
	}
	h.retire(client)

	c, _ := h.registry.Deregister(client)
	h.logger.Info("client disconnected",
		zap.Uint32("client_id", uint32(client)),
		zap.String("name", c.Name),
		zap.Duration("connected_for", time.Since(c.ConnectedAt)),
		zap.Int("messages", c.Messages),
		zap.Int("chats", c.Chats),
		zap.Int("clients", h.registry.Count()),
	)
	h.registry.BroadcastRoster()
}

// retire removes the client from the queue, any unstarted match, any ready barrier
// and its current room. Each affected peer receives OPPONENT_DISCONNECTED once. A
// barrier the departure completes then starts its game.
func (h *Hub) retire(client protocol.ClientID) {
	notify := h.queue.Retire(client)
	notify = append(notify, h.coord.Retire(client)...)
	roomID, inRoom := h.registry.Room(client)
	if inRoom {
		h.rooms.Leave(roomID, client)
	}

	seen := make(map[protocol.ClientID]bool, len(notify))
	notice := protocol.OpponentDisconnected()
	for _, peer := range notify {
		if peer == client || seen[peer] {
			continue
		}
		seen[peer] = true
		h.registry.Send(peer, notice)
	}

	if !inRoom {
		return
	}
	if start, started := h.coord.Settle(roomID); started {
		h.gameStarted(start)
	}
}

// gameStarted closes the room's match record and records the start.
func (h *Hub) gameStarted(start ready.Start) {
	h.queue.Started(start.Room)
	h.recorder.Record(history.Event{
		Kind:       history.KindGameStarted,
		Room:       start.Room,
		Players:    start.Members,
		Starter:    start.Starter,
		OccurredAt: time.Now(),
	})
}

func (h *Hub) recordMatch(m matchmaking.Match) {
	h.recorder.Record(history.Event{
		Kind:       history.KindMatchFormed,
		Room:       m.Room,
		Players:    m.Players[:],
		OccurredAt: m.CreatedAt,
	})
}
