package gameserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/roomrelay/internal/history"
	"github.com/cory-johannsen/roomrelay/internal/protocol"
	"github.com/cory-johannsen/roomrelay/internal/ready"
	"github.com/cory-johannsen/roomrelay/internal/room"
	"github.com/cory-johannsen/roomrelay/internal/testutil"
)

type memoryRecorder struct {
	events []history.Event
}

func (m *memoryRecorder) Record(e history.Event) { m.events = append(m.events, e) }

// harness drives a Hub synchronously on the test goroutine.
type harness struct {
	t          *testing.T
	hub        *Hub
	recorder   *memoryRecorder
	transports map[protocol.ClientID]*testutil.RecordingTransport
}

func newHarness(t *testing.T, src ready.Source) *harness {
	t.Helper()
	rec := &memoryRecorder{}
	h, err := NewHub(HubConfig{
		RoomCapacity:   8,
		MatchCapacity:  2,
		PermanentRooms: room.DefaultDefinitions(8),
	}, src, rec, zaptest.NewLogger(t))
	require.NoError(t, err)
	return &harness{
		t:          t,
		hub:        h,
		recorder:   rec,
		transports: make(map[protocol.ClientID]*testutil.RecordingTransport),
	}
}

func (hs *harness) connect() protocol.ClientID {
	hs.t.Helper()
	tr := testutil.NewRecordingTransport()
	reply := make(chan protocol.ClientID, 1)
	hs.hub.process(connectEvent{transport: tr, connID: "test", reply: reply})
	id := <-reply
	hs.transports[id] = tr
	return id
}

func (hs *harness) send(client protocol.ClientID, typ protocol.Type, payload ...any) []byte {
	hs.t.Helper()
	raw, err := protocol.Encode(client, typ, payload...)
	require.NoError(hs.t, err)
	hs.hub.process(frameEvent{client: client, data: raw})
	return raw
}

func (hs *harness) disconnect(client protocol.ClientID) {
	hs.hub.process(disconnectEvent{client: client})
}

func (hs *harness) resetAll() {
	for _, tr := range hs.transports {
		tr.Reset()
	}
}

func (hs *harness) of(client protocol.ClientID, typ protocol.Type) [][]any {
	hs.t.Helper()
	return hs.transports[client].OfType(hs.t, typ)
}

func (hs *harness) responses(client protocol.ClientID) []bool {
	hs.t.Helper()
	var out []bool
	for _, p := range hs.of(client, protocol.TypeServerResponse) {
		out = append(out, p[0].(bool))
	}
	return out
}

func TestHub_ConnectAssignsIdentity(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a := hs.connect()
	b := hs.connect()
	assert.Equal(t, protocol.ClientID(1), a)
	assert.Equal(t, protocol.ClientID(2), b)
	assert.Equal(t, []protocol.Type{protocol.TypeIDAssign}, hs.transports[a].Types(t))
}

// Scenario 1: two searching clients are matched into the same fresh room.
func TestHub_MatchmakingPairsTwoClients(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.resetAll()

	hs.send(a, protocol.TypeMatchmakingRequest, true)
	hs.send(b, protocol.TypeMatchmakingRequest, true)

	foundA := hs.of(a, protocol.TypeMatchFound)
	foundB := hs.of(b, protocol.TypeMatchFound)
	require.Len(t, foundA, 1)
	require.Len(t, foundB, 1)
	assert.Equal(t, foundA[0][0], foundB[0][0])

	roomID := protocol.RoomID(foundA[0][0].(string))
	assert.ElementsMatch(t, []protocol.ClientID{a, b}, hs.hub.rooms.Members(roomID))
	assert.Zero(t, hs.hub.queue.Len())

	require.Len(t, hs.recorder.events, 1)
	assert.Equal(t, history.KindMatchFormed, hs.recorder.events[0].Kind)
	assert.Equal(t, roomID, hs.recorder.events[0].Room)
}

// Scenario 2: both players confirm and receive one game start naming the same starter.
func TestHub_ReadyBarrierStartsGame(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(1))
	a, b := hs.connect(), hs.connect()
	hs.send(a, protocol.TypeMatchmakingRequest, true)
	hs.send(b, protocol.TypeMatchmakingRequest, true)
	hs.resetAll()

	rawA := hs.send(a, protocol.TypeGameReadyConfirm, true)
	assert.Equal(t, [][]byte{rawA}, hs.transports[b].Frames, "readiness is relayed verbatim")
	hs.send(b, protocol.TypeGameReadyConfirm, true)

	startA := hs.of(a, protocol.TypeGameStartInfo)
	startB := hs.of(b, protocol.TypeGameStartInfo)
	require.Len(t, startA, 1)
	require.Len(t, startB, 1)
	assert.Equal(t, startA[0][0], startB[0][0])
	starter, _ := testutil.Int(startA[0][0])
	assert.Contains(t, []int64{int64(a), int64(b)}, starter)

	assert.Zero(t, hs.hub.coord.Count())
	assert.Zero(t, hs.hub.queue.Pending(), "a started match is no longer tracked")

	// Disconnecting after the start notifies nobody.
	hs.resetAll()
	hs.disconnect(a)
	assert.Empty(t, hs.of(b, protocol.TypeOpponentDisconnected))
	assert.Equal(t, history.KindGameStarted, hs.recorder.events[len(hs.recorder.events)-1].Kind)
}

// Scenario 3: chat in a room reaches the other members only.
func TestHub_ChatRelaysWithinRoom(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	c, d, e, outsider := hs.connect(), hs.connect(), hs.connect(), hs.connect()
	hs.send(d, protocol.TypeRoomCreate, "lobby")
	hs.send(e, protocol.TypeRoomJoin, "lobby")
	hs.send(c, protocol.TypeRoomJoin, "lobby")
	assert.Equal(t, []bool{true}, hs.responses(c))
	hs.resetAll()

	raw := hs.send(c, protocol.TypeChat, "hi all")

	assert.Equal(t, [][]byte{raw}, hs.transports[d].Frames)
	assert.Equal(t, [][]byte{raw}, hs.transports[e].Frames)
	assert.Empty(t, hs.transports[c].Frames)
	assert.Empty(t, hs.transports[outsider].Frames)

	client, _ := hs.hub.registry.Get(c)
	assert.Equal(t, 1, client.Chats)
}

// Scenario 4: joining a full room is refused and leaves membership unchanged.
func TestHub_JoinFullRoomRefused(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	owner := hs.connect()
	hs.send(owner, protocol.TypeRoomCreate, "lobby")
	for i := 0; i < 7; i++ {
		hs.send(hs.connect(), protocol.TypeRoomJoin, "lobby")
	}
	require.Len(t, hs.hub.rooms.Members("lobby"), 8)
	before := hs.hub.rooms.Members("lobby")

	f := hs.connect()
	hs.transports[f].Reset()
	hs.send(f, protocol.TypeRoomJoin, "lobby")

	responses := hs.of(f, protocol.TypeServerResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, false, responses[0][0])
	echo, _ := testutil.Int(responses[0][1])
	assert.Equal(t, int64(protocol.TypeRoomJoin), echo)
	assert.Equal(t, before, hs.hub.rooms.Members("lobby"))
	_, inRoom := hs.hub.registry.Room(f)
	assert.False(t, inRoom)
}

// Scenario 5: a player disconnecting before confirming tears down the barrier.
func TestHub_DisconnectDuringReadyBarrier(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.send(a, protocol.TypeMatchmakingRequest, true)
	hs.send(b, protocol.TypeMatchmakingRequest, true)
	roomID, _ := hs.hub.registry.Room(a)
	hs.send(b, protocol.TypeGameReadyConfirm, true)
	hs.resetAll()

	hs.disconnect(a)

	assert.Len(t, hs.of(b, protocol.TypeOpponentDisconnected), 1, "notified once despite match and barrier")
	_, pending := hs.hub.coord.Pending(roomID)
	assert.False(t, pending)
	assert.Equal(t, []protocol.ClientID{b}, hs.hub.rooms.Members(roomID))
	assert.False(t, hs.hub.registry.Exists(a))
	assert.Len(t, hs.of(b, protocol.TypeUserInfo), 1, "roster re-broadcast after disconnect")
}

// A departure that leaves only ready members starts the game for them.
func TestHub_DepartureCompletesReadyBarrier(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(1))
	a, b, c := hs.connect(), hs.connect(), hs.connect()
	hs.send(a, protocol.TypeRoomCreate, "trio")
	hs.send(b, protocol.TypeRoomJoin, "trio")
	hs.send(c, protocol.TypeRoomJoin, "trio")
	require.Equal(t, []protocol.ClientID{a, b, c}, hs.hub.rooms.Members("trio"))
	hs.send(a, protocol.TypeGameReadyConfirm, true)
	hs.send(b, protocol.TypeGameReadyConfirm, true)
	require.Empty(t, hs.of(a, protocol.TypeGameStartInfo))
	hs.resetAll()

	hs.disconnect(c)

	var starters []int64
	for _, id := range []protocol.ClientID{a, b} {
		assert.Len(t, hs.of(id, protocol.TypeOpponentDisconnected), 1)
		starts := hs.of(id, protocol.TypeGameStartInfo)
		require.Len(t, starts, 1, "exactly one game start per remaining member")
		starter, ok := testutil.Int(starts[0][0])
		require.True(t, ok)
		starters = append(starters, starter)
	}
	assert.Equal(t, []int64{int64(b), int64(b)}, starters)
	assert.Zero(t, hs.hub.coord.Count())
	_, pending := hs.hub.coord.Pending("trio")
	assert.False(t, pending)

	last := hs.recorder.events[len(hs.recorder.events)-1]
	assert.Equal(t, history.KindGameStarted, last.Kind)
	assert.Equal(t, protocol.RoomID("trio"), last.Room)
	assert.Equal(t, []protocol.ClientID{a, b}, last.Players)
	assert.Equal(t, b, last.Starter)
}

// Scenario 6: position from un-roomed clients reaches every other connected client.
func TestHub_PositionFallbackBroadcast(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	g, h, i := hs.connect(), hs.connect(), hs.connect()
	hs.resetAll()

	raw := hs.send(g, protocol.TypePosition, 1.5, 2.5)

	assert.Equal(t, [][]byte{raw}, hs.transports[h].Frames)
	assert.Equal(t, [][]byte{raw}, hs.transports[i].Frames)
	assert.Empty(t, hs.transports[g].Frames)
}

func TestHub_GamePacketOutsideRoomDropped(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.resetAll()

	hs.send(a, protocol.TypeGamePacket, []any{1, 2})
	hs.send(a, protocol.TypeExtraTurn, true)
	assert.Empty(t, hs.transports[b].Frames)
}

func TestHub_GamePacketsRelayedInRoom(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.send(a, protocol.TypeRoomJoin, "pongRoom")
	hs.send(b, protocol.TypeRoomJoin, "pongRoom")
	hs.resetAll()

	var sent [][]byte
	for _, typ := range []protocol.Type{protocol.TypeGamePacket, protocol.TypeGameImmune, protocol.TypeExtraTurn} {
		sent = append(sent, hs.send(a, typ, "payload"))
	}
	assert.Equal(t, sent, hs.transports[b].Frames)
}

func TestHub_ReadyConfirmWithoutRoom(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a := hs.connect()
	hs.resetAll()

	hs.send(a, protocol.TypeGameReadyConfirm, true)
	assert.Equal(t, []bool{false}, hs.responses(a))
	assert.Zero(t, hs.hub.coord.Count())
}

func TestHub_RoomCreateDuplicateRefused(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.send(a, protocol.TypeRoomCreate, "den")
	hs.send(b, protocol.TypeRoomCreate, "den")
	hs.send(b, protocol.TypeRoomCreate, "lobbyRoom")

	assert.Equal(t, []bool{true}, hs.responses(a))
	assert.Equal(t, []bool{false, false}, hs.responses(b))
}

func TestHub_IntegerRoomIdentity(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.send(a, protocol.TypeRoomCreate, 42)
	hs.send(b, protocol.TypeRoomJoin, "42")

	assert.Equal(t, []bool{true}, hs.responses(b))
	assert.Len(t, hs.hub.rooms.Members("42"), 2)
}

func TestHub_JoinMovesClientBetweenRooms(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a := hs.connect()
	hs.send(a, protocol.TypeRoomCreate, "den")
	hs.send(a, protocol.TypeRoomJoin, "lobbyRoom")

	assert.False(t, hs.hub.rooms.Exists("den"), "the abandoned ephemeral room is deleted")
	got, _ := hs.hub.registry.Room(a)
	assert.Equal(t, protocol.RoomID("lobbyRoom"), got)
	assert.Equal(t, []bool{true, true}, hs.responses(a))
}

func TestHub_RoomLeave(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.send(a, protocol.TypeRoomJoin, "lobbyRoom")
	hs.send(b, protocol.TypeRoomLeave)
	hs.send(a, protocol.TypeRoomLeave)

	assert.Equal(t, []bool{true}, hs.responses(b), "leaving without a room succeeds")
	assert.Equal(t, []bool{true, true}, hs.responses(a))
	assert.Empty(t, hs.hub.rooms.Members("lobbyRoom"))
	assert.True(t, hs.hub.rooms.Exists("lobbyRoom"))
}

func TestHub_RoomLeaveFromMatchNotifiesPartner(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.send(a, protocol.TypeMatchmakingRequest, true)
	hs.send(b, protocol.TypeMatchmakingRequest, true)
	roomID, _ := hs.hub.registry.Room(a)
	hs.resetAll()

	hs.send(a, protocol.TypeRoomLeave, string(roomID))
	assert.Len(t, hs.of(b, protocol.TypeOpponentDisconnected), 1)
	assert.Zero(t, hs.hub.queue.Pending())
}

func TestHub_RoomDestroy(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b, c := hs.connect(), hs.connect(), hs.connect()
	hs.send(a, protocol.TypeRoomCreate, "den")
	hs.send(b, protocol.TypeRoomJoin, "den")
	hs.send(a, protocol.TypeGameReadyConfirm, true)
	hs.resetAll()

	hs.send(c, protocol.TypeRoomDestroy, "den")
	hs.send(c, protocol.TypeRoomDestroy, "pongRoom")
	hs.send(c, protocol.TypeRoomDestroy, "nowhere")

	assert.Equal(t, []bool{true, false, false}, hs.responses(c))
	assert.False(t, hs.hub.rooms.Exists("den"))
	assert.Zero(t, hs.hub.coord.Count())
	for _, id := range []protocol.ClientID{a, b} {
		assert.Len(t, hs.of(id, protocol.TypeRoomDestroy), 1)
		_, inRoom := hs.hub.registry.Room(id)
		assert.False(t, inRoom)
	}
}

func TestHub_MatchmakingLeavesCurrentRoom(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a := hs.connect()
	hs.send(a, protocol.TypeRoomJoin, "lobbyRoom")
	hs.send(a, protocol.TypeMatchmakingRequest, true)

	assert.Empty(t, hs.hub.rooms.Members("lobbyRoom"))
	assert.True(t, hs.hub.queue.Contains(a))

	hs.send(a, protocol.TypeMatchmakingRequest, false)
	assert.False(t, hs.hub.queue.Contains(a))
}

func TestHub_UserInfoRoster(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.resetAll()

	hs.send(a, protocol.TypeUserInfo, "Ada")
	hs.send(b, protocol.TypeUserInfo, 7)

	rosters := hs.of(b, protocol.TypeUserInfo)
	require.Len(t, rosters, 1, "an invalid name triggers no broadcast")
	pairs := rosters[0][0].([]any)
	require.Len(t, pairs, 1)
	assert.Equal(t, "Ada", pairs[0].([]any)[1])
}

func TestHub_MalformedAndUnknownFramesDropped(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a, b := hs.connect(), hs.connect()
	hs.resetAll()

	hs.hub.process(frameEvent{client: a, data: []byte{0xc1}})
	hs.send(a, protocol.TypeMatchFound, "x")
	hs.send(a, protocol.Type(99))

	assert.Empty(t, hs.transports[a].Frames)
	assert.Empty(t, hs.transports[b].Frames)
	assert.True(t, hs.hub.registry.Exists(a), "bad frames never close the connection")
}

func TestHub_TickBroadcastsTimeSync(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	a := hs.connect()
	hs.resetAll()

	at := time.UnixMilli(1_700_000_000_000)
	hs.hub.process(tickEvent{at: at})
	hs.hub.process(tickEvent{at: at.Add(time.Second)})

	syncs := hs.of(a, protocol.TypeTimeSync)
	require.Len(t, syncs, 2)
	seq1, _ := testutil.Int(syncs[0][0])
	seq2, _ := testutil.Int(syncs[1][0])
	ms, _ := testutil.Int(syncs[0][1])
	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)
	assert.Equal(t, at.UnixMilli(), ms)
}

func TestHub_RecoversFromPanic(t *testing.T) {
	hs := newHarness(t, ready.FixedSource(0))
	hs.hub.router.handlers[protocol.TypeChat] = func(protocol.ClientID, protocol.Packet, []byte) {
		panic("boom")
	}
	a := hs.connect()
	hs.send(a, protocol.TypeChat, "hi")

	assert.Equal(t, uint64(1), hs.hub.stats().Panics)
	assert.Equal(t, protocol.ClientID(2), hs.connect(), "the hub keeps serving")
}

func TestHub_EventLoop(t *testing.T) {
	rec := &memoryRecorder{}
	h, err := NewHub(HubConfig{PermanentRooms: room.DefaultDefinitions(8)}, ready.FixedSource(0), rec, zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tr := testutil.NewRecordingTransport()
	id, err := h.Connect(ctx, tr, "loop")
	require.NoError(t, err)
	assert.Equal(t, protocol.ClientID(1), id)

	raw, err := protocol.Encode(id, protocol.TypeRoomJoin, "lobbyRoom")
	require.NoError(t, err)
	require.NoError(t, h.Deliver(ctx, id, raw))

	st, err := h.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Clients)
	assert.Equal(t, 2, st.Rooms)

	require.NoError(t, h.Disconnect(id))
	st, err = h.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Clients)

	h.Stop()
	require.NoError(t, <-done)
	h.Stop()

	_, err = h.Connect(ctx, testutil.NewRecordingTransport(), "late")
	assert.ErrorIs(t, err, ErrHubStopped)
}

func TestHub_DisconnectWaitsOutFullInbox(t *testing.T) {
	h, err := NewHub(HubConfig{InboxSize: 1}, ready.FixedSource(0), history.Nop{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	reply := make(chan protocol.ClientID, 1)
	h.process(connectEvent{transport: testutil.NewRecordingTransport(), connID: "slow", reply: reply})
	id := <-reply
	h.inbox <- tickEvent{at: time.Now()}

	posted := make(chan error, 1)
	go func() { posted <- h.Disconnect(id) }()
	select {
	case err := <-posted:
		t.Fatalf("disconnect returned while the inbox was full: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	done := make(chan error, 1)
	go func() { done <- h.Start() }()
	require.NoError(t, <-posted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Eventually(t, func() bool {
		st, err := h.Stats(ctx)
		return err == nil && st.Clients == 0
	}, time.Second, 5*time.Millisecond)

	h.Stop()
	require.NoError(t, <-done)
}

func TestHub_AbandonedConnectIsReleased(t *testing.T) {
	h, err := NewHub(HubConfig{}, ready.FixedSource(0), history.Nop{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelConnect()
	_, err = h.Connect(connectCtx, testutil.NewRecordingTransport(), "gave-up")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- h.Start() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Eventually(t, func() bool {
		st, err := h.Stats(ctx)
		return err == nil && st.Clients == 0
	}, time.Second, 5*time.Millisecond)

	id, err := h.Connect(ctx, testutil.NewRecordingTransport(), "next")
	require.NoError(t, err)
	assert.Equal(t, protocol.ClientID(2), id, "the abandoned connect was registered before release")

	h.Stop()
	require.NoError(t, <-done)
}

func TestHub_StopBeforeStart(t *testing.T) {
	h, err := NewHub(HubConfig{}, ready.FixedSource(0), history.Nop{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	h.Stop()
	assert.Error(t, h.Start())
}

func TestNewHub_RejectsDuplicatePermanentRooms(t *testing.T) {
	defs := append(room.DefaultDefinitions(8), room.Definition{ID: "pongRoom", Capacity: 2})
	_, err := NewHub(HubConfig{PermanentRooms: defs}, ready.FixedSource(0), history.Nop{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, room.ErrRoomExists)
}

func TestTimeSync_TicksTarget(t *testing.T) {
	target := &countingTicker{ticks: make(chan time.Time, 8)}
	s := NewTimeSync(5*time.Millisecond, target)
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	select {
	case <-target.ticks:
	case <-time.After(time.Second):
		t.Fatal("no tick delivered")
	}
	s.Stop()
	s.Stop()
	require.NoError(t, <-done)
	assert.Panics(t, func() { NewTimeSync(0, target) })
}

type countingTicker struct {
	ticks chan time.Time
}

func (c *countingTicker) Tick(at time.Time) {
	select {
	case c.ticks <- at:
	default:
	}
}
