// Package matchmaking pairs anonymous clients in arrival order and places each pair
// in a fresh two-player room.
package matchmaking

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// Rooms is the subset of the room manager the queue uses to build match rooms.
type Rooms interface {
	Exists(id protocol.RoomID) bool
	Create(id protocol.RoomID, capacity int) error
	Join(id protocol.RoomID, client protocol.ClientID) error
	Leave(id protocol.RoomID, client protocol.ClientID)
	Destroy(id protocol.RoomID) ([]protocol.ClientID, error)
}

// Sender delivers a frame to one client.
type Sender interface {
	Send(id protocol.ClientID, data []byte)
}

// Match is a pair of clients placed into a queue-generated room whose game has not
// started yet.
type Match struct {
	Room      protocol.RoomID
	Players   [2]protocol.ClientID
	CreatedAt time.Time
}

// Partner returns the other player of the match.
func (m Match) Partner(id protocol.ClientID) protocol.ClientID {
	if m.Players[0] == id {
		return m.Players[1]
	}
	return m.Players[0]
}

// Queue is an insertion-ordered set of searching clients plus the records of
// unstarted matches.
//
// A Queue is owned by the hub goroutine and is not safe for concurrent use.
type Queue struct {
	order    []protocol.ClientID
	queued   map[protocol.ClientID]bool
	matches  map[protocol.RoomID]Match
	byClient map[protocol.ClientID]protocol.RoomID
	counter  uint64
	capacity int

	rooms  Rooms
	sender Sender
	logger *zap.Logger
	now    func() time.Time

	// OnMatch, when set, observes every formed match.
	OnMatch func(Match)
}

// NewQueue creates an empty Queue whose match rooms hold capacity members.
//
// Precondition: rooms, sender and logger must be non-nil; capacity must be >= 2.
func NewQueue(rooms Rooms, sender Sender, capacity int, logger *zap.Logger) *Queue {
	return &Queue{
		queued:   make(map[protocol.ClientID]bool),
		matches:  make(map[protocol.RoomID]Match),
		byClient: make(map[protocol.ClientID]protocol.RoomID),
		capacity: capacity,
		rooms:    rooms,
		sender:   sender,
		logger:   logger,
		now:      time.Now,
	}
}

// SetSearching enters or leaves the queue. Entering is idempotent and triggers pairing.
//
// Postcondition: Returns every match formed by this call.
func (q *Queue) SetSearching(id protocol.ClientID, searching bool) []Match {
	if !searching {
		if q.remove(id) {
			q.logger.Info("client left matchmaking queue", zap.Uint32("client_id", uint32(id)))
		}
		return nil
	}
	if q.queued[id] {
		return nil
	}
	q.queued[id] = true
	q.order = append(q.order, id)
	q.logger.Info("client entered matchmaking queue",
		zap.Uint32("client_id", uint32(id)),
		zap.Int("queue_len", len(q.order)),
	)
	return q.pair()
}

// pair forms matches while at least two clients wait.
func (q *Queue) pair() []Match {
	var formed []Match
	for len(q.order) >= 2 {
		a, b := q.order[0], q.order[1]
		q.order = q.order[2:]
		delete(q.queued, a)
		delete(q.queued, b)

		roomID := q.nextRoomID()
		if err := q.rooms.Create(roomID, q.capacity); err != nil {
			q.logger.Error("creating match room", zap.String("room_id", string(roomID)), zap.Error(err))
			q.requeueFront(a, b)
			return formed
		}
		if err := q.rooms.Join(roomID, a); err != nil {
			q.logger.Warn("matched client vanished",
				zap.Uint32("client_id", uint32(a)),
				zap.String("room_id", string(roomID)),
				zap.Error(err),
			)
			_, _ = q.rooms.Destroy(roomID)
			q.requeueFront(b)
			continue
		}
		if err := q.rooms.Join(roomID, b); err != nil {
			q.logger.Warn("matched client vanished",
				zap.Uint32("client_id", uint32(b)),
				zap.String("room_id", string(roomID)),
				zap.Error(err),
			)
			q.rooms.Leave(roomID, a)
			q.requeueFront(a)
			continue
		}

		m := Match{Room: roomID, Players: [2]protocol.ClientID{a, b}, CreatedAt: q.now()}
		q.matches[roomID] = m
		q.byClient[a] = roomID
		q.byClient[b] = roomID

		found := protocol.MatchFound(roomID)
		q.sender.Send(a, found)
		q.sender.Send(b, found)
		q.logger.Info("match formed",
			zap.String("room_id", string(roomID)),
			zap.Uint32("player1", uint32(a)),
			zap.Uint32("player2", uint32(b)),
		)
		if q.OnMatch != nil {
			q.OnMatch(m)
		}
		formed = append(formed, m)
	}
	return formed
}

func (q *Queue) requeueFront(ids ...protocol.ClientID) {
	for _, id := range ids {
		q.queued[id] = true
	}
	q.order = append(append([]protocol.ClientID(nil), ids...), q.order...)
}

func (q *Queue) nextRoomID() protocol.RoomID {
	for {
		q.counter++
		id := protocol.RoomID(fmt.Sprintf("match_%d_%d", q.counter, q.now().UnixMilli()))
		if !q.rooms.Exists(id) {
			return id
		}
	}
}

// Started discards the match record for a room whose game has begun.
func (q *Queue) Started(roomID protocol.RoomID) {
	m, ok := q.matches[roomID]
	if !ok {
		return
	}
	q.forget(m)
	q.logger.Debug("match started", zap.String("room_id", string(roomID)))
}

// Retire removes the client from the queue and from any unstarted match.
//
// Postcondition: Returns the partner to notify, if the client was in an unstarted match.
func (q *Queue) Retire(id protocol.ClientID) []protocol.ClientID {
	q.remove(id)
	roomID, ok := q.byClient[id]
	if !ok {
		return nil
	}
	m := q.matches[roomID]
	q.forget(m)
	q.logger.Info("match abandoned",
		zap.String("room_id", string(roomID)),
		zap.Uint32("client_id", uint32(id)),
	)
	return []protocol.ClientID{m.Partner(id)}
}

// Discard drops the match record for a room that was torn down.
func (q *Queue) Discard(roomID protocol.RoomID) {
	if m, ok := q.matches[roomID]; ok {
		q.forget(m)
	}
}

func (q *Queue) forget(m Match) {
	delete(q.matches, m.Room)
	for _, p := range m.Players {
		if q.byClient[p] == m.Room {
			delete(q.byClient, p)
		}
	}
}

func (q *Queue) remove(id protocol.ClientID) bool {
	if !q.queued[id] {
		return false
	}
	delete(q.queued, id)
	for i, c := range q.order {
		if c == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of searching clients.
func (q *Queue) Len() int {
	return len(q.order)
}

// Contains reports whether the client is searching.
func (q *Queue) Contains(id protocol.ClientID) bool {
	return q.queued[id]
}

// Waiting returns the searching clients in arrival order.
func (q *Queue) Waiting() []protocol.ClientID {
	return append([]protocol.ClientID(nil), q.order...)
}

// MatchFor returns the unstarted match the client belongs to.
func (q *Queue) MatchFor(id protocol.ClientID) (Match, bool) {
	roomID, ok := q.byClient[id]
	if !ok {
		return Match{}, false
	}
	return q.matches[roomID], true
}

// Pending returns the number of unstarted matches.
func (q *Queue) Pending() int {
	return len(q.matches)
}
