package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/roomrelay/internal/history"
	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// ErrEmptyEvent is returned when an event lacks a kind or a room.
var ErrEmptyEvent = errors.New("event has no kind or room")

// MatchRepository stores match history rows.
type MatchRepository struct {
	db *pgxpool.Pool
}

// NewMatchRepository creates a MatchRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewMatchRepository(db *pgxpool.Pool) *MatchRepository {
	return &MatchRepository{db: db}
}

// Append inserts one history event. The starter column stays NULL for events
// that do not name one.
//
// Precondition: e.Kind and e.Room must be non-empty.
func (r *MatchRepository) Append(ctx context.Context, e history.Event) error {
	if e.Kind == "" || e.Room == "" {
		return ErrEmptyEvent
	}
	var starter *int64
	if e.Kind == history.KindGameStarted {
		s := int64(e.Starter)
		starter = &s
	}
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO match_events (kind, room_id, players, starter, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(e.Kind), string(e.Room), toInt64s(e.Players), starter, occurred,
	)
	if err != nil {
		return fmt.Errorf("inserting %s event for room %q: %w", e.Kind, e.Room, err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
//
// Precondition: limit must be > 0.
func (r *MatchRepository) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT kind, room_id, players, starter, occurred_at
		 FROM match_events
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent events: %w", err)
	}
	return collectEvents(rows)
}

// ForRoom returns every event recorded for room in the order it occurred.
func (r *MatchRepository) ForRoom(ctx context.Context, room protocol.RoomID) ([]history.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT kind, room_id, players, starter, occurred_at
		 FROM match_events
		 WHERE room_id = $1
		 ORDER BY occurred_at, id`,
		string(room),
	)
	if err != nil {
		return nil, fmt.Errorf("querying events for room %q: %w", room, err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]history.Event, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Event, error) {
		var (
			kind, room string
			players    []int64
			starter    *int64
			e          history.Event
		)
		if err := row.Scan(&kind, &room, &players, &starter, &e.OccurredAt); err != nil {
			return history.Event{}, err
		}
		e.Kind = history.Kind(kind)
		e.Room = protocol.RoomID(room)
		e.Players = make([]protocol.ClientID, len(players))
		for i, p := range players {
			e.Players[i] = protocol.ClientID(p)
		}
		if starter != nil {
			e.Starter = protocol.ClientID(*starter)
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning events: %w", err)
	}
	return events, nil
}

func toInt64s(ids []protocol.ClientID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
