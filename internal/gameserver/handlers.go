package gameserver

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
	"github.com/cory-johannsen/roomrelay/internal/room"
)

// respond sends SERVER_RESPONSE for a request of type echo.
func (h *Hub) respond(client protocol.ClientID, echo protocol.Type, err error) {
	switch {
	case err == nil:
	case isRoomError(err):
		h.logger.Info("request rejected",
			zap.Uint32("client_id", uint32(client)),
			zap.Stringer("type", echo),
			zap.Error(err),
		)
	default:
		h.logger.Warn("request failed",
			zap.Uint32("client_id", uint32(client)),
			zap.Stringer("type", echo),
			zap.Error(err),
		)
	}
	h.registry.Send(client, protocol.ServerResponse(err == nil, echo))
}

// handleAudience relays CHAT and POSITION to the sender's room, or to every other
// connected client when the sender has no room.
func (h *Hub) handleAudience(client protocol.ClientID, _ protocol.Packet, raw []byte) {
	if roomID, ok := h.registry.Room(client); ok {
		h.rooms.Relay(roomID, client, raw)
		return
	}
	h.registry.BroadcastExcept(client, raw)
}

// handleGameRelay forwards in-room game packets verbatim.
func (h *Hub) handleGameRelay(client protocol.ClientID, pkt protocol.Packet, raw []byte) {
	roomID, ok := h.registry.Room(client)
	if !ok {
		h.logger.Warn("game packet outside a room",
			zap.Uint32("client_id", uint32(client)),
			zap.Stringer("type", pkt.Type()),
		)
		return
	}
	h.rooms.Relay(roomID, client, raw)
}

func (h *Hub) handleRoomCreate(client protocol.ClientID, pkt protocol.Packet, _ []byte) {
	req := pkt.(protocol.RoomCreate)
	if h.rooms.Exists(req.Room) {
		h.respond(client, protocol.TypeRoomCreate, fmt.Errorf("creating %q: %w", req.Room, room.ErrRoomExists))
		return
	}
	h.retire(client)
	h.respond(client, protocol.TypeRoomCreate, h.rooms.CreateAndJoin(req.Room, client, h.cfg.RoomCapacity))
}

func (h *Hub) handleRoomJoin(client protocol.ClientID, pkt protocol.Packet, _ []byte) {
	req := pkt.(protocol.RoomJoin)
	if h.rooms.IsMember(req.Room, client) {
		h.respond(client, protocol.TypeRoomJoin, nil)
		return
	}
	if !h.rooms.Exists(req.Room) {
		h.respond(client, protocol.TypeRoomJoin, fmt.Errorf("joining %q: %w", req.Room, room.ErrRoomNotFound))
		return
	}
	if len(h.rooms.Members(req.Room)) >= h.rooms.Capacity(req.Room) {
		h.respond(client, protocol.TypeRoomJoin, fmt.Errorf("joining %q: %w", req.Room, room.ErrRoomFull))
		return
	}
	h.retire(client)
	h.respond(client, protocol.TypeRoomJoin, h.rooms.Join(req.Room, client))
}

// handleRoomLeave leaves the named room, or the current room when none is named.
// Leaving a room the client is not in succeeds without effect.
func (h *Hub) handleRoomLeave(client protocol.ClientID, pkt protocol.Packet, _ []byte) {
	req := pkt.(protocol.RoomLeave)
	current, inRoom := h.registry.Room(client)
	target := req.Room
	if !req.HasRoom {
		target = current
	}
	if inRoom && target == current {
		h.retire(client)
	} else if target != "" {
		h.rooms.Leave(target, client)
	}
	h.respond(client, protocol.TypeRoomLeave, nil)
}

func (h *Hub) handleRoomDestroy(client protocol.ClientID, pkt protocol.Packet, _ []byte) {
	req := pkt.(protocol.RoomDestroy)
	if h.rooms.IsPermanent(req.Room) {
		h.respond(client, protocol.TypeRoomDestroy, fmt.Errorf("destroying %q: %w", req.Room, room.ErrRoomPermanent))
		return
	}
	h.queue.Discard(req.Room)
	h.coord.Discard(req.Room)
	_, err := h.rooms.Destroy(req.Room)
	h.respond(client, protocol.TypeRoomDestroy, err)
}

func (h *Hub) handleUserInfo(client protocol.ClientID, pkt protocol.Packet, _ []byte) {
	req := pkt.(protocol.UserInfo)
	if err := h.registry.SetDisplayName(client, req.Name); err != nil {
		h.logger.Debug("display name dropped", zap.Uint32("client_id", uint32(client)), zap.Error(err))
	}
}

func (h *Hub) handleReadyConfirm(client protocol.ClientID, pkt protocol.Packet, raw []byte) {
	req := pkt.(protocol.ReadyConfirm)
	start, started, err := h.coord.ConfirmReady(client, req.Ready, raw)
	if err != nil {
		h.respond(client, protocol.TypeGameReadyConfirm, err)
		return
	}
	if started {
		h.gameStarted(start)
	}
}

// handleMatchmaking enters or leaves the queue. A client entering the queue first
// leaves its current room.
func (h *Hub) handleMatchmaking(client protocol.ClientID, pkt protocol.Packet, _ []byte) {
	req := pkt.(protocol.MatchmakingRequest)
	if !req.Searching {
		h.queue.SetSearching(client, false)
		return
	}
	if h.queue.Contains(client) {
		return
	}
	if _, inRoom := h.registry.Room(client); inRoom {
		h.retire(client)
	}
	h.queue.SetSearching(client, true)
}

// isRoomError reports whether err is one of the room manager's request errors.
func isRoomError(err error) bool {
	return errors.Is(err, room.ErrRoomNotFound) ||
		errors.Is(err, room.ErrRoomFull) ||
		errors.Is(err, room.ErrRoomExists) ||
		errors.Is(err, room.ErrRoomPermanent)
}
