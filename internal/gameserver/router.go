package gameserver

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// ErrNoHandler is returned for decodable packets that have no handler.
var ErrNoHandler = errors.New("no handler for packet type")

// handlerFunc handles one decoded packet. raw is the frame exactly as received.
type handlerFunc func(client protocol.ClientID, pkt protocol.Packet, raw []byte)

// Router decodes frames and dispatches each to exactly one handler.
type Router struct {
	handlers map[protocol.Type]handlerFunc
	logger   *zap.Logger
}

func newRouter(h *Hub, logger *zap.Logger) *Router {
	r := &Router{logger: logger}
	r.handlers = map[protocol.Type]handlerFunc{
		protocol.TypeChat:               h.handleAudience,
		protocol.TypePosition:           h.handleAudience,
		protocol.TypeRoomCreate:         h.handleRoomCreate,
		protocol.TypeRoomJoin:           h.handleRoomJoin,
		protocol.TypeRoomLeave:          h.handleRoomLeave,
		protocol.TypeRoomDestroy:        h.handleRoomDestroy,
		protocol.TypeUserInfo:           h.handleUserInfo,
		protocol.TypeGamePacket:         h.handleGameRelay,
		protocol.TypeGameImmune:         h.handleGameRelay,
		protocol.TypeExtraTurn:          h.handleGameRelay,
		protocol.TypeGameReadyConfirm:   h.handleReadyConfirm,
		protocol.TypeMatchmakingRequest: h.handleMatchmaking,
	}
	return r
}

// Route decodes raw and invokes the handler for its type. The echoed sender in
// the frame is ignored; client is authoritative.
//
// Postcondition: Returns the packet type if a handler ran; decode failures,
// unknown types and unhandled types are logged and returned as errors.
func (r *Router) Route(client protocol.ClientID, raw []byte) (protocol.Type, error) {
	pkt, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn("dropping frame",
			zap.Uint32("client_id", uint32(client)),
			zap.Int("bytes", len(raw)),
			zap.Error(err),
		)
		return 0, err
	}
	handle, ok := r.handlers[pkt.Type()]
	if !ok {
		r.logger.Warn("dropping frame",
			zap.Uint32("client_id", uint32(client)),
			zap.Stringer("type", pkt.Type()),
			zap.Error(ErrNoHandler),
		)
		return 0, fmt.Errorf("%s: %w", pkt.Type(), ErrNoHandler)
	}
	if pkt.From() != client {
		r.logger.Debug("echoed sender differs from connection identity",
			zap.Uint32("client_id", uint32(client)),
			zap.Uint32("echoed", uint32(pkt.From())),
		)
	}
	handle(client, pkt, raw)
	return pkt.Type(), nil
}
