// Package protocol defines the relay wire format: MessagePack arrays of the form
// [sender, type, ...payload], decoded into a closed set of packet variants.
package protocol

import (
	"fmt"
	"strconv"
)

// ClientID is a server-assigned connection identity. Zero is reserved for the server.
type ClientID uint32

// ServerID is the sender identity stamped on server-originated packets.
const ServerID ClientID = 0

// RoomID identifies a room. Integer identities received on the wire are normalized
// to their decimal string form.
type RoomID string

// Type is the packet-type discriminator carried at position 1 of every packet.
type Type uint8

const (
	TypeChat                 Type = 0
	TypePosition             Type = 1
	TypeIDAssign             Type = 2
	TypeTimeSync             Type = 3
	TypeRoomCreate           Type = 4
	TypeRoomJoin             Type = 5
	TypeRoomLeave            Type = 6
	TypeRoomDestroy          Type = 7
	TypeServerResponse       Type = 8
	TypeUserInfo             Type = 9
	TypeGamePacket           Type = 10
	TypeGameImmune           Type = 11
	TypeGameReadyConfirm     Type = 12
	TypeMatchmakingRequest   Type = 13
	TypeMatchFound           Type = 14
	TypeGameStartInfo        Type = 15
	TypeOpponentDisconnected Type = 17
	TypeExtraTurn            Type = 18
)

var typeNames = map[Type]string{
	TypeChat:                 "CHAT",
	TypePosition:             "POSITION",
	TypeIDAssign:             "ID_ASSIGN",
	TypeTimeSync:             "TIME_SYNC",
	TypeRoomCreate:           "ROOM_CREATE",
	TypeRoomJoin:             "ROOM_JOIN",
	TypeRoomLeave:            "ROOM_LEAVE",
	TypeRoomDestroy:          "ROOM_DESTROY",
	TypeServerResponse:       "SERVER_RESPONSE",
	TypeUserInfo:             "USER_INFO",
	TypeGamePacket:           "GAME_PACKET",
	TypeGameImmune:           "GAME_IMMUNE",
	TypeGameReadyConfirm:     "GAME_READY_CONFIRM",
	TypeMatchmakingRequest:   "MATCHMAKING_REQUEST",
	TypeMatchFound:           "MATCH_FOUND",
	TypeGameStartInfo:        "GAME_START_INFO",
	TypeOpponentDisconnected: "OPPONENT_DISCONNECTED",
	TypeExtraTurn:            "EXTRA_TURN",
}

// String returns the wire name of the type, or "TYPE(n)" for unknown values.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TYPE(%d)", uint8(t))
}

// Packet is a decoded client-originated packet.
type Packet interface {
	// Type returns the discriminator the packet was decoded from.
	Type() Type
	// From returns the sender identity echoed by the client at position 0.
	// The router never trusts it; the connection's assigned identity is authoritative.
	From() ClientID
}

// Header carries the fields common to every packet.
type Header struct {
	Sender ClientID
}

// From returns the echoed sender identity.
func (h Header) From() ClientID { return h.Sender }

// Chat is a free-form text message relayed to the sender's audience.
type Chat struct {
	Header
	Text string
}

func (Chat) Type() Type { return TypeChat }

// Position is an application-defined state update. Its payload is never interpreted.
type Position struct {
	Header
}

func (Position) Type() Type { return TypePosition }

// RoomCreate asks the server to create a room and place the sender in it.
type RoomCreate struct {
	Header
	Room RoomID
}

func (RoomCreate) Type() Type { return TypeRoomCreate }

// RoomJoin asks the server to add the sender to an existing room.
type RoomJoin struct {
	Header
	Room RoomID
}

func (RoomJoin) Type() Type { return TypeRoomJoin }

// RoomLeave asks the server to remove the sender from a room. When HasRoom is false
// the sender's current room is used.
type RoomLeave struct {
	Header
	Room    RoomID
	HasRoom bool
}

func (RoomLeave) Type() Type { return TypeRoomLeave }

// RoomDestroy asks the server to tear a room down.
type RoomDestroy struct {
	Header
	Room RoomID
}

func (RoomDestroy) Type() Type { return TypeRoomDestroy }

// UserInfo sets the sender's display name. Name is empty when the field was
// missing or not a string; the registry rejects it.
type UserInfo struct {
	Header
	Name string
}

func (UserInfo) Type() Type { return TypeUserInfo }

// GameRelay is an in-room game packet (move, immune pieces, extra turn) forwarded
// verbatim to the sender's room.
type GameRelay struct {
	Header
	Kind Type
}

func (g GameRelay) Type() Type { return g.Kind }

// ReadyConfirm marks the sender ready or not ready for game start.
type ReadyConfirm struct {
	Header
	Ready bool
}

func (ReadyConfirm) Type() Type { return TypeGameReadyConfirm }

// MatchmakingRequest enters or leaves the matchmaking queue.
type MatchmakingRequest struct {
	Header
	Searching bool
}

func (MatchmakingRequest) Type() Type { return TypeMatchmakingRequest }

// RosterEntry is one connected, named client in a USER_INFO broadcast.
type RosterEntry struct {
	ID   ClientID
	Name string
}

func roomIDFrom(v any) (RoomID, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", false
		}
		return RoomID(x), true
	default:
		n, ok := asInt64(v)
		if !ok {
			return "", false
		}
		return RoomID(strconv.FormatInt(n, 10)), true
	}
}
