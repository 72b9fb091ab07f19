package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrDecodeFailure is returned for frames that are not a well-formed packet array
// or whose payload fields have the wrong count or type.
var ErrDecodeFailure = errors.New("decode failure")

// ErrUnknownPacketType is returned for discriminators the server does not accept
// from clients, including server-only types.
var ErrUnknownPacketType = errors.New("unknown packet type")

// DecodeFields decodes a frame into its raw field sequence.
//
// Postcondition: Returns a slice of at least two fields, or an error wrapping ErrDecodeFailure.
func DecodeFields(data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecodeFailure)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	fields, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: frame is %T, not an array", ErrDecodeFailure, v)
	}
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: %d fields, need sender and type", ErrDecodeFailure, len(fields))
	}
	return fields, nil
}

// Decode parses a client frame into its packet variant.
//
// Postcondition: Returns a Packet, or an error wrapping ErrDecodeFailure or ErrUnknownPacketType.
func Decode(data []byte) (Packet, error) {
	fields, err := DecodeFields(data)
	if err != nil {
		return nil, err
	}

	sender, ok := asInt64(fields[0])
	if !ok || sender < 0 || sender > math.MaxUint32 {
		return nil, fmt.Errorf("%w: sender field is %T", ErrDecodeFailure, fields[0])
	}
	raw, ok := asInt64(fields[1])
	if !ok || raw < 0 || raw > math.MaxUint8 {
		return nil, fmt.Errorf("%w: type field is %v", ErrDecodeFailure, fields[1])
	}

	h := Header{Sender: ClientID(sender)}
	t := Type(raw)
	payload := fields[2:]

	switch t {
	case TypeChat:
		text, ok := stringAt(payload, 0)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a text field", ErrDecodeFailure, t)
		}
		return Chat{Header: h, Text: text}, nil
	case TypePosition:
		return Position{Header: h}, nil
	case TypeRoomCreate, TypeRoomJoin, TypeRoomDestroy:
		room, ok := roomAt(payload, 0)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a room identity", ErrDecodeFailure, t)
		}
		switch t {
		case TypeRoomCreate:
			return RoomCreate{Header: h, Room: room}, nil
		case TypeRoomJoin:
			return RoomJoin{Header: h, Room: room}, nil
		default:
			return RoomDestroy{Header: h, Room: room}, nil
		}
	case TypeRoomLeave:
		if len(payload) == 0 || payload[0] == nil {
			return RoomLeave{Header: h}, nil
		}
		room, ok := roomAt(payload, 0)
		if !ok {
			return nil, fmt.Errorf("%w: %s room identity is %T", ErrDecodeFailure, t, payload[0])
		}
		return RoomLeave{Header: h, Room: room, HasRoom: true}, nil
	case TypeUserInfo:
		name, _ := stringAt(payload, 0)
		return UserInfo{Header: h, Name: name}, nil
	case TypeGamePacket, TypeGameImmune, TypeExtraTurn:
		return GameRelay{Header: h, Kind: t}, nil
	case TypeGameReadyConfirm:
		ready, ok := boolAt(payload, 0)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a readiness boolean", ErrDecodeFailure, t)
		}
		return ReadyConfirm{Header: h, Ready: ready}, nil
	case TypeMatchmakingRequest:
		searching, ok := boolAt(payload, 0)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a searching boolean", ErrDecodeFailure, t)
		}
		return MatchmakingRequest{Header: h, Searching: searching}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPacketType, t)
	}
}

// Encode builds a frame from a sender, a type, and payload fields.
//
// Precondition: payload values must be MessagePack-encodable.
func Encode(sender ClientID, t Type, payload ...any) ([]byte, error) {
	fields := make([]any, 0, len(payload)+2)
	fields = append(fields, uint32(sender), uint8(t))
	fields = append(fields, payload...)
	data, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", t, err)
	}
	return data, nil
}

// serverFrame encodes a server-originated packet. Server payloads are built from
// integers, strings, and booleans only, so encoding cannot fail.
func serverFrame(t Type, payload ...any) []byte {
	data, err := Encode(ServerID, t, payload...)
	if err != nil {
		panic("protocol: " + err.Error())
	}
	return data
}

// IDAssign tells a client its assigned identity.
func IDAssign(id ClientID) []byte {
	return serverFrame(TypeIDAssign, uint32(id))
}

// TimeSync carries a broadcast sequence number and the server clock in unix milliseconds.
func TimeSync(seq uint64, unixMillis int64) []byte {
	return serverFrame(TypeTimeSync, seq, unixMillis)
}

// ServerResponse reports the outcome of a request, echoing the request's type.
func ServerResponse(success bool, echo Type) []byte {
	return serverFrame(TypeServerResponse, success, uint8(echo))
}

// Roster lists connected, named clients as [id, name] pairs.
func Roster(entries []RosterEntry) []byte {
	pairs := make([]any, 0, len(entries))
	for _, e := range entries {
		pairs = append(pairs, []any{uint32(e.ID), e.Name})
	}
	return serverFrame(TypeUserInfo, pairs)
}

// MatchFound tells a matched client the room it was placed in.
func MatchFound(room RoomID) []byte {
	return serverFrame(TypeMatchFound, string(room))
}

// GameStart names the player who moves first.
func GameStart(starter ClientID) []byte {
	return serverFrame(TypeGameStartInfo, uint32(starter))
}

// OpponentDisconnected tells a client that a peer left a pending match or barrier.
func OpponentDisconnected() []byte {
	return serverFrame(TypeOpponentDisconnected, true)
}

// RoomDestroyed tells a former member that its room was torn down.
func RoomDestroyed(room RoomID) []byte {
	return serverFrame(TypeRoomDestroy, string(room))
}

func stringAt(payload []any, i int) (string, bool) {
	if i >= len(payload) {
		return "", false
	}
	s, ok := payload[i].(string)
	return s, ok
}

func boolAt(payload []any, i int) (bool, bool) {
	if i >= len(payload) {
		return false, false
	}
	b, ok := payload[i].(bool)
	return b, ok
}

func roomAt(payload []any, i int) (RoomID, bool) {
	if i >= len(payload) {
		return "", false
	}
	return roomIDFrom(payload[i])
}

// asInt64 accepts any MessagePack numeric representation holding an integral value.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}
