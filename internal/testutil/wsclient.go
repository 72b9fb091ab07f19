package testutil

import (
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/roomrelay/internal/protocol"
)

// WSClient is a websocket client speaking the relay wire format.
type WSClient struct {
	t    *testing.T
	Conn *gws.Conn
}

// DialRelay connects to a relay listening at addr and serving path.
//
// Postcondition: The connection is closed when the test ends.
func DialRelay(t *testing.T, addr, path string) *WSClient {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial("ws://"+addr+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &WSClient{t: t, Conn: conn}
}

// Send writes one binary frame built from sender, typ, and payload.
func (c *WSClient) Send(sender protocol.ClientID, typ protocol.Type, payload ...any) []byte {
	c.t.Helper()
	raw, err := protocol.Encode(sender, typ, payload...)
	require.NoError(c.t, err)
	require.NoError(c.t, c.Conn.WriteMessage(gws.BinaryMessage, raw))
	return raw
}

// Read returns the next frame's type, payload, and raw bytes.
//
// Postcondition: Fails the test if no decodable frame arrives within two seconds.
func (c *WSClient) Read() (protocol.Type, []any, []byte) {
	c.t.Helper()
	require.NoError(c.t, c.Conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := c.Conn.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, gws.BinaryMessage, kind)
	typ, payload, err := PeekFrame(data)
	require.NoError(c.t, err)
	return typ, payload, data
}

// ReadUntil skips frames until one of type typ arrives and returns its payload.
func (c *WSClient) ReadUntil(typ protocol.Type) []any {
	c.t.Helper()
	for {
		got, payload, _ := c.Read()
		if got == typ {
			return payload
		}
	}
}

// Identify reads the ID_ASSIGN frame every connection starts with.
func (c *WSClient) Identify() protocol.ClientID {
	c.t.Helper()
	typ, payload, _ := c.Read()
	require.Equal(c.t, protocol.TypeIDAssign, typ)
	id, ok := Int(payload[0])
	require.True(c.t, ok)
	return protocol.ClientID(id)
}

// ExpectClosed waits for the server to end the connection.
func (c *WSClient) ExpectClosed() error {
	c.t.Helper()
	require.NoError(c.t, c.Conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return err
		}
	}
}
