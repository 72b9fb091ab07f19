package websocket

import (
	"context"
	"time"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/roomrelay/internal/config"
	"github.com/cory-johannsen/roomrelay/internal/protocol"
	"github.com/cory-johannsen/roomrelay/internal/session"
)

// pump moves frames for one connection.
type pump struct {
	conn   *gws.Conn
	out    *session.Outbound
	cfg    config.WebSocketConfig
	client protocol.ClientID
	log    *zap.Logger
}

// read posts binary frames to the hub until the peer goes away, the read deadline
// passes, or the hub stops. It returns the number of frames delivered.
func (p *pump) read(ctx context.Context, hub Hub) int {
	p.conn.SetReadLimit(p.cfg.MaxMessageSize)
	p.extendReadDeadline()
	p.conn.SetPongHandler(func(string) error {
		p.extendReadDeadline()
		return nil
	})

	delivered := 0
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseNormalClosure, gws.CloseNoStatusReceived) {
				p.log.Debug("websocket read ended", zap.Error(err))
			}
			return delivered
		}
		if kind != gws.BinaryMessage {
			p.log.Debug("dropping non-binary frame", zap.Int("message_type", kind), zap.Int("bytes", len(data)))
			continue
		}
		if err := hub.Deliver(ctx, p.client, data); err != nil {
			p.log.Debug("hub refused frame", zap.Error(err))
			return delivered
		}
		delivered++
	}
}

func (p *pump) extendReadDeadline() {
	if err := p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
		p.log.Debug("setting read deadline", zap.Error(err))
	}
}

// write drains the outbound queue and pings the peer. A closed queue ends the
// session with a normal close frame.
func (p *pump) write() {
	ticker := time.NewTicker(p.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.out.Frames():
			if !ok {
				_ = p.conn.WriteControl(gws.CloseMessage,
					gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := p.conn.WriteMessage(gws.BinaryMessage, frame); err != nil {
				p.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(gws.PingMessage, nil, time.Now().Add(p.cfg.WriteTimeout)); err != nil {
				p.log.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
