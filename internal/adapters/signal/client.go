package signal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dkeye/voicechat/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ClientConn is the dialing side of a signaling connection.
type ClientConn struct {
	*WsSignalConn
	incoming chan core.Message
}

// Dial opens a signaling connection and starts its pumps. Incoming
// messages arrive on Messages until the socket closes.
func Dial(ctx context.Context, dialer *websocket.Dialer, url string, header http.Header, cfg Config) (*ClientConn, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &ClientConn{
		WsSignalConn: newWsSignalConn(ws, cfg.SendBuffer),
		incoming:     make(chan core.Message, cfg.SendBuffer),
	}
	go writePump(ctx, c.WsSignalConn, cfg)
	go c.readLoop(cfg)
	return c, nil
}

func (c *ClientConn) Messages() <-chan core.Message { return c.incoming }

// Send encodes and queues msg.
func (c *ClientConn) Send(msg core.Message) error {
	return core.Send(c, msg)
}

func (c *ClientConn) readLoop(cfg Config) {
	defer func() {
		close(c.incoming)
		c.Close()
	}()
	c.conn.SetReadLimit(cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(cfg.WriteTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "signal.client").Msg("connection ended")
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		msg, err := core.DecodeMessage(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signal.client").Msg("dropping malformed message")
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}
