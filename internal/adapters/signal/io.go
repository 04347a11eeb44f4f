package signal

import (
	"context"
	"time"

	"github.com/dkeye/voicechat/internal/app/orch"
	"github.com/dkeye/voicechat/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func writePump(ctx context.Context, c *WsSignalConn, cfg Config) {
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump delivers messages to the session in arrival order.
func (ctl *SignalWSController) readPump(ctx context.Context, sess *orch.Session, c *WsSignalConn) {
	uid := string(sess.User().ID)
	defer func() {
		log.Info().Str("module", "signal").Str("user", uid).Msg("readPump closing")
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.Config.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.Config.PongWait))
	})

	for {
		if ctx.Err() != nil {
			log.Info().Str("module", "signal").Str("user", uid).Msg("readPump ctx done")
			return
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("module", "signal").Str("user", uid).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.Config.PongWait))
		if !ctl.handleSignal(ctx, sess, data) {
			return
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sess *orch.Session, data []byte) bool {
	msg, err := core.DecodeMessage(data)
	if err != nil {
		sess.ReplyError(err)
		return true
	}
	return sess.Handle(ctx, msg)
}
