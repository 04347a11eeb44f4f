package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicechat/internal/app/orch"
	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func DefaultConfig() Config {
	return Config{
		ReadLimit:    64 << 10,
		PingPeriod:   30 * time.Second,
		PongWait:     60 * time.Second,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   32,
	}
}

type SignalWSController struct {
	Orch   *orch.Orchestrator
	Config Config
}

func NewSignalWSController(o *orch.Orchestrator, cfg Config) *SignalWSController {
	return &SignalWSController{Orch: o, Config: cfg}
}

// WsSignalConn queues outbound frames for the write pump.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	return &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, buffer),
		done: make(chan struct{}),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and serves it until the socket closes.
// The user comes from the client token and session username set by the
// HTTP middleware.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	user := domain.UserFromToken(c.GetString("client_token"), c.GetString("username"))
	logger := log.With().Str("module", "signal").Str("user", string(user.ID)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := newWsSignalConn(ws, ctl.Config.SendBuffer)
	ctx, cancel := context.WithCancel(ctx)
	sess := ctl.Orch.NewSession(ctx, user, conn)

	go writePump(ctx, conn, ctl.Config)
	go func() {
		defer cancel()
		defer sess.Close()
		ctl.readPump(ctx, sess, conn)
	}()
}
