package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/voicechat/internal/adapters/signal"
	"github.com/dkeye/voicechat/internal/app/orch"
	"github.com/dkeye/voicechat/internal/config"
	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const usernameKey = "username"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// UsernameMiddleware exposes the name stored in the cookie session.
func UsernameMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if name, ok := sessions.Default(c).Get(usernameKey).(string); ok {
			c.Set(usernameKey, name)
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())
	r.Use(UsernameMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "relays": o.Relays.Count()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms.List()})
	})

	api.GET("/users", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": o.Presence.Users()})
	})

	api.GET("/servers/:server/channels/:channel", func(c *gin.Context) {
		res, err := o.ChannelWithUsers(c.Request.Context(),
			domain.ServerID(c.Param("server")), domain.ChannelID(c.Param("channel")))
		if errors.Is(err, core.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": core.ErrKindNotFound})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("channel lookup")
			c.JSON(http.StatusInternalServerError, gin.H{"error": core.ErrKindInternal})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	api.GET("/me", func(c *gin.Context) {
		user := domain.UserFromToken(c.GetString("client_token"), c.GetString(usernameKey))
		c.JSON(http.StatusOK, user)
	})

	api.POST("/me", func(c *gin.Context) {
		var req struct {
			Username string `json:"username"`
		}
		if err := c.BindJSON(&req); err != nil {
			return
		}
		user := domain.UserFromToken(c.GetString("client_token"), "")
		if err := user.SetUsername(req.Username); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess := sessions.Default(c)
		sess.Set(usernameKey, user.Username)
		if err := sess.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": core.ErrKindInternal})
			return
		}
		c.JSON(http.StatusOK, user)
	})

	ctrl := signal.NewSignalWSController(o, signal.Config{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		PongWait:     cfg.PongWait,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   signal.DefaultConfig().SendBuffer,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
