// Package voiceclient is the listening and speaking end of a voice channel:
// it joins through signaling, answers the server offer and feeds the audio
// pipeline.
package voiceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"github.com/dkeye/voicechat/internal/adapters/rtc"
	"github.com/dkeye/voicechat/internal/adapters/signal"
	"github.com/dkeye/voicechat/internal/audio"
	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrSignalClosed = errors.New("signaling connection closed")

type Config struct {
	ServerURL string
	ServerID  domain.ServerID
	ChannelID domain.ChannelID
	Name      string
	RTC       rtc.Config
	Signal    signal.Config
}

type Client struct {
	cfg      Config
	api      *webrtc.API
	pipeline *audio.Pipeline
	logger   zerolog.Logger

	mu    sync.Mutex
	conn  *signal.ClientConn
	peer  *rtc.PeerSession
	slots map[string]int
	// candidates sent before the offer that created the peer
	early []webrtc.ICECandidateInit
	group *errgroup.Group
	ctx   context.Context
}

func New(cfg Config, pipeline *audio.Pipeline) (*Client, error) {
	api, err := rtc.NewAPI(cfg.RTC)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		api:      api,
		pipeline: pipeline,
		logger:   log.With().Str("module", "voiceclient").Str("channel", string(cfg.ChannelID)).Logger(),
	}, nil
}

// Run joins the configured channel and serves it until ctx ends, the server
// closes the connection or a task fails.
func (c *Client) Run(ctx context.Context) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	if err := c.register(ctx, jar); err != nil {
		c.logger.Warn().Err(err).Msg("username not stored, joining as guest")
	}
	conn, err := signal.Dial(ctx, &websocket.Dialer{Jar: jar}, c.cfg.ServerURL, nil, c.cfg.Signal)
	if err != nil {
		return err
	}
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)
	c.mu.Lock()
	c.conn = conn
	c.group = g
	c.ctx = gctx
	c.mu.Unlock()
	defer c.closePeer()

	if err := conn.Send(core.JoinMessage(c.cfg.ServerID, c.cfg.ChannelID)); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	g.Go(func() error { return c.pipeline.RunCapture(gctx) })
	g.Go(func() error { return c.serve(gctx, conn) })
	g.Go(func() error {
		<-gctx.Done()
		c.pipeline.TearDown()
		conn.Close()
		return nil
	})
	return g.Wait()
}

// register stores the display name in the server session so the signaling
// upgrade carries it.
func (c *Client) register(ctx context.Context, jar http.CookieJar) error {
	if c.cfg.Name == "" {
		return nil
	}
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/api/me"

	body, err := json.Marshal(map[string]string{"username": c.cfg.Name})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Jar: jar}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register name: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) serve(ctx context.Context, conn *signal.ClientConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-conn.Messages():
			if !ok {
				return ErrSignalClosed
			}
			if err := c.handle(msg); err != nil {
				c.logger.Error().Err(err).Str("type", string(msg.Type)).Msg("handle message")
			}
		}
	}
}

func (c *Client) handle(msg core.Message) error {
	switch msg.Type {
	case core.MsgWebRTCOffer:
		return c.answer(msg)
	case core.MsgIceCandidate:
		c.mu.Lock()
		peer := c.peer
		if peer == nil {
			c.early = append(c.early, *msg.Candidate)
		}
		c.mu.Unlock()
		if peer == nil {
			return nil
		}
		return peer.AddICECandidate(*msg.Candidate)
	case core.MsgClose:
		c.logger.Info().Msg("server closed the media session")
		c.closePeer()
	case core.MsgError:
		c.logger.Warn().Str("err", string(msg.Err)).Msg("server reported error")
	case core.MsgUserJoinedAudioChannel, core.MsgUserLeftAudioChannel:
		ev := c.logger.Info().Str("type", string(msg.Type))
		if msg.User != nil {
			ev = ev.Str("user", msg.User.Username)
		}
		if msg.Slot != nil {
			ev = ev.Int("slot", *msg.Slot)
		}
		ev.Msg("presence")
	case core.MsgPong:
	default:
		c.logger.Debug().Str("type", string(msg.Type)).Msg("ignored message")
	}
	return nil
}

// answer replaces any previous media session with one built for this offer.
func (c *Client) answer(msg core.Message) error {
	c.closePeer()

	slots, err := slotMap(msg.Tracks)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.slots = slots
	conn := c.conn
	c.mu.Unlock()

	peer, err := rtc.NewPeerSession(c.api, c.cfg.RTC.Configuration(), rtc.RoleClient, &mediaHandler{c: c}, conn)
	if err != nil {
		return err
	}
	c.mu.Lock()
	early := c.early
	c.early = nil
	c.mu.Unlock()
	for _, cand := range early {
		if err := peer.AddICECandidate(cand); err != nil {
			c.logger.Warn().Err(err).Msg("early candidate rejected")
		}
	}
	// The voice track must exist before the offer is applied so it lands on
	// the server's receiving m-line.
	c.pipeline.AddDestination(peer.LocalTrack())

	sdp, err := peer.CreateAnswer(*msg.SDP)
	if err != nil {
		c.pipeline.ClearDestinations()
		_ = peer.Close()
		return err
	}
	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()
	return conn.Send(core.AnswerMessage(sdp))
}

func (c *Client) closePeer() {
	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()
	if peer == nil {
		return
	}
	c.pipeline.ClearDestinations()
	_ = peer.Close()
}

func (c *Client) slotOf(trackID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slots[trackID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrUnknownTrack, trackID)
	}
	return slot, nil
}

// slotMap indexes the offer's track list by track id.
func slotMap(tracks []core.TrackSlot) (map[string]int, error) {
	out := make(map[string]int, len(tracks))
	for _, t := range tracks {
		if t.Slot < 0 || t.Slot >= core.RoomSize {
			return nil, fmt.Errorf("%w: track %s slot %d", core.ErrInvalidSlot, t.TrackID, t.Slot)
		}
		out[t.TrackID] = t.Slot
	}
	return out, nil
}

type mediaHandler struct {
	core.UnimplementedMediaHandler
	c *Client
}

func (h *mediaHandler) OnConnectionStateChange(s core.ConnectionState) {
	h.c.logger.Info().Str("state", s.String()).Msg("media state")
}

func (h *mediaHandler) OnTrack(track core.RemoteTrack) {
	slot, err := h.c.slotOf(track.ID())
	if err != nil {
		h.c.logger.Error().Err(err).Msg("remote track not mapped")
		return
	}
	h.c.mu.Lock()
	g, ctx := h.c.group, h.c.ctx
	h.c.mu.Unlock()
	if g == nil {
		return
	}
	h.c.logger.Info().Int("slot", slot).Str("track", track.ID()).Msg("playing slot")
	g.Go(func() error {
		if err := h.c.pipeline.RunPlayback(ctx, slot, track); err != nil {
			h.c.logger.Debug().Err(err).Int("slot", slot).Msg("playback ended")
		}
		return nil
	})
}
