package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dkeye/voicechat/internal/app"
	"github.com/dkeye/voicechat/internal/app/sfu"
	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/core/mocks"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/mock/gomock"
)

type sinkConn struct {
	mu   sync.Mutex
	msgs []core.Message
}

func (c *sinkConn) TrySend(f core.Frame) error {
	var m core.Message
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *sinkConn) Close() {}

func (c *sinkConn) ofType(t core.MessageType) []core.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []core.Message
	for _, m := range c.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *sinkConn) lastError() core.ErrorKind {
	errs := c.ofType(core.MsgError)
	if len(errs) == 0 {
		return ""
	}
	return errs[len(errs)-1].Err
}

type nopWriter struct{}

func (nopWriter) WriteRTP(*rtp.Packet) error { return nil }

type fakePeer struct {
	handler core.MediaHandler
	inbound core.TrackSet

	mu     sync.Mutex
	closed bool
	remote *webrtc.SessionDescription
	cands  int
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (p *fakePeer) CreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}

func (p *fakePeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrConnectionNotInitialized
	}
	p.remote = &sd
	return nil
}

func (p *fakePeer) AddICECandidate(webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cands++
	return nil
}

func (p *fakePeer) InboundTracks() core.TrackSet { return p.inbound }

func (p *fakePeer) TrackSlots() []core.TrackSlot {
	out := make([]core.TrackSlot, 0, core.RoomSize)
	for i := range core.RoomSize {
		out = append(out, core.TrackSlot{TrackID: string(rune('a' + i)), Slot: i})
	}
	return out
}

func (p *fakePeer) State() core.ConnectionState { return core.StateConnecting }

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close reports Closed synchronously, like the real session does when
// nothing else beat it to the state change.
func (p *fakePeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	for _, t := range p.inbound {
		t.Release()
	}
	p.handler.OnConnectionStateChange(core.StateClosed)
	return nil
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeer(h core.MediaHandler, _ core.SignalConnection) (core.MediaSession, error) {
	p := &fakePeer{handler: h}
	for i := range p.inbound {
		p.inbound[i] = core.NewInboundTrack(i, nopWriter{})
	}
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

type denyAll struct{}

func (denyAll) Allow(domain.UserID) bool { return false }

var channels = map[domain.ChannelID]*domain.Channel{
	"c1":     {ID: "c1", ServerID: "s1", Name: "General"},
	"c2":     {ID: "c2", ServerID: "s1", Name: "Games"},
	"secret": {ID: "secret", ServerID: "s1", Name: "Staff", Hidden: true},
}

type fixture struct {
	o       *Orchestrator
	factory *fakeFactory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	dir := mocks.NewMockChannelDirectory(ctrl)
	dir.EXPECT().GetChannel(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ domain.ServerID, id domain.ChannelID) (*domain.Channel, error) {
			return channels[id], nil
		}).AnyTimes()

	perms := mocks.NewMockPermissionChecker(ctrl)
	perms.EXPECT().HasPermission(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ domain.UserID, _ domain.ServerID, p domain.Permission) (bool, error) {
			return p == domain.PermJoinAudioChannel, nil
		}).AnyTimes()

	f := &fakeFactory{}
	return &fixture{
		factory: f,
		o: &Orchestrator{
			Rooms:       app.NewRoomRegistry(),
			Presence:    app.NewPresence(app.LenientPolicy{}),
			Relays:      sfu.NewRelayManager(sfu.DefaultConfig()),
			Permissions: perms,
			Channels:    dir,
			Peers:       f,
		},
	}
}

func (f *fixture) connect(id string) (*Session, *sinkConn) {
	conn := &sinkConn{}
	user := domain.User{ID: domain.UserID(id), Username: id}
	return f.o.NewSession(context.Background(), user, conn), conn
}

func joinMsg(ch domain.ChannelID) core.Message {
	return core.JoinMessage("s1", ch)
}

func TestJoinAssignsSlotsAndSendsOffer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a, connA := f.connect("a")
	a.Handle(ctx, joinMsg("c1"))
	offers := connA.ofType(core.MsgWebRTCOffer)
	if len(offers) != 1 {
		t.Fatalf("A got %d offers, want 1", len(offers))
	}
	if len(offers[0].Tracks) != core.RoomSize || offers[0].SDP == nil {
		t.Fatalf("offer = %+v", offers[0])
	}
	if a.State() != StateNegotiating {
		t.Fatalf("A state = %v, want negotiating", a.State())
	}

	b, _ := f.connect("b")
	b.Handle(ctx, joinMsg("c1"))

	room, _ := f.o.Rooms.Get("s1", "c1")
	if slot, _ := room.SlotOf("a"); slot != 0 {
		t.Fatalf("A slot = %d, want 0", slot)
	}
	if slot, _ := room.SlotOf("b"); slot != 1 {
		t.Fatalf("B slot = %d, want 1", slot)
	}

	joined := connA.ofType(core.MsgUserJoinedAudioChannel)
	if len(joined) != 1 || joined[0].User == nil || joined[0].User.ID != "b" || *joined[0].Slot != 1 {
		t.Fatalf("A presence notices = %+v", joined)
	}
}

func TestEleventhJoinRoomFull(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i := range core.RoomSize {
		s, conn := f.connect(string(rune('a' + i)))
		s.Handle(ctx, joinMsg("c1"))
		if kind := conn.lastError(); kind != "" {
			t.Fatalf("join %d failed: %s", i, kind)
		}
	}

	late, conn := f.connect("late")
	late.Handle(ctx, joinMsg("c1"))
	if kind := conn.lastError(); kind != core.ErrKindRoomFull {
		t.Fatalf("error = %q, want room_full", kind)
	}
	if !f.factory.last().isClosed() {
		t.Fatal("peer of the rejected join was not discarded")
	}
	if late.State() != StateIdle {
		t.Fatalf("state = %v, want idle", late.State())
	}
	if _, ok := f.o.Presence.RoomOf("late"); ok {
		t.Fatal("rejected user recorded in presence")
	}
	if len(conn.ofType(core.MsgWebRTCOffer)) != 0 {
		t.Fatal("rejected user received an offer")
	}
	if len(conn.ofType(core.MsgClose)) != 0 {
		t.Fatal("rejected user received a close notice")
	}
}

func TestHiddenChannelNeedsPermission(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, conn := f.connect("a")
	s.Handle(context.Background(), joinMsg("secret"))
	if kind := conn.lastError(); kind != core.ErrKindNotAuthorized {
		t.Fatalf("error = %q, want not_authorized", kind)
	}
	if len(f.factory.peers) != 0 {
		t.Fatal("a peer was created for an unauthorized join")
	}
}

func TestUnknownChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, conn := f.connect("a")
	s.Handle(context.Background(), joinMsg("nope"))
	if kind := conn.lastError(); kind != core.ErrKindNotFound {
		t.Fatalf("error = %q, want not_found", kind)
	}
}

func TestRateLimitedJoin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.o.Limiter = denyAll{}
	s, conn := f.connect("a")
	s.Handle(context.Background(), joinMsg("c1"))
	if kind := conn.lastError(); kind != core.ErrKindRateLimited {
		t.Fatalf("error = %q, want rate_limited", kind)
	}
}

func TestAnswerAndCandidateWithoutPeer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, conn := f.connect("a")
	ctx := context.Background()

	sdp := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}
	s.Handle(ctx, core.AnswerMessage(sdp))
	if kind := conn.lastError(); kind != core.ErrKindConnectionNotInitialized {
		t.Fatalf("answer error = %q", kind)
	}
	s.Handle(ctx, core.CandidateMessage(webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	if n := len(conn.ofType(core.MsgError)); n != 2 {
		t.Fatalf("error replies = %d, want 2", n)
	}
}

func TestAnswerAppliedToPeer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, conn := f.connect("a")
	ctx := context.Background()
	s.Handle(ctx, joinMsg("c1"))

	s.Handle(ctx, core.AnswerMessage(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}))
	s.Handle(ctx, core.CandidateMessage(webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	if kind := conn.lastError(); kind != "" {
		t.Fatalf("unexpected error %q", kind)
	}
	p := f.factory.last()
	if p.remote == nil || p.cands != 1 {
		t.Fatalf("peer remote=%v cands=%d", p.remote, p.cands)
	}

	p.handler.OnConnectionStateChange(core.StateConnected)
	if s.State() != StateConnected {
		t.Fatalf("state = %v, want connected", s.State())
	}
}

func TestPeerClosedFreesSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.connect("a")
	b, connB := f.connect("b")
	a.Handle(ctx, joinMsg("c1"))
	b.Handle(ctx, joinMsg("c1"))

	peerA := f.factory.peers[0]
	_ = peerA.Close()

	room, _ := f.o.Rooms.Get("s1", "c1")
	if _, ok := room.SlotOf("a"); ok {
		t.Fatal("A still holds a slot after its peer closed")
	}
	if a.State() != StateIdle {
		t.Fatalf("A state = %v, want idle", a.State())
	}
	if _, ok := f.o.Presence.RoomOf("a"); ok {
		t.Fatal("presence still lists A in a room")
	}
	left := connB.ofType(core.MsgUserLeftAudioChannel)
	if len(left) != 1 || left[0].User.ID != "a" {
		t.Fatalf("B leave notices = %+v", left)
	}

	// the freed slot is reused first
	c, _ := f.connect("c")
	c.Handle(ctx, joinMsg("c1"))
	if slot, _ := room.SlotOf("c"); slot != 0 {
		t.Fatalf("C slot = %d, want 0", slot)
	}
}

func TestPeerFailedTearsDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, _ := f.connect("a")
	a.Handle(context.Background(), joinMsg("c1"))

	p := f.factory.last()
	p.handler.OnConnectionStateChange(core.StateFailed)
	if !p.isClosed() {
		t.Fatal("failed peer not closed")
	}
	room, _ := f.o.Rooms.Get("s1", "c1")
	if room.OccupantCount() != 0 {
		t.Fatal("slot not freed after failure")
	}
}

func TestSwitchingChannelLeavesFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.connect("a")
	a.Handle(ctx, joinMsg("c1"))
	first := f.factory.last()
	a.Handle(ctx, joinMsg("c2"))

	c1, _ := f.o.Rooms.Get("s1", "c1")
	c2, _ := f.o.Rooms.Get("s1", "c2")
	if c1.OccupantCount() != 0 || c2.OccupantCount() != 1 {
		t.Fatalf("occupants c1=%d c2=%d, want 0 and 1", c1.OccupantCount(), c2.OccupantCount())
	}
	if !first.isClosed() {
		t.Fatal("previous peer left open")
	}

	// late events from the replaced peer are ignored
	first.handler.OnConnectionStateChange(core.StateClosed)
	first.handler.OnConnectionStateChange(core.StateConnected)
	if c2.OccupantCount() != 1 || a.State() != StateNegotiating {
		t.Fatalf("stale callback changed state: occupants=%d state=%v", c2.OccupantCount(), a.State())
	}
	v, ok := f.o.Presence.RoomOf("a")
	if !ok || v.Channel.ID != "c2" {
		t.Fatalf("presence = %+v, %v", v, ok)
	}
}

func TestSecondConnectionOfSameUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	s1, _ := f.connect("a")
	s1.Handle(ctx, joinMsg("c1"))
	s2, _ := f.connect("a")
	s2.Handle(ctx, joinMsg("c1"))

	room, _ := f.o.Rooms.Get("s1", "c1")
	if room.OccupantCount() != 1 {
		t.Fatalf("occupants = %d, want 1", room.OccupantCount())
	}
	if s1.State() != StateIdle {
		t.Fatalf("first connection state = %v, want idle", s1.State())
	}
	v, ok := f.o.Presence.RoomOf("a")
	if !ok || v.Owner != app.VoiceOwner(s2) {
		t.Fatal("voice not owned by the second connection")
	}

	// the first connection going away keeps the second one registered
	s1.Close()
	if _, ok := f.o.Presence.RoomOf("a"); !ok {
		t.Fatal("closing the old connection cleared the new one")
	}
}

func TestClosingIdleConnectionKeepsSeatTracked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seated, _ := f.connect("a")
	seated.Handle(ctx, joinMsg("c1"))

	idle, _ := f.connect("a")
	idle.Close()

	third, _ := f.connect("a")
	third.Handle(ctx, joinMsg("c2"))

	c1, _ := f.o.Rooms.Get("s1", "c1")
	c2, _ := f.o.Rooms.Get("s1", "c2")
	if _, ok := c1.SlotOf("a"); ok {
		t.Fatal("user still seated in c1 after joining c2 from another connection")
	}
	if _, ok := c2.SlotOf("a"); !ok {
		t.Fatal("user not seated in c2")
	}
	if seated.State() != StateIdle {
		t.Fatalf("first connection state = %v, want idle", seated.State())
	}
	v, ok := f.o.Presence.RoomOf("a")
	if !ok || v.Owner != app.VoiceOwner(third) || v.Channel.ID != "c2" {
		t.Fatalf("presence = %+v, %v", v, ok)
	}
}

func TestMuteSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	a, connA := f.connect("a")

	a.Handle(ctx, core.MuteMessage(1, true))
	if kind := connA.lastError(); kind != core.ErrKindConnectionNotInitialized {
		t.Fatalf("mute before join: error = %q", kind)
	}

	a.Handle(ctx, joinMsg("c1"))
	peerA := f.factory.last()
	b, _ := f.connect("b")
	b.Handle(ctx, joinMsg("c1"))

	a.Handle(ctx, core.MuteMessage(1, true))
	if st := peerA.inbound[1].State(); st != core.TrackStateMuted {
		t.Fatalf("slot 1 handle state = %d, want muted", st)
	}
	a.Handle(ctx, core.MuteMessage(1, false))
	if st := peerA.inbound[1].State(); st != core.TrackStateOk {
		t.Fatalf("slot 1 handle state = %d, want ok", st)
	}

	a.Handle(ctx, core.MuteMessage(0, true))
	if kind := connA.lastError(); kind != core.ErrKindBadPayload {
		t.Fatalf("muting own slot: error = %q, want bad_payload", kind)
	}
}

func TestDisconnectEndsLoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	s, conn := f.connect("a")
	s.Handle(ctx, joinMsg("c1"))

	if !s.Handle(ctx, core.Message{Type: core.MsgDisconnectFromAudioChannel}) {
		t.Fatal("disconnect_from_audio_channel ended the loop")
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want idle", s.State())
	}
	if s.Handle(ctx, core.Message{Type: core.MsgDisconnect}) {
		t.Fatal("disconnect kept the loop running")
	}
	s.Handle(ctx, core.Message{Type: core.MsgPing})
	if len(conn.ofType(core.MsgPong)) != 1 {
		t.Fatal("ping not answered")
	}
}

func TestUnexpectedMessageIsBadPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	s, conn := f.connect("a")
	s.Handle(context.Background(), core.Message{Type: core.MsgWebRTCOffer})
	if kind := conn.lastError(); kind != core.ErrKindBadPayload {
		t.Fatalf("error = %q, want bad_payload", kind)
	}
}
