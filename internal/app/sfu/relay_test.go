package sfu

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

type chanTrack struct {
	id string
	ch chan *rtp.Packet
}

func newChanTrack(id string) *chanTrack {
	return &chanTrack{id: id, ch: make(chan *rtp.Packet, 16)}
}

func (t *chanTrack) ID() string { return t.id }

func (t *chanTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

type recordingWriter struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	at      []time.Time
}

func (w *recordingWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.packets = append(w.packets, p)
	w.at = append(w.at, time.Now())
	return nil
}

func (w *recordingWriter) snapshot() ([]*rtp.Packet, []time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*rtp.Packet(nil), w.packets...), append([]time.Time(nil), w.at...)
}

// listener is one occupant with a recording writer behind every slot handle.
type listener struct {
	set     core.TrackSet
	writers [core.RoomSize]*recordingWriter
}

func newListener() *listener {
	l := &listener{}
	for i := range l.set {
		l.writers[i] = &recordingWriter{}
		l.set[i] = core.NewInboundTrack(i, l.writers[i])
	}
	return l
}

func join(t *testing.T, room *core.VoiceRoom, id domain.UserID, l *listener) int {
	t.Helper()
	slot, err := room.Join(domain.Occupant{ID: id}, l.set)
	if err != nil {
		t.Fatalf("Join(%s): %v", id, err)
	}
	return slot
}

func waitPackets(t *testing.T, w *recordingWriter, n int) []*rtp.Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := w.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d packets, want %d", len(got), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func testConfig() Config {
	return Config{PollInterval: 2 * time.Millisecond, Buffer: 8}
}

func TestRelayTwoOccupants(t *testing.T) {
	t.Parallel()
	room := core.NewVoiceRoom("c1")
	a, b := newListener(), newListener()
	slotA := join(t, room, "a", a)
	slotB := join(t, room, "b", b)
	if slotA != 0 || slotB != 1 {
		t.Fatalf("slots = %d,%d want 0,1", slotA, slotB)
	}

	m := NewRelayManager(testConfig())
	srcA, srcB := newChanTrack("a"), newChanTrack("b")
	relayA := m.StartRelay(context.Background(), "a", slotA, srcA, room)
	relayB := m.StartRelay(context.Background(), "b", slotB, srcB, room)

	pa := &rtp.Packet{Header: rtp.Header{SequenceNumber: 7, Timestamp: 960}, Payload: []byte{1, 2, 3}}
	pb := &rtp.Packet{Header: rtp.Header{SequenceNumber: 9}, Payload: []byte{4, 5}}
	srcA.ch <- pa
	srcB.ch <- pb

	gotB := waitPackets(t, b.writers[0], 1)
	gotA := waitPackets(t, a.writers[1], 1)

	wantA, _ := pa.Marshal()
	if raw, _ := gotB[0].Marshal(); !bytes.Equal(raw, wantA) {
		t.Fatal("B did not receive A's packet byte for byte")
	}
	wantB, _ := pb.Marshal()
	if raw, _ := gotA[0].Marshal(); !bytes.Equal(raw, wantB) {
		t.Fatal("A did not receive B's packet byte for byte")
	}

	// nobody hears themselves
	if got, _ := a.writers[0].snapshot(); len(got) != 0 {
		t.Fatalf("A's own slot received %d packets", len(got))
	}
	if got, _ := b.writers[1].snapshot(); len(got) != 0 {
		t.Fatalf("B's own slot received %d packets", len(got))
	}

	close(srcA.ch)
	close(srcB.ch)
	relayA.Wait()
	relayB.Wait()
}

func TestRelayStopsWritingAfterLeave(t *testing.T) {
	t.Parallel()
	room := core.NewVoiceRoom("c1")
	a, b := newListener(), newListener()
	slotA := join(t, room, "a", a)
	join(t, room, "b", b)

	m := NewRelayManager(testConfig())
	src := newChanTrack("a")
	relay := m.StartRelay(context.Background(), "a", slotA, src, room)

	if err := room.Leave("b"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	src.ch <- &rtp.Packet{Payload: []byte{1}}
	close(src.ch)
	relay.Wait()

	if got, _ := b.writers[0].snapshot(); len(got) != 0 {
		t.Fatalf("departed listener received %d packets", len(got))
	}
}

func TestRelayLatencyBoundedByPoll(t *testing.T) {
	t.Parallel()
	room := core.NewVoiceRoom("c1")
	a, b := newListener(), newListener()
	join(t, room, "a", a)
	join(t, room, "b", b)

	cfg := Config{PollInterval: 5 * time.Millisecond, Buffer: 8}
	src := newChanTrack("a")
	relay := NewRelay(src, room, 0, cfg, zerolog.Nop())
	relay.start(context.Background())

	// let the forward task park on an empty buffer first
	time.Sleep(20 * time.Millisecond)
	sent := time.Now()
	src.ch <- &rtp.Packet{Payload: []byte{1}}
	waitPackets(t, b.writers[0], 1)
	_, at := b.writers[0].snapshot()

	if lag := at[0].Sub(sent); lag > 5*time.Millisecond+50*time.Millisecond {
		t.Fatalf("forwarding lag %v exceeds poll interval plus slack", lag)
	}
	relay.stop()
	close(src.ch)
	relay.Wait()
}

func TestStartRelayReplacesPrevious(t *testing.T) {
	t.Parallel()
	room := core.NewVoiceRoom("c1")
	m := NewRelayManager(testConfig())

	first := newChanTrack("1")
	old := m.StartRelay(context.Background(), "a", 0, first, room)
	second := newChanTrack("2")
	cur := m.StartRelay(context.Background(), "a", 0, second, room)
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}

	// stopping with a stale handle leaves the current relay alone
	m.StopRelay("a", old)
	if m.Count() != 1 {
		t.Fatal("stale StopRelay removed the current relay")
	}
	m.StopRelay("a", cur)
	if m.Count() != 0 {
		t.Fatal("relay still registered after StopRelay")
	}

	close(first.ch)
	close(second.ch)
	old.Wait()
	cur.Wait()
}
