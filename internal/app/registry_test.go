package app

import (
	"context"
	"sync"
	"testing"

	"github.com/dkeye/voicechat/internal/core"
	"github.com/dkeye/voicechat/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	err    error
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type ownerStub struct{ left int }

func (o *ownerStub) LeaveAudio(context.Context) { o.left++ }

func TestRemoveDropsOnlyThatConnection(t *testing.T) {
	t.Parallel()
	p := NewPresence(nil)
	user := domain.User{ID: "u1", Username: "ann"}
	oldConn, newConn := &fakeConn{}, &fakeConn{}

	p.Register(user, oldConn)
	p.Register(user, newConn)
	if p.Remove("someone-else", oldConn) {
		t.Fatal("Remove with a foreign user id must not delete the connection")
	}
	if !p.Remove(user.ID, newConn) {
		t.Fatal("Remove of the newer connection failed")
	}
	if p.Remove(user.ID, newConn) {
		t.Fatal("second Remove of the same connection succeeded")
	}
	if got := p.Users(); len(got) != 1 || got[0].ID != "u1" {
		t.Fatalf("Users() = %+v, want u1 still connected through the old connection", got)
	}

	p.Broadcast(core.Message{Type: core.MsgPong}, "")
	if oldConn.count() != 1 || newConn.count() != 0 {
		t.Fatalf("broadcast frames old=%d new=%d, want 1 and 0", oldConn.count(), newConn.count())
	}

	if !p.Remove(user.ID, oldConn) {
		t.Fatal("Remove of the last connection failed")
	}
	if len(p.Users()) != 0 {
		t.Fatalf("Users() = %+v, want none", p.Users())
	}
}

func TestClosingNewerConnectionKeepsVoice(t *testing.T) {
	t.Parallel()
	p := NewPresence(nil)
	user := domain.User{ID: "u1"}
	seated, extra := &fakeConn{}, &fakeConn{}
	owner := &ownerStub{}

	p.Register(user, seated)
	if !p.SetRoom(user.ID, Voice{Channel: domain.Channel{ID: "c1"}, Owner: owner}) {
		t.Fatal("SetRoom failed")
	}
	p.Register(user, extra)
	p.Remove(user.ID, extra)

	v, ok := p.RoomOf(user.ID)
	if !ok || v.Owner != owner {
		t.Fatalf("RoomOf = %+v, %v, want the seated owner", v, ok)
	}
}

func TestClearRoomComparesOwner(t *testing.T) {
	t.Parallel()
	p := NewPresence(nil)
	user := domain.User{ID: "u1"}
	p.Register(user, &fakeConn{})

	first, second := &ownerStub{}, &ownerStub{}
	p.SetRoom(user.ID, Voice{Channel: domain.Channel{ID: "c1"}, Slot: 2, Owner: first})
	p.SetRoom(user.ID, Voice{Channel: domain.Channel{ID: "c2"}, Slot: 0, Owner: second})

	if p.ClearRoom(user.ID, first) {
		t.Fatal("ClearRoom by a previous owner must be ignored")
	}
	v, ok := p.RoomOf(user.ID)
	if !ok || v.Channel.ID != "c2" || v.Owner != second {
		t.Fatalf("RoomOf = %+v, %v", v, ok)
	}
	if !p.ClearRoom(user.ID, second) {
		t.Fatal("ClearRoom by the owner failed")
	}
	if _, ok := p.RoomOf(user.ID); ok {
		t.Fatal("voice record still present")
	}
}

func TestSetRoomUnknownUser(t *testing.T) {
	t.Parallel()
	p := NewPresence(nil)
	if p.SetRoom("ghost", Voice{}) {
		t.Fatal("SetRoom for an unregistered user succeeded")
	}
}

func TestBroadcastSkipsSenderAndAppliesPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		policy     Policy
		wantClosed bool
	}{
		{"kick", SimplePolicy{}, true},
		{"drop", LenientPolicy{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewPresence(tt.policy)
			self, peer, slow := &fakeConn{}, &fakeConn{}, &fakeConn{err: core.ErrBackpressure}
			p.Register(domain.User{ID: "self"}, self)
			p.Register(domain.User{ID: "peer"}, peer)
			p.Register(domain.User{ID: "slow"}, slow)

			p.Broadcast(core.Message{Type: core.MsgPong}, "self")

			if self.count() != 0 {
				t.Fatal("broadcast reached the excluded user")
			}
			if peer.count() != 1 {
				t.Fatalf("peer got %d frames, want 1", peer.count())
			}
			if slow.closed != tt.wantClosed {
				t.Fatalf("slow closed = %v, want %v", slow.closed, tt.wantClosed)
			}
		})
	}
}
