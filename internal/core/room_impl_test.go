package core

import (
	"errors"
	"testing"

	"github.com/dkeye/Helpline/internal/domain"
)

type fakeSignal struct {
	sent [][]byte
	err  error
}

func (s *fakeSignal) TrySend(f Frame) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSignal) Close() {}

func member(id string, sig SignalConnection) MemberSession {
	u := &domain.User{ID: domain.UserID(id), Username: id}
	return NewMemberSession(domain.NewMember(u, id)).UpdateSignal(sig)
}

func TestRoomBroadcastSkipsSenderAndReportsDrops(t *testing.T) {
	r := NewRoomService(&domain.Room{Name: "support-a-b-00000000"})
	a, b, c := &fakeSignal{}, &fakeSignal{}, &fakeSignal{err: errors.New("full")}
	r.AddMember("s1", member("u1", a))
	r.AddMember("s2", member("u2", b))
	r.AddMember("s3", member("u3", c))

	res := r.Broadcast("s1", Frame(`{"type":"ping"}`))
	if res.SendTo != 1 || len(res.Dropped) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(a.sent) != 0 || len(b.sent) != 1 {
		t.Fatalf("sender got %d, mate got %d", len(a.sent), len(b.sent))
	}
	if got := len(r.Members("s1")); got != 2 {
		t.Fatalf("members excluding sender = %d", got)
	}
}

func TestRoomRejoinReplacesPreviousConnection(t *testing.T) {
	r := NewRoomService(&domain.Room{Name: "room"})
	r.AddMember("old", member("u1", &fakeSignal{}))
	r.AddMember("new", member("u1", &fakeSignal{}))
	if r.MemberCount() != 1 {
		t.Fatalf("count = %d", r.MemberCount())
	}
	// removing the stale sid must not evict the live one
	r.RemoveMember("old")
	if r.MemberCount() != 1 {
		t.Fatalf("count after stale remove = %d", r.MemberCount())
	}
	snap := r.MembersSnapshot()
	if len(snap) != 1 || snap[0].Identity != "u1" {
		t.Fatalf("snapshot = %+v", snap)
	}
	r.RemoveMember("new")
	if r.MemberCount() != 0 {
		t.Fatal("room not empty")
	}
}
