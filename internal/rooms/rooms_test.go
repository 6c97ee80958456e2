package rooms

import (
	"errors"
	"testing"
	"time"

	"github.com/fruitsalade/fruitsalade/livesync/internal/fileid"
	"github.com/fruitsalade/fruitsalade/livesync/internal/protocol"
)

func register(m *Manager, ids ...string) map[string]*Outbox {
	boxes := make(map[string]*Outbox, len(ids))
	for _, id := range ids {
		box := NewOutbox(id, DefaultOutboxSize)
		m.Register(box)
		boxes[id] = box
	}
	return boxes
}

func drain(box *Outbox) []protocol.Message {
	var msgs []protocol.Message
	for {
		select {
		case msg, ok := <-box.C():
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestJoinLeave(t *testing.T) {
	m := NewManager()
	register(m, "s1", "s2")
	file := fileid.MustParse("/a.js")

	if joined, err := m.Join("s1", file); err != nil || !joined {
		t.Fatalf("first join: %v %v", joined, err)
	}
	if joined, _ := m.Join("s1", file); joined {
		t.Error("second join should report already a member")
	}
	m.Join("s2", file)

	if got := m.Members(file); len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("expected [s1 s2], got %v", got)
	}

	if !m.Leave("s1", file) {
		t.Error("leave should report membership")
	}
	if m.Leave("s1", file) {
		t.Error("second leave should report no membership")
	}
	if m.IsMember("s1", file) {
		t.Error("s1 still a member after leave")
	}

	m.Leave("s2", file)
	if m.RoomCount() != 0 {
		t.Errorf("empty room should be dropped, got %d rooms", m.RoomCount())
	}
}

func TestJoinUnknownSession(t *testing.T) {
	m := NewManager()
	if _, err := m.Join("ghost", fileid.MustParse("/a")); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestSessionInManyRooms(t *testing.T) {
	m := NewManager()
	register(m, "s1", "s2")
	a, b := fileid.MustParse("/a.js"), fileid.MustParse("/b.js")
	m.Join("s1", a)
	m.Join("s1", b)
	m.Join("s2", b)

	if got := m.Rooms("s1"); len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("expected [a b], got %v", got)
	}

	left := m.Unregister("s1")
	if len(left) != 2 {
		t.Errorf("expected to leave 2 rooms, got %v", left)
	}
	if m.Count() != 1 {
		t.Errorf("expected 1 session, got %d", m.Count())
	}
	if got := m.Members(b); len(got) != 1 || got[0] != "s2" {
		t.Errorf("expected [s2] in b, got %v", got)
	}
	if len(m.Members(a)) != 0 {
		t.Error("room a should be empty")
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	m := NewManager()
	boxes := register(m, "s1", "s2", "s3", "outsider")
	file := fileid.MustParse("/shared.txt")
	for _, id := range []string{"s1", "s2", "s3"} {
		m.Join(id, file)
	}

	msg := protocol.MustNew(protocol.TypeCodeUpdate, protocol.CodeUpdate{Code: "x", ChangeBy: "s1"})
	if n := m.Broadcast(file, msg, "s1"); n != 2 {
		t.Errorf("expected 2 recipients, got %d", n)
	}

	if got := drain(boxes["s1"]); len(got) != 0 {
		t.Errorf("sender received %d messages", len(got))
	}
	if got := drain(boxes["outsider"]); len(got) != 0 {
		t.Errorf("non-member received %d messages", len(got))
	}
	for _, id := range []string{"s2", "s3"} {
		got := drain(boxes[id])
		if len(got) != 1 || got[0].Type != protocol.TypeCodeUpdate {
			t.Errorf("%s: expected one code-update, got %v", id, got)
		}
	}
}

func TestBroadcastClosesSlowConsumer(t *testing.T) {
	m := NewManager()
	slow := NewOutbox("slow", 4)
	m.Register(slow)
	boxes := register(m, "sender", "fast")
	file := fileid.MustParse("/overflow.txt")
	m.Join("slow", file)
	m.Join("sender", file)
	m.Join("fast", file)

	msg := protocol.MustNew(protocol.TypeCodeUpdate, protocol.CodeUpdate{Code: "x"})
	delivered := 0
	for i := 0; i < 10; i++ {
		delivered += m.Broadcast(file, msg, "sender")
	}

	// Should not block or panic
	if delivered != 14 {
		t.Errorf("expected 14 delivered (4 slow + 10 fast), got %d", delivered)
	}
	if got := len(drain(slow)); got != 4 {
		t.Errorf("expected 4 buffered messages, got %d", got)
	}
	if _, ok := <-slow.C(); ok {
		t.Error("expected slow session's outbox to be closed")
	}
	if err := slow.Send(msg); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after overflow, got %v", err)
	}
	if got := len(drain(boxes["fast"])); got != 10 {
		t.Errorf("fast session should get every message, got %d", got)
	}
}

func TestSendClosesSlowConsumer(t *testing.T) {
	m := NewManager()
	box := NewOutbox("s1", 1)
	m.Register(box)
	msg := protocol.Message{Type: "x"}

	if err := m.Send("s1", msg); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := m.Send("s1", msg); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
	if err := m.Send("s1", msg); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed once dropped, got %v", err)
	}
}

func TestNotifyPresence(t *testing.T) {
	m := NewManager()
	boxes := register(m, "s1", "s2")
	file := fileid.MustParse("/a")
	m.Join("s1", file)
	m.Join("s2", file)

	m.NotifyPresence(file, protocol.TypeUserJoined, "s2")

	select {
	case msg := <-boxes["s1"].C():
		var p protocol.Presence
		if err := msg.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if msg.Type != protocol.TypeUserJoined || p.SocketID != "s2" {
			t.Errorf("unexpected presence: %s %+v", msg.Type, p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence")
	}
	if len(drain(boxes["s2"])) != 0 {
		t.Error("joining session should not see its own presence")
	}
}

func TestSend(t *testing.T) {
	m := NewManager()
	boxes := register(m, "s1")

	if err := m.Send("s1", protocol.MustNew(protocol.TypeError, protocol.Error{Message: "x"})); err != nil {
		t.Fatal(err)
	}
	if len(drain(boxes["s1"])) != 1 {
		t.Error("expected one message")
	}
	if err := m.Send("missing", protocol.Message{Type: "x"}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestOutboxClose(t *testing.T) {
	box := NewOutbox("s1", 1)
	box.Close()
	box.Close()

	if err := box.Send(protocol.Message{Type: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, ok := <-box.C(); ok {
		t.Error("channel should be closed")
	}
}
