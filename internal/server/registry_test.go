package server

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/litechat/litechat/internal/protocol"
)

// sink captures frames written per fd and decodes their payloads.
type sink struct {
	mu   sync.Mutex
	msgs map[int][]string
	errs map[int]error
}

func newSink() *sink {
	return &sink{msgs: make(map[int][]string), errs: make(map[int]error)}
}

func (s *sink) write(fd int, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[fd]; ok {
		return err
	}
	if len(frame) < 4 {
		panic("short frame")
	}
	n := binary.BigEndian.Uint32(frame[:4])
	if int(n)+4 != len(frame) {
		panic("frame length mismatch")
	}
	s.msgs[fd] = append(s.msgs[fd], string(frame[4:]))
	return nil
}

func (s *sink) got(fd int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs[fd]...)
}

func TestRegistryAddAndIdentity(t *testing.T) {
	sk := newSink()
	r := NewRegistry(sk.write)

	h1 := r.Add(10, "127.0.0.1:1111", time.Now())
	h2 := r.Add(11, "127.0.0.1:2222", time.Now())
	if h1 == h2 {
		t.Fatal("handles must be unique")
	}
	if r.Count() != 2 {
		t.Errorf("expected 2 connections, got %d", r.Count())
	}
	if r.LoggedInCount() != 0 {
		t.Errorf("expected 0 logged in, got %d", r.LoggedInCount())
	}

	nick, admin, ok := r.Identity(h1)
	if !ok || nick != "" || admin {
		t.Errorf("fresh connection should be anonymous, got (%q, %v, %v)", nick, admin, ok)
	}

	r.SetIdentity(h1, "Alice", true)
	nick, admin, _ = r.Identity(h1)
	if nick != "Alice" || !admin {
		t.Errorf("identity not applied, got (%q, %v)", nick, admin)
	}
	if r.LoggedInCount() != 1 {
		t.Errorf("expected 1 logged in, got %d", r.LoggedInCount())
	}

	if _, ok := r.FindByNickname("Alice"); !ok {
		t.Error("FindByNickname missed Alice")
	}
	if _, ok := r.FindByNickname("alice"); ok {
		t.Error("FindByNickname must match the raw form exactly")
	}
}

func TestRegistryIngest(t *testing.T) {
	sk := newSink()
	r := NewRegistry(sk.write)
	start := time.Now()
	h := r.Add(10, "127.0.0.1:1111", start)

	frame := protocol.EncodeString("hello")
	later := start.Add(time.Minute)

	// First half of the frame completes nothing.
	msgs, handle, err := r.Ingest(10, frame[:3], later)
	if err != nil || len(msgs) != 0 || handle != h {
		t.Fatalf("partial ingest: msgs=%v handle=%d err=%v", msgs, handle, err)
	}
	msgs, _, err = r.Ingest(10, frame[3:], later)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || string(msgs[0]) != "hello" {
		t.Errorf("unexpected payloads %q", msgs)
	}

	if idle := r.IdleHandles(later.Add(30*time.Second), time.Minute); len(idle) != 0 {
		t.Errorf("activity timestamp not refreshed, idle=%v", idle)
	}

	// Unknown fd is a no-op (racing close).
	if msgs, handle, err := r.Ingest(99, frame, later); msgs != nil || handle != 0 || err != nil {
		t.Errorf("unknown fd should be ignored, got (%v, %d, %v)", msgs, handle, err)
	}
}

func TestRegistrySendAndBroadcast(t *testing.T) {
	sk := newSink()
	r := NewRegistry(sk.write)
	h1 := r.Add(10, "a", time.Now())
	h2 := r.Add(11, "b", time.Now())
	r.Add(12, "c", time.Now())
	r.SetIdentity(h1, "Alice", false)
	r.SetIdentity(h2, "Bob", false)

	r.Send(h1, "hi alice")
	if got := sk.got(10); len(got) != 1 || got[0] != "hi alice" {
		t.Errorf("unexpected frames for h1: %q", got)
	}

	r.Broadcast("room msg", h1)
	if got := sk.got(10); len(got) != 1 {
		t.Errorf("sender must not receive its own broadcast: %q", got)
	}
	if got := sk.got(11); len(got) != 1 || got[0] != "room msg" {
		t.Errorf("unexpected frames for h2: %q", got)
	}
	// Pre-auth connections receive broadcasts too.
	if got := sk.got(12); len(got) != 1 || got[0] != "room msg" {
		t.Errorf("unexpected frames for fd 12: %q", got)
	}
}

func TestRegistrySendToNicks(t *testing.T) {
	sk := newSink()
	r := NewRegistry(sk.write)
	h1 := r.Add(10, "a", time.Now())
	h2 := r.Add(11, "b", time.Now())
	r.Add(12, "c", time.Now())
	r.SetIdentity(h1, "Alice", false)
	r.SetIdentity(h2, "Bob", false)

	// Group membership keys are lowercased; "carol" is offline and
	// silently skipped.
	r.SendToNicks([]string{"alice", "carol"}, "[club]Bob: hey")

	if got := sk.got(10); len(got) != 1 || got[0] != "[club]Bob: hey" {
		t.Errorf("unexpected frames for Alice: %q", got)
	}
	if got := sk.got(11); len(got) != 0 {
		t.Errorf("Bob should not receive, got %q", got)
	}
}

func TestRegistrySweepPending(t *testing.T) {
	sk := newSink()
	r := NewRegistry(sk.write)
	h1 := r.Add(10, "a", time.Now())
	h2 := r.Add(11, "b", time.Now())
	r.SetIdentity(h1, "Alice", false)

	r.MarkForRemoval(h1)
	r.MarkForRemoval(h1) // duplicate marks collapse
	var closed []int
	removed := r.SweepPending(func(fd int) { closed = append(closed, fd) })

	if len(removed) != 1 || removed[0].Handle != h1 || removed[0].Nickname != "Alice" {
		t.Errorf("unexpected removals %+v", removed)
	}
	if len(closed) != 1 || closed[0] != 10 {
		t.Errorf("unexpected closed fds %v", closed)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 connection left, got %d", r.Count())
	}
	if _, _, ok := r.Identity(h1); ok {
		t.Error("removed handle still resolvable")
	}
	if _, _, ok := r.Identity(h2); !ok {
		t.Error("surviving handle lost")
	}

	if again := r.SweepPending(nil); again != nil {
		t.Errorf("empty sweep should return nil, got %+v", again)
	}
}

func TestRegistryIdleHandles(t *testing.T) {
	sk := newSink()
	r := NewRegistry(sk.write)
	start := time.Now()
	h1 := r.Add(10, "a", start)
	h2 := r.Add(11, "b", start)

	frame := protocol.EncodeString("ping")
	r.Ingest(11, frame, start.Add(200*time.Second))

	idle := r.IdleHandles(start.Add(301*time.Second), 300*time.Second)
	if len(idle) != 1 || idle[0] != h1 {
		t.Errorf("expected only h1 idle, got %v (h2=%d)", idle, h2)
	}
}

func TestRegistrySnapshotOrdered(t *testing.T) {
	sk := newSink()
	r := NewRegistry(sk.write)
	for fd := 20; fd < 25; fd++ {
		r.Add(fd, "x", time.Now())
	}
	infos := r.Snapshot()
	if len(infos) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i-1].Handle >= infos[i].Handle {
			t.Fatalf("snapshot not ordered by handle: %+v", infos)
		}
	}
}
