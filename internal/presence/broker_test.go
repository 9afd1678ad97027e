package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	Event string
	Data  any
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{Event: event, Data: data})
}

func (f *fakeConn) sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.events...)
}

func (f *fakeConn) rosters() []Snapshot {
	var out []Snapshot
	for _, e := range f.sent() {
		if e.Event == eventOnlineUsers {
			out = append(out, e.Data.(Snapshot))
		}
	}
	return out
}

type fakeSink struct {
	mu     sync.Mutex
	counts []int
	err    error
	pushed chan int
}

func newFakeSink() *fakeSink {
	return &fakeSink{pushed: make(chan int, 16)}
}

func (s *fakeSink) UpdateOnlineCount(_ context.Context, count int) error {
	s.mu.Lock()
	s.counts = append(s.counts, count)
	err := s.err
	s.mu.Unlock()
	s.pushed <- count
	return err
}

func newTestBroker(sink OnlineSink) *Broker {
	return NewBroker(sink, WithDebounce(0))
}

func TestAttachSendsSnapshotImmediately(t *testing.T) {
	b := newTestBroker(newFakeSink())

	c := &fakeConn{id: "c1"}
	b.Attach(c)

	got := c.rosters()
	if len(got) != 1 {
		t.Fatalf("expected 1 roster frame on attach, got %d", len(got))
	}
	if got[0].Count != 0 || len(got[0].Users) != 0 {
		t.Fatalf("expected empty roster, got %+v", got[0])
	}
}

func TestAnnounceBroadcastsToEveryone(t *testing.T) {
	b := newTestBroker(newFakeSink())

	a := &fakeConn{id: "a"}
	c := &fakeConn{id: "b"}
	b.Attach(a)
	b.Attach(c)

	b.Announce("a", Identity{UserID: "u1", Username: "alice"})

	for _, conn := range []*fakeConn{a, c} {
		rosters := conn.rosters()
		last := rosters[len(rosters)-1]
		if last.Count != 1 {
			t.Fatalf("conn %s: count=%d, want 1", conn.id, last.Count)
		}
		if last.Users[0].ID != "u1" || last.Users[0].Username != "alice" {
			t.Fatalf("conn %s: unexpected roster %+v", conn.id, last.Users)
		}
	}
}

func TestAnnounceDefaultsToGuestIdentity(t *testing.T) {
	b := newTestBroker(newFakeSink())
	b.now = func() time.Time { return time.UnixMilli(1700000000000) }

	c := &fakeConn{id: "c1"}
	b.Attach(c)
	b.Announce("c1", Identity{})

	snap := b.Snapshot()
	if snap.Count != 1 {
		t.Fatalf("count=%d, want 1", snap.Count)
	}
	u := snap.Users[0]
	if !strings.HasPrefix(u.ID, "guest-") {
		t.Fatalf("expected guest id, got %q", u.ID)
	}
	if u.ID != "guest-1700000000000" {
		t.Fatalf("guest id should carry the timestamp, got %q", u.ID)
	}
	if u.Username != "Guest" {
		t.Fatalf("username=%q, want Guest", u.Username)
	}
}

func TestReannounceUpdatesNotDuplicates(t *testing.T) {
	b := newTestBroker(newFakeSink())

	c := &fakeConn{id: "c1"}
	b.Attach(c)
	b.Announce("c1", Identity{UserID: "u1", Username: "alice"})
	b.Announce("c1", Identity{UserID: "u1", Username: "alice in wonderland"})

	snap := b.Snapshot()
	if snap.Count != 1 || len(snap.Users) != 1 {
		t.Fatalf("re-announce duplicated the entry: %+v", snap)
	}
	if snap.Users[0].Username != "alice in wonderland" {
		t.Fatalf("latest announce should win, got %q", snap.Users[0].Username)
	}
}

func TestSnapshotPreservesAnnounceOrder(t *testing.T) {
	b := newTestBroker(newFakeSink())

	for _, id := range []string{"c1", "c2", "c3"} {
		b.Attach(&fakeConn{id: id})
	}
	b.Announce("c1", Identity{UserID: "u1", Username: "alice"})
	b.Announce("c2", Identity{UserID: "u2", Username: "bob"})
	b.Announce("c3", Identity{UserID: "u3", Username: "carol"})
	// re-announce must keep c1 first
	b.Announce("c1", Identity{UserID: "u1", Username: "alice2"})

	snap := b.Snapshot()
	want := []string{"u1", "u2", "u3"}
	for i, u := range snap.Users {
		if u.ID != want[i] {
			t.Fatalf("users[%d]=%s, want %s", i, u.ID, want[i])
		}
	}
}

func TestDetachAnnouncedBroadcastsRemoval(t *testing.T) {
	b := newTestBroker(newFakeSink())

	a := &fakeConn{id: "a"}
	c := &fakeConn{id: "b"}
	b.Attach(a)
	b.Attach(c)
	b.Announce("a", Identity{UserID: "u1", Username: "alice"})
	b.Announce("b", Identity{})

	before := len(c.rosters())
	b.Detach("a")

	rosters := c.rosters()
	if len(rosters) != before+1 {
		t.Fatalf("expected a roster broadcast after detach")
	}
	last := rosters[len(rosters)-1]
	if last.Count != 1 {
		t.Fatalf("count=%d, want 1", last.Count)
	}
	if !strings.HasPrefix(last.Users[0].ID, "guest-") {
		t.Fatalf("remaining entry should be the guest, got %+v", last.Users[0])
	}
}

func TestDetachAnonymousIsSilent(t *testing.T) {
	b := newTestBroker(newFakeSink())

	a := &fakeConn{id: "a"}
	c := &fakeConn{id: "b"}
	b.Attach(a)
	b.Attach(c)
	b.Announce("a", Identity{UserID: "u1", Username: "alice"})

	before := len(a.rosters())
	b.Detach("b") // never announced

	if got := len(a.rosters()); got != before {
		t.Fatalf("anonymous detach must not broadcast: %d -> %d frames", before, got)
	}
	if b.Snapshot().Count != 1 {
		t.Fatalf("registry size changed on anonymous detach")
	}
}

func TestDetachUnknownIsNoop(t *testing.T) {
	b := newTestBroker(newFakeSink())
	b.Detach("nope")
	if b.Snapshot().Count != 0 {
		t.Fatalf("unexpected registry state")
	}
}

func TestRelayExcludesSender(t *testing.T) {
	b := newTestBroker(newFakeSink())

	a := &fakeConn{id: "a"}
	c := &fakeConn{id: "b"}
	b.Attach(a)
	b.Attach(c)

	b.Relay("a", "new-message", map[string]any{"message": "hi"})

	for _, e := range a.sent() {
		if e.Event == "new-message" {
			t.Fatalf("sender received its own relayed event")
		}
	}
	var got bool
	for _, e := range c.sent() {
		if e.Event == "new-message" {
			got = true
		}
	}
	if !got {
		t.Fatalf("other connection missed the relayed event")
	}
}

func TestBroadcastReachesAll(t *testing.T) {
	b := newTestBroker(newFakeSink())

	a := &fakeConn{id: "a"}
	c := &fakeConn{id: "b"}
	b.Attach(a)
	b.Attach(c)

	b.Broadcast("art-like-update", map[string]any{"artId": "x"})

	for _, conn := range []*fakeConn{a, c} {
		var got bool
		for _, e := range conn.sent() {
			if e.Event == "art-like-update" {
				got = true
			}
		}
		if !got {
			t.Fatalf("conn %s missed the broadcast", conn.id)
		}
	}
}

// laggyConn stalls inside Send for selected roster frames, widening the
// window in which a concurrent roster change could overtake this one.
type laggyConn struct {
	fakeConn
	lag func(Snapshot)
}

func (l *laggyConn) Send(event string, data any) {
	if snap, ok := data.(Snapshot); ok && l.lag != nil {
		l.lag(snap)
	}
	l.fakeConn.Send(event, data)
}

func TestConcurrentAnnouncesDeliverRostersInOrder(t *testing.T) {
	b := newTestBroker(newFakeSink())

	obs := &laggyConn{fakeConn: fakeConn{id: "obs"}}
	obs.lag = func(snap Snapshot) {
		if snap.Count == 1 {
			time.Sleep(50 * time.Millisecond)
		}
	}
	b.Attach(obs)
	b.Attach(&fakeConn{id: "a"})
	b.Attach(&fakeConn{id: "b"})

	var wg sync.WaitGroup
	for _, ann := range []struct{ connID, userID, username string }{
		{"a", "u1", "alice"},
		{"b", "u2", "bob"},
	} {
		wg.Add(1)
		go func(connID, userID, username string) {
			defer wg.Done()
			b.Announce(connID, Identity{UserID: userID, Username: username})
		}(ann.connID, ann.userID, ann.username)
	}
	wg.Wait()

	rosters := obs.rosters()
	if len(rosters) == 0 {
		t.Fatalf("observer received no roster frames")
	}
	last := rosters[len(rosters)-1]
	if want := b.Snapshot().Count; last.Count != want {
		t.Fatalf("final delivered roster count=%d but registry count=%d (frames=%v)", last.Count, want, rosters)
	}
	// with only announces happening, counts must never regress
	prev := -1
	for i, r := range rosters {
		if r.Count < prev {
			t.Fatalf("roster frame %d regressed to an older roster: %v", i, rosters)
		}
		prev = r.Count
	}
}

func TestRosterChangePushesOnlineCount(t *testing.T) {
	sink := newFakeSink()
	b := newTestBroker(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	c := &fakeConn{id: "c1"}
	b.Attach(c)
	b.Announce("c1", Identity{UserID: "u1"})

	select {
	case n := <-sink.pushed:
		if n != 1 {
			t.Fatalf("pushed count=%d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no count push after announce")
	}

	b.Detach("c1")
	select {
	case n := <-sink.pushed:
		if n != 0 {
			t.Fatalf("pushed count=%d, want 0", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no count push after detach")
	}
}

func TestSinkFailureDoesNotStopBroker(t *testing.T) {
	sink := newFakeSink()
	sink.err = errors.New("store down")
	b := newTestBroker(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	c := &fakeConn{id: "c1"}
	b.Attach(c)
	b.Announce("c1", Identity{UserID: "u1"})

	select {
	case <-sink.pushed:
	case <-time.After(2 * time.Second):
		t.Fatalf("push never attempted")
	}

	// the roster stays correct and responsive regardless of sink health
	if got := b.Snapshot().Count; got != 1 {
		t.Fatalf("registry corrupted after sink failure: %d", got)
	}
	b.Announce("c1", Identity{UserID: "u2"})
	if got := b.Snapshot().Users[0].ID; got != "u2" {
		t.Fatalf("announce after sink failure lost: %s", got)
	}
}
