// Package presence owns the registry of live realtime connections and the
// roster broadcast that keeps every connected client's "who is online" view
// current.
package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"artpulse/internal/logx"
	"artpulse/internal/mqx"
)

var presenceLogger = logx.GetScope("presence")

// Conn is one live realtime connection as seen by the broker. Send must be
// non-blocking and best-effort; a dropped frame is the transport's problem.
type Conn interface {
	ID() string
	Send(event string, data any)
}

// Identity is what a client announces about itself. Either field may be
// empty; the broker fills in a guest identity.
type Identity struct {
	UserID   string
	Username string
}

// Entry is one announced connection in the registry.
type Entry struct {
	ConnID   string
	UserID   string
	Username string
	JoinedAt time.Time
}

// UserInfo is the broadcast projection of an Entry.
type UserInfo struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Snapshot is a point-in-time projection of the registry.
type Snapshot struct {
	Count int        `json:"count"`
	Users []UserInfo `json:"users"`
}

// OnlineSink receives the connection count after roster changes. The broker
// never blocks on it and swallows its failures.
type OnlineSink interface {
	UpdateOnlineCount(ctx context.Context, count int) error
}

const eventOnlineUsers = "online-users"

// Broker tracks attached connections and announced entries. All registry
// access goes through the mutex, and every broadcast fans out before the
// lock is released, so each connection observes roster frames in the order
// the registry changed. Conn.Send is non-blocking, which keeps the fan-out
// under the lock cheap.
type Broker struct {
	mu      sync.Mutex
	conns   map[string]Conn
	entries map[string]*Entry
	order   []string // conn ids in announce order, for stable roster rendering

	sink     OnlineSink
	events   mqx.Publisher
	debounce time.Duration
	notify   chan struct{}
	now      func() time.Time
}

type Option func(*Broker)

// WithClock overrides the broker clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithDebounce sets the minimum interval between online-count pushes.
func WithDebounce(d time.Duration) Option {
	return func(b *Broker) { b.debounce = d }
}

// WithPublisher enables presence.changed event publication.
func WithPublisher(pub mqx.Publisher) Option {
	return func(b *Broker) { b.events = pub }
}

func NewBroker(sink OnlineSink, opts ...Option) *Broker {
	b := &Broker{
		conns:    make(map[string]Conn),
		entries:  make(map[string]*Entry),
		sink:     sink,
		debounce: 250 * time.Millisecond,
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// SetDebounce adjusts the push interval at runtime.
func (b *Broker) SetDebounce(d time.Duration) {
	b.mu.Lock()
	b.debounce = d
	b.mu.Unlock()
}

// Attach registers a live connection and immediately sends it the current
// roster, so a new client never waits for someone else's announce.
func (b *Broker) Attach(c Conn) {
	b.mu.Lock()
	b.conns[c.ID()] = c
	c.Send(eventOnlineUsers, b.snapshotLocked())
	b.mu.Unlock()
}

// Announce registers or overwrites the identity for a live connection and
// broadcasts the new roster to everyone. Missing identity fields default to
// a guest identity; presence is advisory, never rejected.
func (b *Broker) Announce(connID string, id Identity) {
	now := b.now()
	if id.UserID == "" {
		id.UserID = "guest-" + strconv.FormatInt(now.UnixMilli(), 10)
	}
	if id.Username == "" {
		id.Username = "Guest"
	}

	b.mu.Lock()
	if prev, ok := b.entries[connID]; ok {
		// re-announce overwrites in place and keeps the roster position
		prev.UserID = id.UserID
		prev.Username = id.Username
	} else {
		b.entries[connID] = &Entry{ConnID: connID, UserID: id.UserID, Username: id.Username, JoinedAt: now}
		b.order = append(b.order, connID)
	}
	b.deliverLocked("", eventOnlineUsers, b.snapshotLocked())
	b.mu.Unlock()

	b.signal()
}

// Detach removes a connection. The roster is re-broadcast only when an
// announced entry was actually removed; anonymous disconnects stay silent.
func (b *Broker) Detach(connID string) {
	b.mu.Lock()
	delete(b.conns, connID)
	_, announced := b.entries[connID]
	if announced {
		delete(b.entries, connID)
		for i, id := range b.order {
			if id == connID {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
		b.deliverLocked("", eventOnlineUsers, b.snapshotLocked())
	}
	b.mu.Unlock()

	if announced {
		b.signal()
	}
}

// Snapshot returns the current roster. Read-only, no side effects.
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Broadcast fans an event out to every attached connection.
func (b *Broker) Broadcast(event string, data any) {
	b.mu.Lock()
	b.deliverLocked("", event, data)
	b.mu.Unlock()
}

// Relay fans an event out to every attached connection except the sender.
func (b *Broker) Relay(senderID, event string, data any) {
	b.mu.Lock()
	b.deliverLocked(senderID, event, data)
	b.mu.Unlock()
}

func (b *Broker) snapshotLocked() Snapshot {
	users := lo.Map(b.order, func(connID string, _ int) UserInfo {
		e := b.entries[connID]
		return UserInfo{ID: e.UserID, Username: e.Username, JoinedAt: e.JoinedAt}
	})
	return Snapshot{Count: len(b.entries), Users: users}
}

// deliverLocked fans an event out while the registry lock is held. Releasing
// the lock first would let two concurrent roster changes hand a client its
// frames in the wrong order, leaving a stale roster as the last word.
func (b *Broker) deliverLocked(excludeID, event string, data any) {
	for id, c := range b.conns {
		if id == excludeID {
			continue
		}
		c.Send(event, data)
	}
}

// signal wakes the count pusher. The buffered-1 channel coalesces a storm of
// roster changes into a single pending push.
func (b *Broker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Run drives the debounced online-count push until ctx is cancelled. A
// failed push is logged and swallowed; the broadcast path never waits on it.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.notify:
		}

		b.mu.Lock()
		wait := b.debounce
		b.mu.Unlock()
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		b.push(ctx)
	}
}

func (b *Broker) push(ctx context.Context) {
	b.mu.Lock()
	count := len(b.entries)
	b.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := b.sink.UpdateOnlineCount(pctx, count); err != nil {
		presenceLogger.Warn("online count push failed", zap.Int("count", count), zap.Error(err))
	}
	if b.events != nil {
		evt, _ := json.Marshal(map[string]any{"type": "presence.changed", "online": count})
		if err := b.events.Publish(pctx, "presence.changed", evt); err != nil {
			presenceLogger.Sugar().Warnf("publish presence.changed: %v", err)
		}
	}
}
