package stats

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"artpulse/internal/esx"
	"artpulse/internal/mqx"
	"artpulse/pkg"
)

// SessionFlag gates the unique-visitor counter: set on a session's first
// tracked visit and never cleared for that session's lifetime.
type SessionFlag interface {
	Counted() bool
	MarkCounted()
}

// VisitMeta carries request context for the optional visit event document.
type VisitMeta struct {
	UserAgent string
	RequestID string
}

// Analytics is the derived privileged read.
type Analytics struct {
	VisitStats
	AverageVisitsPerDay int64 `json:"averageVisitsPerDay"`
}

// Service implements the visit/presence counter operations on top of the
// store and cache.
type Service struct {
	store  *Store
	cache  Cache
	search *esx.Client
	index  string
	events mqx.Publisher

	now func() time.Time
}

type Option func(*Service)

// WithClock overrides the service clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSearch enables per-visit document indexing.
func WithSearch(es *esx.Client, index string) Option {
	return func(s *Service) { s.search = es; s.index = index }
}

// WithPublisher enables visit.recorded event publication.
func WithPublisher(pub mqx.Publisher) Option {
	return func(s *Service) { s.events = pub }
}

func NewService(store *Store, cache Cache, opts ...Option) *Service {
	s := &Service{store: store, cache: cache, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	store.Now = func() time.Time { return s.now() }
	return s
}

// SetCacheTTL adjusts the read cache TTL at runtime.
func (s *Service) SetCacheTTL(ttl time.Duration) {
	s.cache.SetTTL(ttl)
}

// RecordVisit bumps the counters for one tracked page visit and returns the
// refreshed record. Persistence errors propagate to the caller.
func (s *Service) RecordVisit(ctx context.Context, flag SessionFlag, meta VisitMeta) (*VisitStats, error) {
	st, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	st.TotalVisits++
	if pkg.SameDay(st.LastVisitDate, now) {
		st.DailyVisits++
	} else {
		// new calendar day: never leave a stale day/count pair
		st.DailyVisits = 1
	}
	st.LastVisitDate = pkg.StartOfDay(now)

	if !flag.Counted() {
		st.UniqueVisitors++
		flag.MarkCounted()
	}

	if err := s.store.Save(ctx, st); err != nil {
		return nil, err
	}
	s.cache.Set(ctx, st)

	s.emitVisit(st, meta, now)
	return st, nil
}

// GetStats returns the counters, served from cache when fresh. The boolean
// tells callers whether the cache answered.
func (s *Service) GetStats(ctx context.Context) (*VisitStats, bool, error) {
	if st, ok := s.cache.Get(ctx); ok {
		return st, true, nil
	}
	st, err := s.store.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	s.cache.Set(ctx, st)
	return st, false, nil
}

// UpdateOnlineCount mirrors the broker's connection count into the persisted
// record and invalidates the read cache so the next read sees it immediately.
func (s *Service) UpdateOnlineCount(ctx context.Context, count int) error {
	st, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	st.OnlineUsers = int64(count)
	if err := s.store.Save(ctx, st); err != nil {
		return err
	}
	s.cache.Invalidate(ctx)
	return nil
}

// GetAnalytics returns the counters plus the computed visits-per-day average.
// Days-since-creation comes from the wall clock at call time.
func (s *Service) GetAnalytics(ctx context.Context) (*Analytics, bool, error) {
	st, cached, err := s.GetStats(ctx)
	if err != nil {
		return nil, false, err
	}
	days := pkg.DaysSince(st.CreatedAt, s.now())
	avg := int64(math.Round(float64(st.TotalVisits) / float64(days)))
	return &Analytics{VisitStats: *st, AverageVisitsPerDay: avg}, cached, nil
}

// emitVisit ships the visit to the optional sinks. Both are fire-and-forget:
// failures are logged and never reach the HTTP path.
func (s *Service) emitVisit(st *VisitStats, meta VisitMeta, at time.Time) {
	if s.search == nil && s.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if s.search != nil {
			doc := esx.VisitDoc{
				ID:        uuid.NewString(),
				Day:       at.Local().Format("2006-01-02"),
				UserAgent: meta.UserAgent,
				RequestID: meta.RequestID,
				Timestamp: at.UTC().Format(time.RFC3339Nano),
			}
			if err := esx.IndexVisit(ctx, s.search, s.index, doc); err != nil {
				statsLogger.Sugar().Warnf("index visit: %v", err)
			}
		}
		if s.events != nil {
			evt := map[string]any{"type": "visit.recorded", "total": st.TotalVisits, "daily": st.DailyVisits}
			b, _ := json.Marshal(evt)
			if err := s.events.Publish(ctx, "visit.recorded", b); err != nil {
				statsLogger.Sugar().Warnf("publish visit.recorded: %v", err)
			}
		}
	}()
}
