package stats

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	store := NewStore(newTestDB(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cache := NewCache(nil, 30*time.Second)
	return NewService(store, cache, WithClock(func() time.Time { return *now }))
}

type memFlag struct {
	counted bool
}

func (f *memFlag) Counted() bool { return f.counted }
func (f *memFlag) MarkCounted()  { f.counted = true }

func TestRecordVisitFreshStore(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.Local)
	svc := newTestService(t, &now)
	ctx := context.Background()

	st, err := svc.RecordVisit(ctx, &memFlag{}, VisitMeta{})
	if err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	if st.TotalVisits != 1 || st.DailyVisits != 1 || st.UniqueVisitors != 1 || st.OnlineUsers != 0 {
		t.Fatalf("unexpected fresh counters: %+v", st)
	}
}

func TestRecordVisitSameDayIncrements(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.Local)
	svc := newTestService(t, &now)
	ctx := context.Background()
	flag := &memFlag{}

	if _, err := svc.RecordVisit(ctx, flag, VisitMeta{}); err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	now = now.Add(2 * time.Hour)
	st, err := svc.RecordVisit(ctx, flag, VisitMeta{})
	if err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	if st.TotalVisits != 2 {
		t.Fatalf("totalVisits=%d, want 2", st.TotalVisits)
	}
	if st.DailyVisits != 2 {
		t.Fatalf("dailyVisits=%d, want 2", st.DailyVisits)
	}
}

func TestRecordVisitDayRolloverResetsDaily(t *testing.T) {
	now := time.Date(2026, 8, 26, 23, 30, 0, 0, time.Local)
	svc := newTestService(t, &now)
	ctx := context.Background()
	flag := &memFlag{}

	for i := 0; i < 3; i++ {
		if _, err := svc.RecordVisit(ctx, flag, VisitMeta{}); err != nil {
			t.Fatalf("RecordVisit: %v", err)
		}
	}

	now = now.Add(time.Hour) // crosses local midnight
	st, err := svc.RecordVisit(ctx, flag, VisitMeta{})
	if err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	if st.DailyVisits != 1 {
		t.Fatalf("dailyVisits=%d after rollover, want 1", st.DailyVisits)
	}
	if st.TotalVisits != 4 {
		t.Fatalf("totalVisits=%d, want 4", st.TotalVisits)
	}
	if !st.LastVisitDate.Equal(time.Date(2026, 8, 27, 0, 0, 0, 0, time.Local)) {
		t.Fatalf("lastVisitDate=%v not advanced to the new day", st.LastVisitDate)
	}
}

func TestUniqueVisitorsCountedOncePerSession(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.Local)
	svc := newTestService(t, &now)
	ctx := context.Background()

	sessionA := &memFlag{}
	for i := 0; i < 5; i++ {
		if _, err := svc.RecordVisit(ctx, sessionA, VisitMeta{}); err != nil {
			t.Fatalf("RecordVisit: %v", err)
		}
	}
	st, _, err := svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.UniqueVisitors != 1 {
		t.Fatalf("uniqueVisitors=%d after 5 visits in one session, want 1", st.UniqueVisitors)
	}

	sessionB := &memFlag{}
	if _, err := svc.RecordVisit(ctx, sessionB, VisitMeta{}); err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	st, _, _ = svc.GetStats(ctx)
	if st.UniqueVisitors != 2 {
		t.Fatalf("uniqueVisitors=%d after second session, want 2", st.UniqueVisitors)
	}
}

func TestGetStatsCacheDiscipline(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.Local)
	svc := newTestService(t, &now)
	ctx := context.Background()

	// first read misses, second hits
	if _, cached, err := svc.GetStats(ctx); err != nil || cached {
		t.Fatalf("first read: cached=%v err=%v, want miss", cached, err)
	}
	if _, cached, _ := svc.GetStats(ctx); !cached {
		t.Fatalf("second read should be served from cache")
	}

	// recordVisit refreshes the cache
	if _, err := svc.RecordVisit(ctx, &memFlag{}, VisitMeta{}); err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	st, cached, _ := svc.GetStats(ctx)
	if !cached {
		t.Fatalf("read after recordVisit should hit the refreshed cache")
	}
	if st.TotalVisits != 1 {
		t.Fatalf("cached counters stale: %+v", st)
	}
}

func TestUpdateOnlineCountInvalidatesCache(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.Local)
	svc := newTestService(t, &now)
	ctx := context.Background()

	if _, _, err := svc.GetStats(ctx); err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if err := svc.UpdateOnlineCount(ctx, 5); err != nil {
		t.Fatalf("UpdateOnlineCount: %v", err)
	}

	st, cached, err := svc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if cached {
		t.Fatalf("cache should have been invalidated by the count write")
	}
	if st.OnlineUsers != 5 {
		t.Fatalf("onlineUsers=%d, want 5", st.OnlineUsers)
	}
}

func TestUpdateOnlineCountDoesNotTouchVisitCounters(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.Local)
	svc := newTestService(t, &now)
	ctx := context.Background()

	if _, err := svc.RecordVisit(ctx, &memFlag{}, VisitMeta{}); err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	if err := svc.UpdateOnlineCount(ctx, 3); err != nil {
		t.Fatalf("UpdateOnlineCount: %v", err)
	}

	st, _, _ := svc.GetStats(ctx)
	if st.TotalVisits != 1 || st.DailyVisits != 1 || st.UniqueVisitors != 1 {
		t.Fatalf("visit counters disturbed by count write: %+v", st)
	}
}

func TestGetAnalyticsAverage(t *testing.T) {
	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.Local)
	svc := newTestService(t, &now)
	ctx := context.Background()

	flag := &memFlag{}
	for i := 0; i < 10; i++ {
		if _, err := svc.RecordVisit(ctx, flag, VisitMeta{}); err != nil {
			t.Fatalf("RecordVisit: %v", err)
		}
	}

	// record created on day 0; four days later the average is 10/4
	now = now.Add(4 * 24 * time.Hour)
	an, _, err := svc.GetAnalytics(ctx)
	if err != nil {
		t.Fatalf("GetAnalytics: %v", err)
	}
	if an.AverageVisitsPerDay != 3 { // round(10/4) = round(2.5) = 3
		t.Fatalf("averageVisitsPerDay=%d, want 3", an.AverageVisitsPerDay)
	}
}

func TestGetAnalyticsFreshRecordUsesOneDayFloor(t *testing.T) {
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.Local)
	svc := newTestService(t, &now)
	ctx := context.Background()

	if _, err := svc.RecordVisit(ctx, &memFlag{}, VisitMeta{}); err != nil {
		t.Fatalf("RecordVisit: %v", err)
	}
	an, _, err := svc.GetAnalytics(ctx)
	if err != nil {
		t.Fatalf("GetAnalytics: %v", err)
	}
	if an.AverageVisitsPerDay != 1 {
		t.Fatalf("averageVisitsPerDay=%d on day zero, want 1", an.AverageVisitsPerDay)
	}
}
