// Package stats owns the persisted visit counters and the read cache in
// front of them.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"artpulse/internal/logx"
)

var statsLogger = logx.GetScope("stats")

// VisitStats is the single persisted counter record. Exactly one row exists;
// it is created on first access and upserted afterwards.
type VisitStats struct {
	TotalVisits    int64     `json:"totalVisits"`
	DailyVisits    int64     `json:"dailyVisits"`
	UniqueVisitors int64     `json:"uniqueVisitors"`
	OnlineUsers    int64     `json:"onlineUsers"`
	LastVisitDate  time.Time `json:"lastVisitDate"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists VisitStats in a single-row table. Timestamps are stored as
// RFC3339 text so the same SQL works on PostgreSQL and SQLite.
type Store struct {
	db *sql.DB

	// Now is the clock used for the created_at default; tests override it.
	Now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, Now: time.Now}
}

// Migrate creates the counter table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS visit_stats (
		id INTEGER PRIMARY KEY,
		total_visits BIGINT NOT NULL,
		daily_visits BIGINT NOT NULL,
		unique_visitors BIGINT NOT NULL,
		online_users BIGINT NOT NULL,
		last_visit_date TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`)
	return err
}

// Load reads the record, inserting a zeroed default first if none exists.
func (s *Store) Load(ctx context.Context) (*VisitStats, error) {
	st, err := s.load(ctx)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	def := &VisitStats{CreatedAt: s.Now()}
	if err := s.insertDefault(ctx, def); err != nil {
		return nil, err
	}
	// a concurrent writer may have won the insert; re-read either way
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (*VisitStats, error) {
	row := s.db.QueryRowContext(ctx, `SELECT total_visits, daily_visits, unique_visitors,
		online_users, last_visit_date, created_at FROM visit_stats WHERE id = 1`)
	var (
		st        VisitStats
		lastVisit string
		createdAt string
	)
	if err := row.Scan(&st.TotalVisits, &st.DailyVisits, &st.UniqueVisitors,
		&st.OnlineUsers, &lastVisit, &createdAt); err != nil {
		return nil, err
	}
	st.LastVisitDate, _ = time.Parse(time.RFC3339Nano, lastVisit)
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &st, nil
}

func (s *Store) insertDefault(ctx context.Context, st *VisitStats) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO visit_stats
		(id, total_visits, daily_visits, unique_visitors, online_users, last_visit_date, created_at)
		VALUES (1, 0, 0, 0, 0, $1, $2)
		ON CONFLICT (id) DO NOTHING`,
		st.LastVisitDate.UTC().Format(time.RFC3339Nano),
		st.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Save upserts the whole record. Both writer paths (visit tracking and the
// online-count push) resave everything; the fields each touches are disjoint
// so last-write-wins is acceptable here.
func (s *Store) Save(ctx context.Context, st *VisitStats) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO visit_stats
		(id, total_visits, daily_visits, unique_visitors, online_users, last_visit_date, created_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			total_visits = $1,
			daily_visits = $2,
			unique_visitors = $3,
			online_users = $4,
			last_visit_date = $5`,
		st.TotalVisits, st.DailyVisits, st.UniqueVisitors, st.OnlineUsers,
		st.LastVisitDate.UTC().Format(time.RFC3339Nano),
		st.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}
