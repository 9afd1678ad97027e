// Package db provides database connection handling for the stats store.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for PostgreSQL
	_ "modernc.org/sqlite"             // register embedded sqlite driver

	"artpulse/internal/config"
	"artpulse/internal/logx"
)

var dbLogger = logx.GetScope("db")

const sqliteBusyTimeout = 5000

var baseDB *sql.DB

// Open opens the stats database. PostgreSQL (via pgx) when POSTGRES_URL is
// set, otherwise the embedded SQLite file so the service runs standalone.
func Open(cfg *config.Config) (*sql.DB, func(), error) {
	var (
		sqldb *sql.DB
		err   error
	)
	if cfg.PG.URL != "" {
		sqldb, err = sql.Open("pgx", cfg.PG.URL)
		if err != nil {
			return nil, func() {}, err
		}
		sqldb.SetMaxOpenConns(cfg.PG.MaxOpenConns)
		sqldb.SetMaxIdleConns(cfg.PG.MaxIdleConns)
	} else {
		sqldb, err = sql.Open("sqlite", sqliteDSN(cfg.SQLite.Path))
		if err != nil {
			return nil, func() {}, err
		}
		// single writer keeps the embedded file happy
		sqldb.SetMaxOpenConns(1)
		sqldb.SetMaxIdleConns(1)
	}
	if err := sqldb.Ping(); err != nil {
		_ = sqldb.Close()
		return nil, func() {}, err
	}
	baseDB = sqldb

	closer := func() {
		baseDB = nil
		if err := sqldb.Close(); err != nil {
			dbLogger.Sugar().Errorf("close db: %v", err)
		}
	}
	return sqldb, closer, nil
}

func sqliteDSN(path string) string {
	if path == "" {
		path = "artpulse.db"
	}
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, sqliteBusyTimeout)
}

// UpdatePool updates DB pool settings at runtime.
func UpdatePool(maxOpen, maxIdle int) {
	if baseDB == nil {
		return
	}
	if maxOpen > 0 {
		baseDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		baseDB.SetMaxIdleConns(maxIdle)
	}
}
