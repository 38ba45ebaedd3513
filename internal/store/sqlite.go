package store

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// sqliteDialect wires sqlStore to a SQLite backend. Grounded on
// tidbyt.dev/gtfs's storage/sqlite.go, which opens the same logical
// schema as postgres.go through mattn/go-sqlite3 with dialect-specific
// types (INTEGER PRIMARY KEY autoincrement instead of BIGSERIAL, no
// native BOOLEAN).
type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(n int) string { return "?" }

func (sqliteDialect) upsertIgnore(table string, conflictCols []string) string {
	// handled by INSERT OR IGNORE at the call site for sqlite; returning
	// empty keeps the shared string-building code uniform.
	return ""
}

func (sqliteDialect) ddl() string {
	return `
CREATE TABLE IF NOT EXISTS positions (
	trip_id        TEXT NOT NULL,
	route_id       TEXT NOT NULL,
	stop_id        TEXT NOT NULL,
	observed_at    DATETIME NOT NULL,
	current_status TEXT NOT NULL,
	delay_seconds  INTEGER,
	lat            REAL NOT NULL,
	lon            REAL NOT NULL,
	PRIMARY KEY (trip_id, stop_id, observed_at)
);
CREATE INDEX IF NOT EXISTS positions_observed_at_idx ON positions (observed_at);
CREATE INDEX IF NOT EXISTS positions_route_stop_idx ON positions (route_id, stop_id);

CREATE TABLE IF NOT EXISTS feed_runs (
	run_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	feed_id       TEXT NOT NULL,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME NOT NULL,
	entities_seen INTEGER NOT NULL,
	alerts_seen   INTEGER NOT NULL,
	skipped_count INTEGER NOT NULL,
	status        TEXT NOT NULL,
	duration_ms   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS feed_runs_started_at_idx ON feed_runs (feed_id, started_at);

CREATE TABLE IF NOT EXISTS anomalies (
	anomaly_id    TEXT PRIMARY KEY,
	detected_at   DATETIME NOT NULL,
	station_id    TEXT NOT NULL,
	route_id      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	severity      REAL NOT NULL,
	model_name    TEXT NOT NULL,
	model_version INTEGER NOT NULL,
	features      TEXT NOT NULL,
	resolved      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS anomalies_detected_at_idx ON anomalies (detected_at);
CREATE INDEX IF NOT EXISTS anomalies_station_route_idx ON anomalies (station_id, route_id, kind);

CREATE TABLE IF NOT EXISTS model_artifacts (
	name                    TEXT NOT NULL,
	version                 INTEGER NOT NULL,
	trained_at              DATETIME NOT NULL,
	payload                 BLOB NOT NULL,
	hyperparams             TEXT NOT NULL,
	training_window_hours   INTEGER NOT NULL,
	PRIMARY KEY (name, version)
);

CREATE TABLE IF NOT EXISTS catalog (
	kind TEXT NOT NULL,
	id   TEXT NOT NULL,
	name TEXT NOT NULL,
	PRIMARY KEY (kind, id)
);
`
}

// NewSQLite opens a SQLite-backed Store at path (use ":memory:" or a
// file path with query parameters, e.g. "file:data.db?_foreign_keys=on")
// and applies the schema, idempotently.
func NewSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	// sqlite's concurrent-writer story is one connection at a time;
	// tidbyt.dev/gtfs's sqlite backend makes the same tradeoff.
	db.SetMaxOpenConns(1)
	s, err := newSQLStore(db, sqliteDialect{})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
