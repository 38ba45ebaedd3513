package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// postgresDialect wires sqlStore to a Postgres backend. Grounded on
// tidbyt.dev/gtfs's storage/postgres.go, which opens *sql.DB with
// lib/pq and applies its schema via a single CREATE TABLE IF NOT
// EXISTS string.
type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (postgresDialect) upsertIgnore(table string, conflictCols []string) string {
	cols := ""
	for i, c := range conflictCols {
		if i > 0 {
			cols += ", "
		}
		cols += c
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", cols)
}

func (postgresDialect) ddl() string {
	return `
CREATE TABLE IF NOT EXISTS positions (
	trip_id        TEXT NOT NULL,
	route_id       TEXT NOT NULL,
	stop_id        TEXT NOT NULL,
	observed_at    TIMESTAMPTZ NOT NULL,
	current_status TEXT NOT NULL,
	delay_seconds  BIGINT,
	lat            DOUBLE PRECISION NOT NULL,
	lon            DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (trip_id, stop_id, observed_at)
);
CREATE INDEX IF NOT EXISTS positions_observed_at_idx ON positions (observed_at);
CREATE INDEX IF NOT EXISTS positions_route_stop_idx ON positions (route_id, stop_id);

CREATE TABLE IF NOT EXISTS feed_runs (
	run_id        BIGSERIAL PRIMARY KEY,
	feed_id       TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL,
	entities_seen INTEGER NOT NULL,
	alerts_seen   INTEGER NOT NULL,
	skipped_count INTEGER NOT NULL,
	status        TEXT NOT NULL,
	duration_ms   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS feed_runs_started_at_idx ON feed_runs (feed_id, started_at);

CREATE TABLE IF NOT EXISTS anomalies (
	anomaly_id    TEXT PRIMARY KEY,
	detected_at   TIMESTAMPTZ NOT NULL,
	station_id    TEXT NOT NULL,
	route_id      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	severity      DOUBLE PRECISION NOT NULL,
	model_name    TEXT NOT NULL,
	model_version BIGINT NOT NULL,
	features      TEXT NOT NULL,
	resolved      BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS anomalies_detected_at_idx ON anomalies (detected_at);
CREATE INDEX IF NOT EXISTS anomalies_station_route_idx ON anomalies (station_id, route_id, kind);

CREATE TABLE IF NOT EXISTS model_artifacts (
	name                    TEXT NOT NULL,
	version                 BIGINT NOT NULL,
	trained_at              TIMESTAMPTZ NOT NULL,
	payload                 BYTEA NOT NULL,
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

// NewPostgres opens a Postgres-backed Store at connStr and applies the
// schema, idempotently.
func NewPostgres(connStr string) (Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres connection")
	}
	s, err := newSQLStore(db, postgresDialect{})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
