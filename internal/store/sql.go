package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"go.transitwatch.dev/core/internal/model"
)

// dialect hides the handful of differences between the Postgres and
// SQLite backends (placeholder style, upsert syntax, DDL). Grounded on
// tidbyt.dev/gtfs's storage package, which keeps postgres.go and
// sqlite.go as two independent, near-identical implementations of the
// same Storage interface; we factor the shared 90% into sqlStore and
// let the two backends differ only in dialect.
type dialect interface {
	name() string
	placeholder(n int) string
	ddl() string
	upsertIgnore(table string, conflictCols []string) string
}

// sqlStore implements Store against any database/sql driver, given a
// dialect. Concurrency: multiple writers, exactly one purger, per
// spec.md §4.4 — the underlying engine's own row-level locking
// provides this; sqlStore itself holds no additional lock.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(db *sql.DB, d dialect) (*sqlStore, error) {
	if _, err := db.Exec(d.ddl()); err != nil {
		return nil, errors.Wrap(err, "applying schema")
	}
	return &sqlStore{db: db, d: d}, nil
}

func (s *sqlStore) ph(n int) string { return s.d.placeholder(n) }

func (s *sqlStore) InsertPositions(ctx context.Context, batch []PositionRecord) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning tx")
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(
		`INSERT INTO positions (trip_id, route_id, stop_id, observed_at, current_status, delay_seconds, lat, lon)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)
		 ON CONFLICT (trip_id, stop_id, observed_at) DO NOTHING`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8),
	)
	if s.d.name() == "sqlite" {
		stmt = fmt.Sprintf(
			`INSERT OR IGNORE INTO positions (trip_id, route_id, stop_id, observed_at, current_status, delay_seconds, lat, lon)
			 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8),
		)
	}

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return errors.Wrap(err, "preparing insert")
	}
	defer prepared.Close()

	for _, p := range batch {
		var delay interface{}
		if p.DelaySeconds != nil {
			delay = *p.DelaySeconds
		}
		if _, err := prepared.ExecContext(ctx, p.TripID, p.RouteID, p.StopID, p.ObservedAt.UTC(), string(p.CurrentStatus), delay, p.Lat, p.Lon); err != nil {
			return errors.Wrap(err, "inserting position")
		}
	}

	return tx.Commit()
}

func (s *sqlStore) InsertFeedRun(ctx context.Context, run model.FeedRun) (model.FeedRun, error) {
	if run.FinishedAt.Before(run.StartedAt) {
		return model.FeedRun{}, fmt.Errorf("finished_at before started_at")
	}
	if run.EntitiesSeen < 0 {
		return model.FeedRun{}, fmt.Errorf("entities_seen must be >= 0")
	}

	stmt := fmt.Sprintf(
		`INSERT INTO feed_runs (feed_id, started_at, finished_at, entities_seen, alerts_seen, skipped_count, status, duration_ms)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8),
	)

	var runID int64
	if s.d.name() == "postgres" {
		row := s.db.QueryRowContext(ctx, stmt+" RETURNING run_id",
			run.FeedID, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.EntitiesSeen, run.AlertsSeen, run.SkippedCount, string(run.Status), run.DurationMS)
		if err := row.Scan(&runID); err != nil {
			return model.FeedRun{}, errors.Wrap(err, "inserting feed run")
		}
	} else {
		res, err := s.db.ExecContext(ctx, stmt,
			run.FeedID, run.StartedAt.UTC(), run.FinishedAt.UTC(), run.EntitiesSeen, run.AlertsSeen, run.SkippedCount, string(run.Status), run.DurationMS)
		if err != nil {
			return model.FeedRun{}, errors.Wrap(err, "inserting feed run")
		}
		runID, err = res.LastInsertId()
		if err != nil {
			return model.FeedRun{}, errors.Wrap(err, "reading last insert id")
		}
	}

	run.RunID = runID
	return run, nil
}

func (s *sqlStore) InsertAnomaly(ctx context.Context, a model.Anomaly) error {
	features, err := json.Marshal(a.Features)
	if err != nil {
		return errors.Wrap(err, "marshaling features")
	}

	verb := "INSERT"
	ignoreClause := s.d.upsertIgnore("anomalies", []string{"anomaly_id"})
	if s.d.name() == "sqlite" {
		verb = "INSERT OR IGNORE"
	}
	stmt := fmt.Sprintf(
		`%s INTO anomalies (anomaly_id, detected_at, station_id, route_id, kind, severity, model_name, model_version, features, resolved)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s) %s`,
		verb, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), ignoreClause,
	)

	_, err = s.db.ExecContext(ctx, stmt,
		a.AnomalyID, a.DetectedAt.UTC(), a.StationID, a.RouteID, string(a.Kind), a.Severity, a.ModelName, a.ModelVersion, string(features), a.Resolved)
	if err != nil {
		return errors.Wrap(err, "inserting anomaly")
	}
	return nil
}

func (s *sqlStore) RaiseSeverity(ctx context.Context, anomalyID string, newSeverity float64) error {
	stmt := fmt.Sprintf(
		`UPDATE anomalies SET severity = CASE WHEN severity < %s THEN %s ELSE severity END WHERE anomaly_id = %s`,
		s.ph(1), s.ph(2), s.ph(3),
	)
	res, err := s.db.ExecContext(ctx, stmt, newSeverity, newSeverity, anomalyID)
	if err != nil {
		return errors.Wrap(err, "raising severity")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if n == 0 {
		return ErrNotFound{What: "anomaly " + anomalyID}
	}
	return nil
}

func (s *sqlStore) FindRecentAnomaly(ctx context.Context, stationID, routeID string, kind model.AnomalyKind, window time.Duration, now time.Time) (model.Anomaly, bool, error) {
	stmt := fmt.Sprintf(
		`SELECT anomaly_id, detected_at, station_id, route_id, kind, severity, model_name, model_version, features, resolved
		 FROM anomalies
		 WHERE station_id = %s AND route_id = %s AND kind = %s AND detected_at >= %s
		 ORDER BY detected_at DESC LIMIT 1`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4),
	)
	row := s.db.QueryRowContext(ctx, stmt, stationID, routeID, string(kind), now.Add(-window).UTC())
	a, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Anomaly{}, false, nil
	}
	if err != nil {
		return model.Anomaly{}, false, errors.Wrap(err, "querying recent anomaly")
	}
	return a, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnomaly(row rowScanner) (model.Anomaly, error) {
	var a model.Anomaly
	var featuresJSON string
	if err := row.Scan(&a.AnomalyID, &a.DetectedAt, &a.StationID, &a.RouteID, &a.Kind, &a.Severity, &a.ModelName, &a.ModelVersion, &featuresJSON, &a.Resolved); err != nil {
		return model.Anomaly{}, err
	}
	a.Features = map[string]float64{}
	_ = json.Unmarshal([]byte(featuresJSON), &a.Features)
	return a, nil
}

func (s *sqlStore) QueryPositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	n := 0
	add := func(clause string, arg interface{}) {
		n++
		where += " AND " + fmt.Sprintf(clause, s.ph(n))
		args = append(args, arg)
	}
	if filter.Line != "" {
		add("route_id = %s", filter.Line)
	}
	if filter.Station != "" {
		add("stop_id = %s", filter.Station)
	}
	if !filter.Since.IsZero() {
		add("observed_at >= %s", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("observed_at <= %s", filter.Until.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(
		`SELECT trip_id, route_id, stop_id, observed_at, current_status, delay_seconds, lat, lon
		 FROM positions %s ORDER BY observed_at ASC LIMIT %d`, where, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying positions")
	}
	defer rows.Close()

	out := []PositionRecord{}
	for rows.Next() {
		var p PositionRecord
		var delay sql.NullInt64
		if err := rows.Scan(&p.TripID, &p.RouteID, &p.StopID, &p.ObservedAt, &p.CurrentStatus, &delay, &p.Lat, &p.Lon); err != nil {
			return nil, errors.Wrap(err, "scanning position")
		}
		if delay.Valid {
			v := delay.Int64
			p.DelaySeconds = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) QueryAnomalies(ctx context.Context, filter AnomalyFilter) (AnomalyPage, error) {
	where := "WHERE severity >= " + s.ph(1)
	args := []interface{}{filter.SeverityMin}
	n := 1
	add := func(clause string, arg interface{}) {
		n++
		where += " AND " + fmt.Sprintf(clause, s.ph(n))
		args = append(args, arg)
	}
	if filter.Line != "" {
		add("route_id = %s", filter.Line)
	}
	if filter.Station != "" {
		add("station_id = %s", filter.Station)
	}
	if !filter.Since.IsZero() {
		add("detected_at >= %s", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("detected_at <= %s", filter.Until.UTC())
	}
	if filter.Cursor != "" {
		add("anomaly_id > %s", filter.Cursor)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(
		`SELECT anomaly_id, detected_at, station_id, route_id, kind, severity, model_name, model_version, features, resolved
		 FROM anomalies %s ORDER BY anomaly_id ASC LIMIT %d`, where, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return AnomalyPage{}, errors.Wrap(err, "querying anomalies")
	}
	defer rows.Close()

	out := []model.Anomaly{}
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return AnomalyPage{}, errors.Wrap(err, "scanning anomaly")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return AnomalyPage{}, err
	}

	next := ""
	if len(out) > limit {
		next = out[limit-1].AnomalyID
		out = out[:limit]
	}

	return AnomalyPage{Anomalies: out, NextCursor: next}, nil
}

func (s *sqlStore) LatestFeedRuns(ctx context.Context, feedID string, n int) ([]model.FeedRun, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	if feedID != "" {
		where += " AND feed_id = " + s.ph(1)
		args = append(args, feedID)
	}
	if n <= 0 {
		n = 20
	}
	query := fmt.Sprintf(
		`SELECT run_id, feed_id, started_at, finished_at, entities_seen, alerts_seen, skipped_count, status, duration_ms
		 FROM feed_runs %s ORDER BY started_at DESC LIMIT %d`, where, n)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying feed runs")
	}
	defer rows.Close()

	out := []model.FeedRun{}
	for rows.Next() {
		var r model.FeedRun
		if err := rows.Scan(&r.RunID, &r.FeedID, &r.StartedAt, &r.FinishedAt, &r.EntitiesSeen, &r.AlertsSeen, &r.SkippedCount, &r.Status, &r.DurationMS); err != nil {
			return nil, errors.Wrap(err, "scanning feed run")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) PurgeBefore(ctx context.Context, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning purge tx")
	}
	defer tx.Rollback()

	stmts := []string{
		fmt.Sprintf("DELETE FROM positions WHERE observed_at < %s", s.ph(1)),
		fmt.Sprintf("DELETE FROM feed_runs WHERE started_at < %s", s.ph(1)),
		fmt.Sprintf("DELETE FROM anomalies WHERE detected_at < %s", s.ph(1)),
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, ts.UTC()); err != nil {
			return errors.Wrap(err, "purging")
		}
	}
	return tx.Commit()
}

func (s *sqlStore) PutModelArtifact(ctx context.Context, name string, payload []byte, hyperparams map[string]float64, trainingWindowHours int) (model.ModelArtifact, error) {
	hp, err := json.Marshal(hyperparams)
	if err != nil {
		return model.ModelArtifact{}, errors.Wrap(err, "marshaling hyperparams")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ModelArtifact{}, errors.Wrap(err, "beginning tx")
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(version) FROM model_artifacts WHERE name = %s`, s.ph(1)), name)
	if err := row.Scan(&maxVersion); err != nil {
		return model.ModelArtifact{}, errors.Wrap(err, "reading max version")
	}
	nextVersion := int64(1)
	if maxVersion.Valid {
		nextVersion = maxVersion.Int64 + 1
	}

	trainedAt := time.Now().UTC()
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO model_artifacts (name, version, trained_at, payload, hyperparams, training_window_hours)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6)),
		name, nextVersion, trainedAt, payload, string(hp), trainingWindowHours)
	if err != nil {
		return model.ModelArtifact{}, errors.Wrap(err, "inserting artifact")
	}

	if err := tx.Commit(); err != nil {
		return model.ModelArtifact{}, errors.Wrap(err, "committing")
	}

	return model.ModelArtifact{
		Name: name, Version: nextVersion, TrainedAt: trainedAt, Payload: payload,
		Hyperparams: hyperparams, TrainingWindowHours: trainingWindowHours,
	}, nil
}

func (s *sqlStore) GetLatestArtifact(ctx context.Context, name string) (model.ModelArtifact, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT name, version, trained_at, payload, hyperparams, training_window_hours
		 FROM model_artifacts WHERE name = %s ORDER BY version DESC LIMIT 1`, s.ph(1)), name)

	var a model.ModelArtifact
	var hp string
	err := row.Scan(&a.Name, &a.Version, &a.TrainedAt, &a.Payload, &hp, &a.TrainingWindowHours)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ModelArtifact{}, false, nil
	}
	if err != nil {
		return model.ModelArtifact{}, false, errors.Wrap(err, "querying latest artifact")
	}
	a.Hyperparams = map[string]float64{}
	_ = json.Unmarshal([]byte(hp), &a.Hyperparams)
	return a, true, nil
}

func (s *sqlStore) ArtifactExistsAt(ctx context.Context, name string, version int64, at time.Time) (bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM model_artifacts WHERE name = %s AND version = %s AND trained_at <= %s`,
		s.ph(1), s.ph(2), s.ph(3)), name, version, at.UTC())
	var count int
	if err := row.Scan(&count); err != nil {
		return false, errors.Wrap(err, "checking artifact existence")
	}
	return count > 0, nil
}

func (s *sqlStore) UpsertCatalogRow(ctx context.Context, row CatalogRow) error {
	verb := "INSERT"
	ignoreClause := s.d.upsertIgnore("catalog", []string{"kind", "id"})
	if s.d.name() == "sqlite" {
		verb = "INSERT OR IGNORE"
	}
	stmt := fmt.Sprintf(`%s INTO catalog (kind, id, name) VALUES (%s, %s, %s) %s`,
		verb, s.ph(1), s.ph(2), s.ph(3), ignoreClause)
	_, err := s.db.ExecContext(ctx, stmt, row.Kind, row.ID, row.Name)
	if err != nil {
		return errors.Wrap(err, "upserting catalog row")
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
