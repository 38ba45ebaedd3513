// Package store implements the append-only time-partitioned State
// Store (C4 of spec.md §4.4): positions, feed runs, anomalies, and
// model artifacts, plus a small relational catalog upsert. Grounded on
// tidbyt.dev/gtfs's storage.Storage interface and its postgres/sqlite/
// memory backends, generalized from a GTFS static cache to the time-
// partitioned, append-only tables this spec requires.
package store

import (
	"context"
	"time"

	"go.transitwatch.dev/core/internal/model"
)

// PositionRecord is one durable position observation. It is the
// durable counterpart of model.TripUpdate/model.VehiclePosition —
// positions are retained for RETENTION_HOURS, per spec.md §3.
type PositionRecord struct {
	TripID        string
	RouteID       string
	StopID        string
	ObservedAt    time.Time
	CurrentStatus model.CurrentStatus
	DelaySeconds  *int64
	Lat           float64
	Lon           float64
}

// PositionFilter narrows QueryPositions results.
type PositionFilter struct {
	Line    string
	Station string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// AnomalyFilter narrows QueryAnomalies results, paged by cursor.
type AnomalyFilter struct {
	Line        string
	Station     string
	SeverityMin float64
	Since       time.Time
	Until       time.Time
	Cursor      string
	Limit       int
}

// AnomalyPage is one page of anomaly results.
type AnomalyPage struct {
	Anomalies  []model.Anomaly
	NextCursor string
}

// CatalogRow is a minimal station/route record for the idempotent
// catalog upsert described in spec.md §4.4.
type CatalogRow struct {
	Kind string // "station" | "route"
	ID   string
	Name string
}

// Store is the State Store's full contract.
type Store interface {
	// InsertPositions bulk-inserts a batch. Duplicates on
	// (trip_id, stop_id, observed_at) are silently ignored — at-least-
	// once ingest is expected, per spec.md §4.4.
	InsertPositions(ctx context.Context, batch []PositionRecord) error

	// InsertFeedRun writes a single FeedRun record per attempt.
	InsertFeedRun(ctx context.Context, run model.FeedRun) (model.FeedRun, error)

	// InsertAnomaly inserts a new anomaly, unique on anomaly_id. If an
	// anomaly with the same (station_id|route_id, kind) was inserted
	// within the suppression window, the caller should instead call
	// RaiseSeverity — InsertAnomaly itself does not deduplicate.
	InsertAnomaly(ctx context.Context, a model.Anomaly) error

	// RaiseSeverity bumps an existing anomaly's severity to
	// max(old, new) in place, per spec.md §4.6's duplicate suppression.
	RaiseSeverity(ctx context.Context, anomalyID string, newSeverity float64) error

	// FindRecentAnomaly returns the most recent anomaly for the given
	// (station_id|route_id, kind) key detected within window of now,
	// or false if none exists — used to implement suppression.
	FindRecentAnomaly(ctx context.Context, stationID, routeID string, kind model.AnomalyKind, window time.Duration, now time.Time) (model.Anomaly, bool, error)

	QueryPositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, error)
	QueryAnomalies(ctx context.Context, filter AnomalyFilter) (AnomalyPage, error)
	LatestFeedRuns(ctx context.Context, feedID string, n int) ([]model.FeedRun, error)

	// PurgeBefore deletes rows older than ts from all time-partitioned
	// tables. Called once per minute by the scheduler.
	PurgeBefore(ctx context.Context, ts time.Time) error

	// PutModelArtifact assigns the next version for name and stores
	// the artifact.
	PutModelArtifact(ctx context.Context, name string, payload []byte, hyperparams map[string]float64, trainingWindowHours int) (model.ModelArtifact, error)

	// GetLatestArtifact returns the most recent artifact for name, or
	// ok=false if none exists.
	GetLatestArtifact(ctx context.Context, name string) (model.ModelArtifact, bool, error)

	// ArtifactExistsAt reports whether an artifact (name, version)
	// existed at or before at — used to enforce the model-causality
	// invariant of spec.md §3/§8.
	ArtifactExistsAt(ctx context.Context, name string, version int64, at time.Time) (bool, error)

	// UpsertCatalogRow performs an idempotent "keep existing, ignore
	// new" upsert, safe under concurrent loaders, per spec.md §4.4.
	UpsertCatalogRow(ctx context.Context, row CatalogRow) error

	// Close releases underlying resources (DB handles, etc).
	Close() error

	// Ping reports whether the store is reachable, for /health/ready's
	// "state store reachable" check, per spec.md §4.8.
	Ping(ctx context.Context) error
}

// ErrNotFound is returned by lookups that find nothing.
type ErrNotFound struct{ What string }

func (e ErrNotFound) Error() string { return "not found: " + e.What }
