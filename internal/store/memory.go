package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.transitwatch.dev/core/internal/model"
)

type positionKey struct {
	tripID     string
	stopID     string
	observedAt int64
}

// MemoryStore is an in-memory Store implementation, suitable for tests
// and single-process deployments. All state is protected by a single
// mutex; the teacher's storage.MemoryStorage takes the same approach
// for its (much smaller) feed-metadata cache.
type MemoryStore struct {
	mu sync.Mutex

	positions map[positionKey]PositionRecord
	feedRuns  []model.FeedRun
	nextRunID int64

	anomalies   map[string]model.Anomaly
	anomalyByKey map[string][]string // (station|route, kind) -> anomaly IDs, newest last

	artifacts     map[string][]model.ModelArtifact // name -> versions ascending
	catalog       map[string]CatalogRow
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions:    map[positionKey]PositionRecord{},
		anomalies:    map[string]model.Anomaly{},
		anomalyByKey: map[string][]string{},
		artifacts:    map[string][]model.ModelArtifact{},
		catalog:      map[string]CatalogRow{},
	}
}

func (m *MemoryStore) InsertPositions(ctx context.Context, batch []PositionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range batch {
		key := positionKey{p.TripID, p.StopID, p.ObservedAt.UnixNano()}
		if _, exists := m.positions[key]; exists {
			continue
		}
		m.positions[key] = p
	}
	return nil
}

func (m *MemoryStore) InsertFeedRun(ctx context.Context, run model.FeedRun) (model.FeedRun, error) {
	if run.FinishedAt.Before(run.StartedAt) {
		return model.FeedRun{}, fmt.Errorf("finished_at before started_at")
	}
	if run.EntitiesSeen < 0 {
		return model.FeedRun{}, fmt.Errorf("entities_seen must be >= 0")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	run.RunID = m.nextRunID
	m.feedRuns = append(m.feedRuns, run)
	return run, nil
}

func anomalyKey(stationID, routeID string, kind model.AnomalyKind) string {
	return stationID + "|" + routeID + "|" + string(kind)
}

func (m *MemoryStore) InsertAnomaly(ctx context.Context, a model.Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.anomalies[a.AnomalyID]; exists {
		return nil
	}
	m.anomalies[a.AnomalyID] = a
	key := anomalyKey(a.StationID, a.RouteID, a.Kind)
	m.anomalyByKey[key] = append(m.anomalyByKey[key], a.AnomalyID)
	return nil
}

func (m *MemoryStore) RaiseSeverity(ctx context.Context, anomalyID string, newSeverity float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.anomalies[anomalyID]
	if !ok {
		return ErrNotFound{What: "anomaly " + anomalyID}
	}
	if newSeverity > a.Severity {
		a.Severity = newSeverity
	}
	m.anomalies[anomalyID] = a
	return nil
}

func (m *MemoryStore) FindRecentAnomaly(ctx context.Context, stationID, routeID string, kind model.AnomalyKind, window time.Duration, now time.Time) (model.Anomaly, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.anomalyByKey[anomalyKey(stationID, routeID, kind)]
	for i := len(ids) - 1; i >= 0; i-- {
		a := m.anomalies[ids[i]]
		if now.Sub(a.DetectedAt) <= window {
			return a, true, nil
		}
	}
	return model.Anomaly{}, false, nil
}

func (m *MemoryStore) QueryPositions(ctx context.Context, filter PositionFilter) ([]PositionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []PositionRecord{}
	for _, p := range m.positions {
		if filter.Line != "" && p.RouteID != filter.Line {
			continue
		}
		if filter.Station != "" && p.StopID != filter.Station {
			continue
		}
		if !filter.Since.IsZero() && p.ObservedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && p.ObservedAt.After(filter.Until) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) QueryAnomalies(ctx context.Context, filter AnomalyFilter) (AnomalyPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := []model.Anomaly{}
	for _, a := range m.anomalies {
		if filter.Line != "" && a.RouteID != filter.Line {
			continue
		}
		if filter.Station != "" && a.StationID != filter.Station {
			continue
		}
		if a.Severity < filter.SeverityMin {
			continue
		}
		if !filter.Since.IsZero() && a.DetectedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && a.DetectedAt.After(filter.Until) {
			continue
		}
		matches = append(matches, a)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].DetectedAt.After(matches[j].DetectedAt) })

	start := 0
	if filter.Cursor != "" {
		for i, a := range matches {
			if a.AnomalyID == filter.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(matches) {
		end = len(matches)
	}
	if start > len(matches) {
		start = len(matches)
	}

	page := matches[start:end]
	next := ""
	if end < len(matches) && len(page) > 0 {
		next = page[len(page)-1].AnomalyID
	}

	return AnomalyPage{Anomalies: page, NextCursor: next}, nil
}

func (m *MemoryStore) LatestFeedRuns(ctx context.Context, feedID string, n int) ([]model.FeedRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := []model.FeedRun{}
	for _, r := range m.feedRuns {
		if feedID != "" && r.FeedID != feedID {
			continue
		}
		matches = append(matches, r)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].StartedAt.After(matches[j].StartedAt) })
	if n > 0 && len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

func (m *MemoryStore) PurgeBefore(ctx context.Context, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, p := range m.positions {
		if p.ObservedAt.Before(ts) {
			delete(m.positions, k)
		}
	}

	runs := m.feedRuns[:0]
	for _, r := range m.feedRuns {
		if !r.StartedAt.Before(ts) {
			runs = append(runs, r)
		}
	}
	m.feedRuns = runs

	for id, a := range m.anomalies {
		if a.DetectedAt.Before(ts) {
			delete(m.anomalies, id)
			key := anomalyKey(a.StationID, a.RouteID, a.Kind)
			ids := m.anomalyByKey[key]
			for i, existing := range ids {
				if existing == id {
					m.anomalyByKey[key] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
		}
	}

	return nil
}

func (m *MemoryStore) PutModelArtifact(ctx context.Context, name string, payload []byte, hyperparams map[string]float64, trainingWindowHours int) (model.ModelArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.artifacts[name]
	nextVersion := int64(1)
	if len(versions) > 0 {
		nextVersion = versions[len(versions)-1].Version + 1
	}
	artifact := model.ModelArtifact{
		Name:                name,
		Version:             nextVersion,
		TrainedAt:           time.Now().UTC(),
		Payload:             payload,
		Hyperparams:         hyperparams,
		TrainingWindowHours: trainingWindowHours,
	}
	m.artifacts[name] = append(versions, artifact)
	return artifact, nil
}

func (m *MemoryStore) GetLatestArtifact(ctx context.Context, name string) (model.ModelArtifact, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.artifacts[name]
	if len(versions) == 0 {
		return model.ModelArtifact{}, false, nil
	}
	return versions[len(versions)-1], true, nil
}

func (m *MemoryStore) ArtifactExistsAt(ctx context.Context, name string, version int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.artifacts[name] {
		if a.Version == version && !a.TrainedAt.After(at) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) UpsertCatalogRow(ctx context.Context, row CatalogRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := row.Kind + "|" + row.ID
	if _, exists := m.catalog[key]; exists {
		// keep existing, ignore new — per spec.md §4.4
		return nil
	}
	m.catalog[key] = row
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
