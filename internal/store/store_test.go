package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.transitwatch.dev/core/internal/model"
	"go.transitwatch.dev/core/internal/store"
)

// Builder constructs a fresh, empty Store. Tests are written once and
// run against every backend, the same way tidbyt.dev/gtfs's
// storage_test.go drives its whole suite through a StorageBuilder.
type Builder func() (store.Store, error)

func TestStore(t *testing.T) {
	for _, test := range []struct {
		Name string
		Test func(t *testing.T, b Builder)
	}{
		{"InsertAndQueryPositions", testInsertAndQueryPositions},
		{"DuplicatePositionsIgnored", testDuplicatePositionsIgnored},
		{"FeedRunValidation", testFeedRunValidation},
		{"AnomalySuppressionLookup", testAnomalySuppressionLookup},
		{"RaiseSeverityIsMax", testRaiseSeverityIsMax},
		{"AnomalyPagination", testAnomalyPagination},
		{"PurgeBeforeRemovesOldRows", testPurgeBeforeRemovesOldRows},
		{"ModelArtifactVersioning", testModelArtifactVersioning},
		{"CatalogUpsertKeepsExisting", testCatalogUpsertKeepsExisting},
	} {
		t.Run(fmt.Sprintf("%s Memory", test.Name), func(t *testing.T) {
			test.Test(t, func() (store.Store, error) {
				return store.NewMemoryStore(), nil
			})
		})
		t.Run(fmt.Sprintf("%s SQLite", test.Name), func(t *testing.T) {
			test.Test(t, func() (store.Store, error) {
				return store.NewSQLite(":memory:")
			})
		})
	}
}

func testInsertAndQueryPositions(t *testing.T, b Builder) {
	s, err := b()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	delay := int64(45)

	err = s.InsertPositions(ctx, []store.PositionRecord{
		{TripID: "t1", RouteID: "L1", StopID: "s1", ObservedAt: now, CurrentStatus: model.StatusAtStop, DelaySeconds: &delay, Lat: 1, Lon: 2},
		{TripID: "t2", RouteID: "L2", StopID: "s2", ObservedAt: now.Add(time.Minute), CurrentStatus: model.StatusInTransit, Lat: 3, Lon: 4},
	})
	require.NoError(t, err)

	rows, err := s.QueryPositions(ctx, store.PositionFilter{Line: "L1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "t1", rows[0].TripID)
	require.NotNil(t, rows[0].DelaySeconds)
	assert.Equal(t, int64(45), *rows[0].DelaySeconds)

	all, err := s.QueryPositions(ctx, store.PositionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testDuplicatePositionsIgnored(t *testing.T, b Builder) {
	s, err := b()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	rec := store.PositionRecord{TripID: "t1", RouteID: "L1", StopID: "s1", ObservedAt: now, CurrentStatus: model.StatusAtStop}

	require.NoError(t, s.InsertPositions(ctx, []store.PositionRecord{rec}))
	require.NoError(t, s.InsertPositions(ctx, []store.PositionRecord{rec}))

	rows, err := s.QueryPositions(ctx, store.PositionFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func testFeedRunValidation(t *testing.T, b Builder) {
	s, err := b()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	_, err = s.InsertFeedRun(ctx, model.FeedRun{
		FeedID: "vehicle_positions", StartedAt: now, FinishedAt: now.Add(-time.Second),
	})
	assert.Error(t, err)

	run, err := s.InsertFeedRun(ctx, model.FeedRun{
		FeedID: "vehicle_positions", StartedAt: now, FinishedAt: now.Add(time.Second),
		EntitiesSeen: 10, Status: model.FeedRunOK,
	})
	require.NoError(t, err)
	assert.NotZero(t, run.RunID)

	runs, err := s.LatestFeedRuns(ctx, "vehicle_positions", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func testAnomalySuppressionLookup(t *testing.T, b Builder) {
	s, err := b()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	a := model.Anomaly{
		AnomalyID: "a1", DetectedAt: now, StationID: "stA", RouteID: "L1",
		Kind: model.KindHeadwayOutlier, Severity: 0.5, ModelName: "m1", ModelVersion: 1,
		Features: map[string]float64{"z": 3.1},
	}
	require.NoError(t, s.InsertAnomaly(ctx, a))

	found, ok, err := s.FindRecentAnomaly(ctx, "stA", "L1", model.KindHeadwayOutlier, 10*time.Minute, now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a1", found.AnomalyID)
	assert.InDelta(t, 3.1, found.Features["z"], 1e-9)

	_, ok, err = s.FindRecentAnomaly(ctx, "stA", "L1", model.KindHeadwayOutlier, 10*time.Minute, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRaiseSeverityIsMax(t *testing.T, b Builder) {
	s, err := b()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertAnomaly(ctx, model.Anomaly{
		AnomalyID: "a1", DetectedAt: now, StationID: "stA", RouteID: "L1",
		Kind: model.KindDwellOutlier, Severity: 0.3, ModelName: "m1", ModelVersion: 1,
	}))

	require.NoError(t, s.RaiseSeverity(ctx, "a1", 0.8))
	require.NoError(t, s.RaiseSeverity(ctx, "a1", 0.1))

	page, err := s.QueryAnomalies(ctx, store.AnomalyFilter{Station: "stA"})
	require.NoError(t, err)
	require.Len(t, page.Anomalies, 1)
	assert.Equal(t, 0.8, page.Anomalies[0].Severity)

	err = s.RaiseSeverity(ctx, "does-not-exist", 0.9)
	assert.Error(t, err)
}

func testAnomalyPagination(t *testing.T, b Builder) {
	s, err := b()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertAnomaly(ctx, model.Anomaly{
			AnomalyID:  fmt.Sprintf("a%d", i),
			DetectedAt: now.Add(time.Duration(i) * time.Minute),
			StationID:  "stA", RouteID: "L1", Kind: model.KindDelaySpike,
			Severity: 0.5, ModelName: "m1", ModelVersion: 1,
		}))
	}

	page, err := s.QueryAnomalies(ctx, store.AnomalyFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page.Anomalies, 2)
	assert.NotEmpty(t, page.NextCursor)

	page2, err := s.QueryAnomalies(ctx, store.AnomalyFilter{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Len(t, page2.Anomalies, 2)
	assert.NotEqual(t, page.Anomalies[0].AnomalyID, page2.Anomalies[0].AnomalyID)
}

func testPurgeBeforeRemovesOldRows(t *testing.T, b Builder) {
	s, err := b()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	cutoff := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	old := cutoff.Add(-time.Hour)
	recent := cutoff.Add(time.Hour)

	require.NoError(t, s.InsertPositions(ctx, []store.PositionRecord{
		{TripID: "old", RouteID: "L1", StopID: "s1", ObservedAt: old, CurrentStatus: model.StatusAtStop},
		{TripID: "new", RouteID: "L1", StopID: "s1", ObservedAt: recent, CurrentStatus: model.StatusAtStop},
	}))
	require.NoError(t, s.InsertAnomaly(ctx, model.Anomaly{
		AnomalyID: "old-a", DetectedAt: old, StationID: "stA", RouteID: "L1", Kind: model.KindDelaySpike, ModelName: "m1", ModelVersion: 1,
	}))
	require.NoError(t, s.InsertAnomaly(ctx, model.Anomaly{
		AnomalyID: "new-a", DetectedAt: recent, StationID: "stA", RouteID: "L1", Kind: model.KindDelaySpike, ModelName: "m1", ModelVersion: 1,
	}))

	require.NoError(t, s.PurgeBefore(ctx, cutoff))

	rows, err := s.QueryPositions(ctx, store.PositionFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new", rows[0].TripID)

	page, err := s.QueryAnomalies(ctx, store.AnomalyFilter{})
	require.NoError(t, err)
	require.Len(t, page.Anomalies, 1)
	assert.Equal(t, "new-a", page.Anomalies[0].AnomalyID)
}

func testModelArtifactVersioning(t *testing.T, b Builder) {
	s, err := b()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	v1, err := s.PutModelArtifact(ctx, "m1", []byte("payload-1"), map[string]float64{"trees": 100}, 168)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version)

	v2, err := s.PutModelArtifact(ctx, "m1", []byte("payload-2"), map[string]float64{"trees": 120}, 168)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.Version)

	latest, ok, err := s.GetLatestArtifact(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), latest.Version)
	assert.Equal(t, "payload-2", string(latest.Payload))
	assert.InDelta(t, 120, latest.Hyperparams["trees"], 1e-9)

	exists, err := s.ArtifactExistsAt(ctx, "m1", 1, latest.TrainedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, exists)

	_, ok, err = s.GetLatestArtifact(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testCatalogUpsertKeepsExisting(t *testing.T, b Builder) {
	s, err := b()
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	require.NoError(t, s.UpsertCatalogRow(ctx, store.CatalogRow{Kind: "station", ID: "stA", Name: "First"}))
	require.NoError(t, s.UpsertCatalogRow(ctx, store.CatalogRow{Kind: "station", ID: "stA", Name: "Second"}))
}
