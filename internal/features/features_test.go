package features_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.transitwatch.dev/core/internal/features"
	"go.transitwatch.dev/core/internal/model"
)

func tripUpdate(tripID string, observedAt time.Time, nextStop string, status model.CurrentStatus) model.TripUpdate {
	return model.TripUpdate{
		TripID:        tripID,
		RouteID:       "L1",
		ObservedAt:    observedAt,
		Direction:     0,
		CurrentStopID: nextStop,
		NextStopID:    nextStop,
		CurrentStatus: status,
	}
}

func TestHeadwayFirstObservationIsNil(t *testing.T) {
	e := features.NewEngine(features.DefaultConfig(), nil)
	base := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	frame, ok := e.Ingest(tripUpdate("t1", base, "635N", model.StatusIncoming))
	require.True(t, ok)
	assert.Nil(t, frame.HeadwaySeconds)
}

func TestHeadwaySecondObservationComputesElapsed(t *testing.T) {
	e := features.NewEngine(features.DefaultConfig(), nil)
	base := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	_, ok := e.Ingest(tripUpdate("t1", base, "635N", model.StatusIncoming))
	require.True(t, ok)

	frame, ok := e.Ingest(tripUpdate("t2", base.Add(3*time.Minute), "635N", model.StatusIncoming))
	require.True(t, ok)
	require.NotNil(t, frame.HeadwaySeconds)
	assert.Equal(t, 180.0, *frame.HeadwaySeconds)
}

func TestOutOfOrderDiscarded(t *testing.T) {
	e := features.NewEngine(features.DefaultConfig(), nil)
	base := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	_, ok := e.Ingest(tripUpdate("t1", base, "635N", model.StatusIncoming))
	require.True(t, ok)

	_, ok = e.Ingest(tripUpdate("t1", base.Add(-time.Minute), "635N", model.StatusIncoming))
	assert.False(t, ok)
}

func TestDwellComputedOnTransition(t *testing.T) {
	e := features.NewEngine(features.DefaultConfig(), nil)
	base := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	frame, ok := e.Ingest(tripUpdate("t1", base, "635N", model.StatusAtStop))
	require.True(t, ok)
	assert.Nil(t, frame.DwellSeconds)

	frame, ok = e.Ingest(tripUpdate("t1", base.Add(45*time.Second), "635N", model.StatusInTransit))
	require.True(t, ok)
	require.NotNil(t, frame.DwellSeconds)
	assert.Equal(t, 45.0, *frame.DwellSeconds)
}

func TestScheduleAdherenceDerivedFromFeedDelay(t *testing.T) {
	e := features.NewEngine(features.DefaultConfig(), nil)
	base := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	delay := int64(300)

	tu := tripUpdate("t1", base, "635N", model.StatusIncoming)
	tu.DelaySeconds = &delay

	frame, ok := e.Ingest(tu)
	require.True(t, ok)
	require.NotNil(t, frame.DelaySeconds)
	assert.Equal(t, 300.0, *frame.DelaySeconds)
	assert.Equal(t, 0.5, frame.ScheduleAdherence)
}

func TestRollingStatsAccumulate(t *testing.T) {
	e := features.NewEngine(features.DefaultConfig(), nil)
	base := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)

	var last model.FeatureFrame
	for i := 0; i < 5; i++ {
		frame, ok := e.Ingest(tripUpdate("t", base.Add(time.Duration(i)*3*time.Minute), "635N", model.StatusIncoming))
		require.True(t, ok)
		last = frame
	}
	assert.InDelta(t, 180.0, last.RollingHeadwayMean, 1e-6)
	assert.InDelta(t, 0.0, last.RollingHeadwayStdev, 1e-6)
}
