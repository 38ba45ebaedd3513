package detector_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/detector"
	"go.transitwatch.dev/core/internal/metrics"
	"go.transitwatch.dev/core/internal/model"
	"go.transitwatch.dev/core/internal/store"
)

type capturingPublisher struct {
	published []model.Anomaly
}

func (c *capturingPublisher) Publish(a model.Anomaly) {
	c.published = append(c.published, a)
}

func frame(routeID, stopID string, headway, delay *float64, mean, stdev float64) model.FeatureFrame {
	return model.FeatureFrame{
		TripID:              "t1",
		RouteID:             routeID,
		StopID:              stopID,
		ObservedAt:          time.Now().UTC(),
		HeadwaySeconds:      headway,
		DelaySeconds:        delay,
		RollingHeadwayMean:  mean,
		RollingHeadwayStdev: stdev,
	}
}

func f64(v float64) *float64 { return &v }

func TestScoreFrameModelColdReturnsNilNoError(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturingPublisher{}
	d := detector.New(detector.DefaultConfig(), st, pub, zap.NewNop(), metrics.New())

	err := d.ScoreFrame(context.Background(), frame("6", "635N", f64(900), nil, 180, 30))
	require.NoError(t, err)
	assert.Empty(t, pub.published)

	outlierState, seqState := d.States()
	assert.Equal(t, model.ModelAbsent, outlierState)
	assert.Equal(t, model.ModelAbsent, seqState)
}

func TestTrainOutlierThenScoreEmitsAnomaly(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturingPublisher{}
	cfg := detector.DefaultConfig()
	d := detector.New(cfg, st, pub, zap.NewNop(), metrics.New())
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		headway := 180 + rng.NormFloat64()*10
		require.NoError(t, d.ScoreFrame(ctx, frame("6", "635N", f64(headway), f64(rng.NormFloat64()*20), 180, 15)))
	}
	require.NoError(t, d.Train(ctx))

	outlierState, _ := d.States()
	require.Equal(t, model.ModelReady, outlierState)

	err := d.ScoreFrame(ctx, frame("6", "635N", f64(900), nil, 180, 30))
	require.NoError(t, err)
	require.NotEmpty(t, pub.published)
	assert.Equal(t, model.KindHeadwayOutlier, pub.published[0].Kind)
	assert.GreaterOrEqual(t, pub.published[0].Severity, 0.0)
	assert.LessOrEqual(t, pub.published[0].Severity, 1.0)
}

func TestDuplicateSuppressionRaisesSeverityInPlace(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturingPublisher{}
	cfg := detector.DefaultConfig()
	cfg.SuppressWindow = 5 * time.Minute
	d := detector.New(cfg, st, pub, zap.NewNop(), metrics.New())
	ctx := context.Background()

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		headway := 180 + rng.NormFloat64()*10
		require.NoError(t, d.ScoreFrame(ctx, frame("6", "635N", f64(headway), nil, 180, 15)))
	}
	require.NoError(t, d.Train(ctx))

	require.NoError(t, d.ScoreFrame(ctx, frame("6", "635N", f64(900), nil, 180, 30)))
	require.NoError(t, d.ScoreFrame(ctx, frame("6", "635N", f64(950), nil, 180, 30)))

	page, err := st.QueryAnomalies(ctx, store.AnomalyFilter{Station: "635N", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, page.Anomalies, 1, "second outlier within the suppression window should raise severity, not insert a row")
}
