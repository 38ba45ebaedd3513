package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/bus"
	"go.transitwatch.dev/core/internal/detector"
	"go.transitwatch.dev/core/internal/features"
	"go.transitwatch.dev/core/internal/fetch"
	"go.transitwatch.dev/core/internal/metrics"
	"go.transitwatch.dev/core/internal/scheduler"
	"go.transitwatch.dev/core/internal/store"
)

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	m := metrics.New()
	engine := features.NewEngine(features.DefaultConfig(), nil)
	b := bus.New(zap.NewNop(), 8)
	det := detector.New(detector.DefaultConfig(), st, b, zap.NewNop(), m)
	fetcher := fetch.New(nil, fetch.DefaultPolicy())

	cfg := scheduler.DefaultConfig()
	s := scheduler.New(cfg, nil, fetcher, nil, engine, det, st, b, zap.NewNop(), m)
	return s, st
}

func TestIngestFreshVacuousWithNoFeeds(t *testing.T) {
	s, _ := newTestScheduler(t)
	assert.True(t, s.IngestFresh())
}

func TestTriggerDetectionReturnsRunID(t *testing.T) {
	s, _ := newTestScheduler(t)
	runID, err := s.TriggerDetection(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
}

func TestRunRespectsShutdownGrace(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after cancellation with no in-flight work")
	}
}
