// Package scheduler owns the recurrent timers (C9): ingest ticks,
// detection (each feed's frames are scored as soon as that feed's
// ingest finishes; completions are not coalesced), nightly retrain,
// and purge, plus structured shutdown. Grounded on spec.md §4.9/§5; the independent-timer-plus-
// shared-context shutdown pattern follows jordigilh-kubernaut's
// controller manager loop.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/bus"
	"go.transitwatch.dev/core/internal/catalog"
	"go.transitwatch.dev/core/internal/decode"
	"go.transitwatch.dev/core/internal/detector"
	"go.transitwatch.dev/core/internal/features"
	"go.transitwatch.dev/core/internal/fetch"
	"go.transitwatch.dev/core/internal/metrics"
	"go.transitwatch.dev/core/internal/model"
	"go.transitwatch.dev/core/internal/store"
)

// Config controls timer periods and backpressure watermarks, per
// spec.md §6.
type Config struct {
	FeedUpdateInterval   time.Duration
	FeedTimeout          time.Duration
	SequenceTickInterval time.Duration
	ModelRetrainHour     int
	PurgeInterval        time.Duration
	Retention            time.Duration
	HeartbeatInterval    time.Duration
	ShutdownGrace        time.Duration

	WriteHighWatermark time.Duration
	WriteDropWatermark time.Duration
}

// DefaultConfig mirrors spec.md §6's defaults plus the fixed 60s purge
// cadence spec.md §4.9 names.
func DefaultConfig() Config {
	return Config{
		FeedUpdateInterval:   30 * time.Second,
		FeedTimeout:          10 * time.Second,
		SequenceTickInterval: 60 * time.Second,
		ModelRetrainHour:     3,
		PurgeInterval:        60 * time.Second,
		Retention:            168 * time.Hour,
		HeartbeatInterval:    30 * time.Second,
		ShutdownGrace:        10 * time.Second,
		WriteHighWatermark:   500 * time.Millisecond,
		WriteDropWatermark:   2 * time.Second,
	}
}

// Scheduler drives the ingest -> feature -> detect -> publish pipeline
// for a fixed set of feeds and owns the store's periodic purge and the
// detector's nightly retrain.
type Scheduler struct {
	cfgMu sync.RWMutex
	cfg   Config

	feeds   []fetch.Descriptor
	fetcher *fetch.Fetcher
	cat     *catalog.Catalog
	engine  *features.Engine
	det     *detector.Detector
	st      store.Store
	bus     *bus.Bus
	log     *zap.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	lastRunAt     map[string]time.Time
	lastRunOK     map[string]bool
	lastRetrainOn string // "2006-01-02", the last calendar day retrain ran
	writeLatency  *latencyTracker

	tickerMu        sync.Mutex
	ingestTicker    *time.Ticker
	purgeTicker     *time.Ticker
	heartbeatTicker *time.Ticker
	sequenceTicker  *time.Ticker

	wg sync.WaitGroup
}

// New builds a Scheduler. cat may be nil if the catalog hasn't loaded
// yet (feed_status/health endpoints reflect this; ingest still runs).
func New(cfg Config, feeds []fetch.Descriptor, fetcher *fetch.Fetcher, cat *catalog.Catalog, engine *features.Engine, det *detector.Detector, st store.Store, b *bus.Bus, log *zap.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		feeds:        feeds,
		fetcher:      fetcher,
		cat:          cat,
		engine:       engine,
		det:          det,
		st:           st,
		bus:          b,
		log:          log,
		metrics:      m,
		lastRunAt:    map[string]time.Time{},
		lastRunOK:    map[string]bool{},
		writeLatency: newLatencyTracker(60 * time.Second),
	}
}

// Run blocks, driving all timers until ctx is canceled, then performs a
// structured shutdown: stop accepting new ticks, drain in-flight work up
// to ShutdownGrace, wait for the timer goroutines to return (a tick still
// running when the grace period elapses delays this), close subscribers
// with reason shutdown, and return.
func (s *Scheduler) Run(ctx context.Context) {
	var timerWG sync.WaitGroup
	timerWG.Add(5)
	go func() { defer timerWG.Done(); s.runIngestTimer(ctx) }()
	go func() { defer timerWG.Done(); s.runPurgeTimer(ctx) }()
	go func() { defer timerWG.Done(); s.runRetrainTimer(ctx) }()
	go func() { defer timerWG.Done(); s.runHeartbeatTimer(ctx) }()
	go func() { defer timerWG.Done(); s.runSequenceTimer(ctx) }()

	<-ctx.Done()
	s.log.Info("scheduler shutting down, draining in-flight work", zap.Duration("grace", s.cfg.ShutdownGrace))

	drained := make(chan struct{})
	go func() { s.wg.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(s.cfg.ShutdownGrace):
		s.log.Warn("shutdown grace period elapsed with work still in flight")
	}
	timerWG.Wait()
	if s.bus != nil {
		s.bus.Close()
	}
}

func (s *Scheduler) runIngestTimer(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FeedUpdateInterval)
	defer ticker.Stop()
	s.tickerMu.Lock()
	s.ingestTicker = ticker
	s.tickerMu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ingestOnce(ctx)
		}
	}
}

func (s *Scheduler) runPurgeTimer(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()
	s.tickerMu.Lock()
	s.purgeTicker = ticker
	s.tickerMu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.liveCfg().Retention)
			if err := s.st.PurgeBefore(ctx, cutoff); err != nil {
				s.log.Error("purge failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) runRetrainTimer(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			today := now.Format("2006-01-02")

			s.mu.Lock()
			already := s.lastRetrainOn == today
			s.mu.Unlock()

			if now.Hour() == s.liveCfg().ModelRetrainHour && !already {
				s.retrain(ctx)
				s.mu.Lock()
				s.lastRetrainOn = today
				s.mu.Unlock()
			}
		}
	}
}

func (s *Scheduler) runHeartbeatTimer(ctx context.Context) {
	if s.bus == nil || s.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	s.tickerMu.Lock()
	s.heartbeatTicker = ticker
	s.tickerMu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.bus.Heartbeat()
		}
	}
}

// runSequenceTimer evaluates M2 once per SequenceTickInterval, for
// every line the detector holds a tick series for, per spec.md §4.6's "for each
// line, once per SEQUENCE_TICK_SECONDS, M2 is evaluated over the
// latest sequence."
func (s *Scheduler) runSequenceTimer(ctx context.Context) {
	if s.cfg.SequenceTickInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SequenceTickInterval)
	defer ticker.Stop()
	s.tickerMu.Lock()
	s.sequenceTicker = ticker
	s.tickerMu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sequenceTick(ctx)
		}
	}
}

// sequenceTick scores every line the detector has an active M2 series
// for. A line-level sequence anomaly has no single station, so
// station_id is left empty on the emitted Anomaly, per spec.md §3's
// optional station_id.
func (s *Scheduler) sequenceTick(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	for _, routeID := range s.det.Lines() {
		if err := s.det.SequenceTick(ctx, routeID, ""); err != nil {
			s.log.Error("sequence detector scoring failed", zap.String("route_id", routeID), zap.Error(err))
		}
	}
}

// liveCfg returns a snapshot of the scheduler's hot-reloadable config
// fields (retention, watermarks, retrain hour), safe for concurrent
// reads while ApplyConfig updates them from a config.Watcher.
func (s *Scheduler) liveCfg() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ApplyConfig updates the scheduler's non-structural knobs — tick
// intervals, retention, write watermarks, retrain hour — from a
// hot-reloaded configuration, per config.Watcher's contract. Feeds,
// store driver/DSN, and listen address are read once at startup and
// are not applied here.
func (s *Scheduler) ApplyConfig(cfg Config) {
	s.cfgMu.Lock()
	s.cfg.FeedUpdateInterval = cfg.FeedUpdateInterval
	s.cfg.PurgeInterval = cfg.PurgeInterval
	s.cfg.HeartbeatInterval = cfg.HeartbeatInterval
	s.cfg.SequenceTickInterval = cfg.SequenceTickInterval
	s.cfg.Retention = cfg.Retention
	s.cfg.WriteHighWatermark = cfg.WriteHighWatermark
	s.cfg.WriteDropWatermark = cfg.WriteDropWatermark
	s.cfg.ModelRetrainHour = cfg.ModelRetrainHour
	s.cfgMu.Unlock()

	s.tickerMu.Lock()
	defer s.tickerMu.Unlock()
	resetTicker(s.ingestTicker, cfg.FeedUpdateInterval)
	resetTicker(s.purgeTicker, cfg.PurgeInterval)
	resetTicker(s.heartbeatTicker, cfg.HeartbeatInterval)
	resetTicker(s.sequenceTicker, cfg.SequenceTickInterval)
}

func resetTicker(t *time.Ticker, d time.Duration) {
	if t == nil || d <= 0 {
		return
	}
	t.Reset(d)
}

func (s *Scheduler) retrain(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	if err := s.det.Train(ctx); err != nil {
		s.log.Error("nightly retrain failed", zap.Error(err))
	}
}

// TriggerDetection runs one scoring pass over the most recent position
// snapshot, for the API's operator-initiated /anomalies/detect
// endpoint. It does not re-fetch feeds. Positions are keyed by
// route_id, not the vendor feed_id the scheduler fetches under, so
// this queries once across all lines rather than per-feed.
func (s *Scheduler) TriggerDetection(ctx context.Context) (string, error) {
	runID := time.Now().UTC().Format(time.RFC3339Nano)
	positions, err := s.st.QueryPositions(ctx, store.PositionFilter{Limit: 1000})
	if err != nil {
		return "", err
	}
	for _, p := range positions {
		frame, ok := s.engine.Ingest(model.TripUpdate{
			TripID:        p.TripID,
			RouteID:       p.RouteID,
			ObservedAt:    p.ObservedAt,
			CurrentStopID: p.StopID,
			NextStopID:    p.StopID,
			CurrentStatus: p.CurrentStatus,
			DelaySeconds:  p.DelaySeconds,
		})
		if !ok {
			continue
		}
		s.scoreFrame(ctx, frame)
	}
	return runID, nil
}

// IngestFresh reports whether at least one feed completed a FeedRun
// within 2x FEED_UPDATE_INTERVAL, per spec.md §4.8's readiness rule.
func (s *Scheduler) IngestFresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-2 * s.liveCfg().FeedUpdateInterval)
	for _, at := range s.lastRunAt {
		if at.After(cutoff) {
			return true
		}
	}
	return len(s.feeds) == 0 // no feeds configured: vacuously fresh.
}
