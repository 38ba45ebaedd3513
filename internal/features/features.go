// Package features implements the sliding-window Feature Engine (C5):
// headway, dwell, delay, and schedule-adherence computed per trip/stop
// update, plus rolling mean/stdev of headway over a bounded recent
// window. Grounded on tidbyt.dev/gtfs's StopTimeEvent materialization
// in realtime.go (deriving one evented record per stop_time_update),
// generalized from a query-time projection into a streaming, stateful
// computation with the sharding and eviction rules of spec.md §4.5/§5.
package features

import (
	"sync"
	"time"

	"go.transitwatch.dev/core/internal/catalog"
	"go.transitwatch.dev/core/internal/model"
	"go.transitwatch.dev/core/internal/store"
)

// Config controls window sizing, per spec.md §6.
type Config struct {
	HeadwayWindow time.Duration
	RollingWindow time.Duration
	// MaxSamplesPerShard bounds shard memory regardless of time window.
	MaxSamplesPerShard int
}

// DefaultConfig mirrors spec.md §6's defaults (30 min headway window, 1h
// rolling window).
func DefaultConfig() Config {
	return Config{
		HeadwayWindow:      30 * time.Minute,
		RollingWindow:      time.Hour,
		MaxSamplesPerShard: 4096,
	}
}

type stopDirKey struct {
	stopID    string
	direction int8
}

type rollingKey struct {
	routeID string
	stopID  string
}

// tripState tracks the last observation for one trip, used to detect
// the at_stop -> in_transit transition (dwell) and to discard
// out-of-order arrivals.
type tripState struct {
	lastObservedAt  map[string]time.Time // stopID -> last observed_at seen for that stop
	lastStatus      model.CurrentStatus
	lastStatusStop  string
	enteredStopAt   time.Time
}

// Engine computes FeatureFrames from a stream of TripUpdates. Its
// shared state lives in three maps (headway, rolling windows, trip
// state), each guarded by one mutex of its own; every key of a map
// serializes on that map's lock.
type Engine struct {
	cfg     Config
	catalog *catalog.Catalog

	headwayMu sync.Mutex
	headway   map[stopDirKey]time.Time // last arrival per (stop, direction)

	rollingMu sync.Mutex
	rolling   map[rollingKey]*welfordWindow

	tripMu sync.Mutex
	trips  map[model.TripKey]*tripState
}

// NewEngine builds an empty Feature Engine. catalogRef may be nil; in
// that case delay_s is only ever derived from the feed's own delay
// field, never from a schedule lookup.
func NewEngine(cfg Config, catalogRef *catalog.Catalog) *Engine {
	if cfg.MaxSamplesPerShard <= 0 {
		cfg.MaxSamplesPerShard = DefaultConfig().MaxSamplesPerShard
	}
	return &Engine{
		cfg:     cfg,
		catalog: catalogRef,
		headway: map[stopDirKey]time.Time{},
		rolling: map[rollingKey]*welfordWindow{},
		trips:   map[model.TripKey]*tripState{},
	}
}

// Ingest processes one TripUpdate and returns the FeatureFrame for it,
// or ok=false if the update was discarded as out-of-order (per the
// monotonicity invariant of spec.md §3/§8).
func (e *Engine) Ingest(tu model.TripUpdate) (frame model.FeatureFrame, ok bool) {
	key := model.TripKey{TripID: tu.TripID, RouteID: tu.RouteID}
	stopID := tu.CurrentStopID
	if stopID == "" {
		stopID = tu.NextStopID
	}

	if !e.checkOrder(key, stopID, tu.ObservedAt) {
		return model.FeatureFrame{}, false
	}

	var headway *float64
	if tu.NextStopID != "" {
		headway = e.computeHeadway(tu)
	}

	dwell := e.computeDwell(key, tu)

	delay := e.computeDelay(tu)

	adherence := 0.0
	if delay != nil {
		adherence = clamp(float64(*delay)/600.0, -1, 1)
	}

	rMean, rStdev := e.updateRolling(tu, headway)

	frame = model.FeatureFrame{
		TripID:              tu.TripID,
		RouteID:             tu.RouteID,
		StopID:              stopID,
		ObservedAt:          tu.ObservedAt,
		HeadwaySeconds:      headway,
		DwellSeconds:        dwell,
		DelaySeconds:        floatPtr(delay),
		ScheduleAdherence:   adherence,
		RollingHeadwayMean:  rMean,
		RollingHeadwayStdev: rStdev,
	}
	return frame, true
}

// checkOrder enforces strict non-decreasing observed_at per
// (trip_id, stop_id), discarding out-of-order arrivals, and records
// the accepted observed_at for that stop.
func (e *Engine) checkOrder(key model.TripKey, stopID string, observedAt time.Time) bool {
	e.tripMu.Lock()
	defer e.tripMu.Unlock()

	st, exists := e.trips[key]
	if !exists {
		st = &tripState{lastObservedAt: map[string]time.Time{}}
		e.trips[key] = st
	}

	if last, seen := st.lastObservedAt[stopID]; seen && observedAt.Before(last) {
		return false
	}
	st.lastObservedAt[stopID] = observedAt
	return true
}

// computeHeadway returns the elapsed time since the previous train
// serving tu.NextStopID in the same direction, or nil if no earlier
// train has been seen for that (stop, direction). A gap longer than the
// headway window is still reported.
func (e *Engine) computeHeadway(tu model.TripUpdate) *float64 {
	k := stopDirKey{stopID: tu.NextStopID, direction: tu.Direction}

	e.headwayMu.Lock()
	defer e.headwayMu.Unlock()

	prev, ok := e.headway[k]
	e.headway[k] = tu.ObservedAt

	if !ok {
		return nil
	}
	if tu.ObservedAt.Sub(prev) > e.cfg.HeadwayWindow {
		// Gap exceeds the configured window: still a real headway
		// value (this is precisely the outlier case spec.md §8's
		// scenario 2 describes), so report it rather than nil it out.
	}
	secs := tu.ObservedAt.Sub(prev).Seconds()
	return &secs
}

// computeDwell returns the dwell duration when tu represents a
// transition from at_stop to in_transit at the stop the trip was
// sitting at, or nil otherwise.
func (e *Engine) computeDwell(key model.TripKey, tu model.TripUpdate) *float64 {
	return e.computeDwellStatus(key, tu.CurrentStatus, tu.CurrentStopID, tu.ObservedAt)
}

// computeDwellStatus is computeDwell's status-tracking core, shared
// with IngestVehiclePosition: TripUpdate entities never carry a
// reliable current_status/current_stop_id (decode.go's StopTimeUpdate
// loop has no such field to read), so the at_stop -> in_transit
// transition this depends on is only ever observed via
// VehiclePositions in practice.
func (e *Engine) computeDwellStatus(key model.TripKey, status model.CurrentStatus, stopID string, observedAt time.Time) *float64 {
	e.tripMu.Lock()
	defer e.tripMu.Unlock()

	st := e.trips[key]
	var dwell *float64

	switch {
	case st.lastStatus == model.StatusAtStop && status == model.StatusInTransit && st.lastStatusStop == stopID:
		secs := observedAt.Sub(st.enteredStopAt).Seconds()
		dwell = &secs
	case status == model.StatusAtStop && st.lastStatus != model.StatusAtStop:
		st.enteredStopAt = observedAt
	}

	st.lastStatus = status
	st.lastStatusStop = stopID
	return dwell
}

// IngestVehiclePosition folds a VehiclePosition into dwell tracking and
// returns a FeatureFrame carrying DwellSeconds when the position closes
// an at_stop -> in_transit transition, or ok=false otherwise. This is
// the only path that reliably produces a non-nil dwell, since it reads
// the vendor feed's own current_status rather than inferring one.
func (e *Engine) IngestVehiclePosition(vp model.VehiclePosition) (frame model.FeatureFrame, ok bool) {
	key := model.TripKey{TripID: vp.TripID, RouteID: vp.RouteID}
	if !e.checkOrder(key, vp.CurrentStopID, vp.ObservedAt) {
		return model.FeatureFrame{}, false
	}

	dwell := e.computeDwellStatus(key, vp.CurrentStatus, vp.CurrentStopID, vp.ObservedAt)
	if dwell == nil {
		return model.FeatureFrame{}, false
	}

	return model.FeatureFrame{
		TripID:       vp.TripID,
		RouteID:      vp.RouteID,
		StopID:       vp.CurrentStopID,
		ObservedAt:   vp.ObservedAt,
		DwellSeconds: dwell,
	}, true
}

// computeDelay prefers the feed-reported delay; absent that, it
// derives delay from the catalog's scheduled arrival, if a static
// schedule was loaded and has a match for this (trip_id, stop_id).
func (e *Engine) computeDelay(tu model.TripUpdate) *int64 {
	if tu.DelaySeconds != nil {
		return tu.DelaySeconds
	}
	if e.catalog == nil || tu.CurrentStopID == "" || tu.ArrivalTime.IsZero() {
		return nil
	}
	scheduled, ok := e.catalog.ScheduledArrival(tu.TripID, tu.CurrentStopID)
	if !ok {
		return nil
	}
	scheduledSecs, err := parseGTFSTimeOfDay(scheduled)
	if err != nil {
		return nil
	}
	y, m, d := tu.ArrivalTime.Date()
	serviceDayStart := time.Date(y, m, d, 0, 0, 0, 0, tu.ArrivalTime.Location())
	observedSecs := tu.ArrivalTime.Sub(serviceDayStart).Seconds()
	delay := int64(observedSecs - float64(scheduledSecs))
	return &delay
}

// updateRolling folds a headway sample into the (route, stop)'s
// rolling window and returns the current mean/stdev.
func (e *Engine) updateRolling(tu model.TripUpdate, headway *float64) (mean, stdev float64) {
	if headway == nil {
		return 0, 0
	}
	k := rollingKey{routeID: tu.RouteID, stopID: tu.NextStopID}

	e.rollingMu.Lock()
	defer e.rollingMu.Unlock()

	w, ok := e.rolling[k]
	if !ok {
		w = newWelfordWindow(e.cfg.RollingWindow, e.cfg.MaxSamplesPerShard)
		e.rolling[k] = w
	}
	w.Add(tu.ObservedAt, *headway)
	return w.Mean(), w.Stdev()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func floatPtr(i *int64) *float64 {
	if i == nil {
		return nil
	}
	v := float64(*i)
	return &v
}

// Rebuild warms trip-ordering and dwell state from durable positions
// newer than since, per spec.md §4.5's restart-replay rule. Headway
// and rolling-window statistics are NOT reconstructed from positions:
// PositionRecord does not retain next_stop_id or direction (only the
// current stop), so the headway windows start cold after a restart
// and rebuild naturally as new TripUpdates arrive.
func (e *Engine) Rebuild(records []store.PositionRecord) {
	for _, r := range records {
		key := model.TripKey{TripID: r.TripID, RouteID: r.RouteID}
		e.checkOrder(key, r.StopID, r.ObservedAt)

		e.tripMu.Lock()
		st := e.trips[key]
		st.lastStatus = r.CurrentStatus
		st.lastStatusStop = r.StopID
		if r.CurrentStatus == model.StatusAtStop {
			st.enteredStopAt = r.ObservedAt
		}
		e.tripMu.Unlock()
	}
}
