// Package detector implements the Anomaly Detector (C6): an ensemble of
// an isolation-forest-style outlier model (M1) and an autoencoder
// sequence-reconstruction model (M2), with a nightly retraining loop and
// duplicate-suppression logic. Grounded on spec.md §4.6; the model-state
// machine and atomic-pointer swap pattern follow
// jordigilh-kubernaut's reconciler state handling, adapted from a
// controller reconcile loop to a model lifecycle.
package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/metrics"
	"go.transitwatch.dev/core/internal/model"
	"go.transitwatch.dev/core/internal/store"
)

// Publisher is the one-directional seam into the Event Bus (C7). The
// detector only ever publishes; per spec.md §9 it must never import the
// bus package directly, so this interface is defined here and satisfied
// by bus.Bus without either package importing the other.
type Publisher interface {
	Publish(a model.Anomaly)
}

// Config controls both models' hyperparameters, per spec.md §6.
type Config struct {
	Contamination        float64
	TrainingWindow       time.Duration
	SequenceLength       int
	HiddenSize           int
	SequenceTickInterval time.Duration
	SuppressWindow       time.Duration

	MaxTrainingSamples int // bounds the in-memory M1 training buffer
	TrainEpochs        int
	LearningRate       float64
}

// DefaultConfig mirrors spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		Contamination:        0.05,
		TrainingWindow:       168 * time.Hour,
		SequenceLength:       24,
		HiddenSize:           128,
		SequenceTickInterval: 60 * time.Second,
		SuppressWindow:       300 * time.Second,
		MaxTrainingSamples:   50000,
		TrainEpochs:          20,
		LearningRate:         0.01,
	}
}

// lineSeries accumulates recent tick aggregates for one line's M2 input,
// bounded to the configured sequence length.
type lineSeries struct {
	ticks []tickAggregate
}

func (s *lineSeries) push(t tickAggregate, maxLen int) {
	s.ticks = append(s.ticks, t)
	if len(s.ticks) > maxLen {
		s.ticks = s.ticks[len(s.ticks)-maxLen:]
	}
}

// Detector evaluates FeatureFrames against the trained ensemble and emits
// Anomalies through Publisher and the state store. All mutable state is
// guarded by its own mutex; the trained models themselves are swapped
// atomically under modelMu so a query never observes a half-updated
// model.
type Detector struct {
	cfg     Config
	st      store.Store
	pub     Publisher
	log     *zap.Logger
	metrics *metrics.Metrics

	modelMu  sync.RWMutex
	m1       *outlierModel
	m1State  model.ModelState
	m1Ver    int64
	m2       map[string]*sequenceModel // keyed by route_id
	m2State  model.ModelState
	m2Ver    int64

	trainMu  sync.Mutex
	trainBuf []featureVector // bounded ring of recent M1 training vectors

	seriesMu sync.Mutex
	series   map[string]*lineSeries // route_id -> recent ticks, for M2

	suppressMu     sync.RWMutex
	suppressWindow time.Duration // overrides cfg.SuppressWindow once set; see SetSuppressWindow

	rng *rand.Rand
}

// New builds a Detector with both models absent; Train must run at least
// once before scores are non-trivial.
func New(cfg Config, st store.Store, pub Publisher, log *zap.Logger, m *metrics.Metrics) *Detector {
	d := &Detector{
		cfg:            cfg,
		st:             st,
		pub:            pub,
		log:            log,
		metrics:        m,
		m1State:        model.ModelAbsent,
		m2State:        model.ModelAbsent,
		m2:             map[string]*sequenceModel{},
		series:         map[string]*lineSeries{},
		suppressWindow: cfg.SuppressWindow,
		rng:            rand.New(rand.NewSource(1)),
	}
	d.reportState()
	return d
}

func (d *Detector) reportState() {
	if d.metrics == nil {
		return
	}
	d.metrics.ModelState.WithLabelValues("outlier").Set(modelStateValue(d.m1State))
	d.metrics.ModelState.WithLabelValues("sequence").Set(modelStateValue(d.m2State))
}

func modelStateValue(s model.ModelState) float64 {
	switch s {
	case model.ModelTraining:
		return 1
	case model.ModelReady:
		return 2
	case model.ModelRefreshing:
		return 3
	default:
		return 0
	}
}

// featureVectorFrom projects a FeatureFrame onto M1's input space.
// dwell_z is always 0 — see the type comment on featureVector.
func featureVectorFrom(f model.FeatureFrame) featureVector {
	headwayZ := 0.0
	if f.HeadwaySeconds != nil && f.RollingHeadwayStdev > 0 {
		headwayZ = (*f.HeadwaySeconds - f.RollingHeadwayMean) / f.RollingHeadwayStdev
	}
	return featureVector{
		valueOr(f.HeadwaySeconds),
		valueOr(f.DwellSeconds),
		valueOr(f.DelaySeconds),
		headwayZ,
		0,
	}
}

func valueOr(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// ScoreFrame is the per-tick M1 evaluation: spec.md §4.6's "after every
// ingest cycle, for each FeatureFrame produced, M1 is evaluated." It also
// folds the frame into the M1 training buffer and the per-line M2 series.
func (d *Detector) ScoreFrame(ctx context.Context, frame model.FeatureFrame) error {
	fv := featureVectorFrom(frame)
	d.pushTrainingSample(fv)
	d.pushTick(frame)

	d.modelMu.RLock()
	m1 := d.m1
	m1State := d.m1State
	d.modelMu.RUnlock()

	if m1State != model.ModelReady || m1 == nil {
		return nil // model_cold: no error, no emission, per spec.md §7.
	}

	score, anomalous := m1.isAnomalous(fv)
	if !anomalous {
		return nil
	}

	kind := classifyOutlier(frame)
	features := map[string]float64{
		"headway_s": fv[0],
		"dwell_s":   fv[1],
		"delay_s":   fv[2],
		"headway_z": fv[3],
	}
	return d.emit(ctx, frame.StopID, frame.RouteID, kind, score, "outlier", m1Version(d), features)
}

func m1Version(d *Detector) int64 {
	d.modelMu.RLock()
	defer d.modelMu.RUnlock()
	return d.m1Ver
}

// classifyOutlier picks the reported anomaly kind by fixed precedence:
// delay_spike when |delay| is at least 300s, else headway_outlier when
// the headway z-score is at least 2, else dwell_outlier when a dwell
// value is present, else headway_outlier.
func classifyOutlier(f model.FeatureFrame) model.AnomalyKind {
	headwayZ := 0.0
	if f.HeadwaySeconds != nil && f.RollingHeadwayStdev > 0 {
		headwayZ = abs((*f.HeadwaySeconds - f.RollingHeadwayMean) / f.RollingHeadwayStdev)
	}
	switch {
	case f.DelaySeconds != nil && abs(*f.DelaySeconds) >= 300:
		return model.KindDelaySpike
	case headwayZ >= 2:
		return model.KindHeadwayOutlier
	case f.DwellSeconds != nil:
		return model.KindDwellOutlier
	default:
		return model.KindHeadwayOutlier
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (d *Detector) pushTrainingSample(fv featureVector) {
	d.trainMu.Lock()
	defer d.trainMu.Unlock()
	d.trainBuf = append(d.trainBuf, fv)
	if len(d.trainBuf) > d.cfg.MaxTrainingSamples {
		d.trainBuf = d.trainBuf[len(d.trainBuf)-d.cfg.MaxTrainingSamples:]
	}
}

func (d *Detector) pushTick(f model.FeatureFrame) {
	d.seriesMu.Lock()
	defer d.seriesMu.Unlock()
	s, ok := d.series[f.RouteID]
	if !ok {
		s = &lineSeries{}
		d.series[f.RouteID] = s
	}
	s.push(tickAggregate{
		HeadwayMean: f.RollingHeadwayMean,
		DelayMean:   valueOr(f.DelaySeconds),
		DwellMean:   valueOr(f.DwellSeconds),
	}, d.cfg.SequenceLength)
}

// SequenceTick is M2's per-line evaluation, called once per
// SEQUENCE_TICK_SECONDS by the scheduler for each known line.
func (d *Detector) SequenceTick(ctx context.Context, routeID, stationID string) error {
	d.seriesMu.Lock()
	s, ok := d.series[routeID]
	var window []tickAggregate
	if ok && len(s.ticks) == d.cfg.SequenceLength {
		window = append(window, s.ticks...)
	}
	d.seriesMu.Unlock()

	if window == nil {
		return nil // not enough history yet for a full sequence window.
	}

	d.modelMu.RLock()
	m2, state := d.m2[routeID], d.m2State
	ver := d.m2Ver
	d.modelMu.RUnlock()

	if state != model.ModelReady || m2 == nil {
		return nil
	}

	x := flattenWindow(window)
	reconErr := m2.reconstructionError(x)
	if reconErr < quantileThreshold(m2) {
		return nil
	}

	severity := m2.severity(reconErr)
	return d.emit(ctx, stationID, routeID, model.KindSequenceReconstruction, severity, "sequence", ver, map[string]float64{
		"reconstruction_error": reconErr,
	})
}

// quantileThreshold is the 95th-percentile-of-training-error cutoff
// spec.md §4.6 specifies. p50/p99 are retained (rather than p95 directly)
// because severity's clamp((err-p50)/(p99-p50)) needs both anchors; p95
// is interpolated between them for the firing threshold.
func quantileThreshold(m *sequenceModel) float64 {
	return m.p50 + (0.95-0.50)/(0.99-0.50)*(m.p99-m.p50)
}

// emit applies duplicate suppression (spec.md §4.6) before writing a new
// Anomaly: an existing anomaly for the same (station|route, kind) within
// SuppressWindow has its severity raised in place instead.
func (d *Detector) emit(ctx context.Context, stationID, routeID string, kind model.AnomalyKind, severity float64, modelName string, version int64, features map[string]float64) error {
	now := time.Now().UTC()

	existing, found, err := d.st.FindRecentAnomaly(ctx, stationID, routeID, kind, d.currentSuppressWindow(), now)
	if err != nil {
		return errors.Wrap(err, "detector: suppression lookup")
	}
	if found {
		if severity <= existing.Severity {
			return nil
		}
		if err := d.st.RaiseSeverity(ctx, existing.AnomalyID, severity); err != nil {
			return errors.Wrap(err, "detector: raise severity")
		}
		raised := existing
		raised.Severity = severity
		d.publish(raised)
		return nil
	}

	a := model.Anomaly{
		AnomalyID:    anomalyID(stationID, routeID, kind, now),
		DetectedAt:   now,
		StationID:    stationID,
		RouteID:      routeID,
		Kind:         kind,
		Severity:     severity,
		ModelName:    modelName,
		ModelVersion: version,
		Features:     features,
	}
	if err := d.st.InsertAnomaly(ctx, a); err != nil {
		return errors.Wrap(err, "detector: insert anomaly")
	}
	if d.metrics != nil {
		d.metrics.AnomaliesEmittedTotal.WithLabelValues(string(kind)).Inc()
	}
	d.publish(a)
	return nil
}

func (d *Detector) publish(a model.Anomaly) {
	if d.pub == nil {
		return
	}
	d.pub.Publish(a)
}

// anomalyID derives a deterministic id by hashing its identifying fields
// with the detection time at nanosecond resolution, so anomalies for the
// same key emitted at different instants get distinct ids.
func anomalyID(stationID, routeID string, kind model.AnomalyKind, at time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", stationID, routeID, kind, at.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Train runs the nightly retraining loop (spec.md §4.9's "nightly
// retrain"): M1 from the buffered training vectors, M2 per line from
// each line's recent tick history held in memory (the per-line series
// ScoreFrame feeds). Each model goes absent -> training -> ready on its
// first training and ready -> refreshing -> ready afterwards; on failure
// it returns to the state it was in, per spec.md §4.6's state machine.
func (d *Detector) Train(ctx context.Context) error {
	if err := d.trainOutlier(ctx); err != nil {
		d.bumpTrainingFailed("outlier")
		return errors.Wrap(err, "detector: train outlier model")
	}
	if err := d.trainSequences(ctx); err != nil {
		d.bumpTrainingFailed("sequence")
		return errors.Wrap(err, "detector: train sequence model")
	}
	return nil
}

func (d *Detector) bumpTrainingFailed(name string) {
	if d.metrics != nil {
		d.metrics.TrainingFailedTotal.WithLabelValues(name).Inc()
	}
}

func (d *Detector) trainOutlier(ctx context.Context) error {
	d.trainMu.Lock()
	samples := append([]featureVector(nil), d.trainBuf...)
	d.trainMu.Unlock()

	if len(samples) < 10 {
		return nil // not enough data yet; stays absent/ready as it was.
	}

	prevState := d.transitionM1(model.ModelTraining)
	trained := trainOutlierModel(samples, d.cfg.Contamination, d.rng)
	if trained == nil {
		d.setM1State(prevState)
		return errors.New("training produced no model")
	}

	payload := []byte(fmt.Sprintf("isolation-forest:trees=%d:threshold=%f", len(trained.trees), trained.threshold))
	artifact, err := d.st.PutModelArtifact(ctx, "outlier", payload, map[string]float64{
		"contamination": d.cfg.Contamination,
	}, int(d.cfg.TrainingWindow.Hours()))
	if err != nil {
		d.setM1State(prevState)
		return err
	}

	d.modelMu.Lock()
	d.m1 = trained
	d.m1Ver = artifact.Version
	d.m1State = model.ModelReady
	d.modelMu.Unlock()
	d.reportState()
	return nil
}

func (d *Detector) transitionM1(s model.ModelState) model.ModelState {
	d.modelMu.Lock()
	prev := d.m1State
	if s == model.ModelTraining && prev == model.ModelReady {
		s = model.ModelRefreshing
	}
	d.m1State = s
	d.modelMu.Unlock()
	d.reportState()
	return prev
}

func (d *Detector) setM1State(s model.ModelState) {
	d.modelMu.Lock()
	d.m1State = s
	d.modelMu.Unlock()
	d.reportState()
}

func (d *Detector) trainSequences(ctx context.Context) error {
	d.seriesMu.Lock()
	windows := map[string][]tickAggregate{}
	for routeID, s := range d.series {
		if len(s.ticks) == d.cfg.SequenceLength {
			windows[routeID] = append([]tickAggregate(nil), s.ticks...)
		}
	}
	d.seriesMu.Unlock()

	if len(windows) == 0 {
		return nil
	}

	prevState := d.transitionM2(model.ModelTraining)
	trained := map[string]*sequenceModel{}
	for routeID, w := range windows {
		m := trainSequenceModel([][]tickAggregate{w}, d.cfg.HiddenSize, d.cfg.TrainEpochs, d.cfg.LearningRate, d.rng)
		if m != nil {
			trained[routeID] = m
		}
	}
	if len(trained) == 0 {
		d.setM2State(prevState)
		return errors.New("training produced no sequence models")
	}

	artifact, err := d.st.PutModelArtifact(ctx, "sequence", []byte(fmt.Sprintf("autoencoder:lines=%d", len(trained))), map[string]float64{
		"hidden_size": float64(d.cfg.HiddenSize),
	}, int(d.cfg.TrainingWindow.Hours()))
	if err != nil {
		d.setM2State(prevState)
		return err
	}

	d.modelMu.Lock()
	d.m2 = trained
	d.m2Ver = artifact.Version
	d.m2State = model.ModelReady
	d.modelMu.Unlock()
	d.reportState()
	return nil
}

func (d *Detector) transitionM2(s model.ModelState) model.ModelState {
	d.modelMu.Lock()
	prev := d.m2State
	if s == model.ModelTraining && prev == model.ModelReady {
		s = model.ModelRefreshing
	}
	d.m2State = s
	d.modelMu.Unlock()
	d.reportState()
	return prev
}

func (d *Detector) setM2State(s model.ModelState) {
	d.modelMu.Lock()
	d.m2State = s
	d.modelMu.Unlock()
	d.reportState()
}

// States returns the current lifecycle state of both models, used by
// /health/ready per spec.md §4.6/§9.
func (d *Detector) States() (outlier, sequence model.ModelState) {
	d.modelMu.RLock()
	defer d.modelMu.RUnlock()
	return d.m1State, d.m2State
}

// Lines reports the route_ids the detector currently holds an M2
// series for, so the scheduler's sequence-tick timer knows which
// lines to score.
func (d *Detector) Lines() []string {
	d.seriesMu.Lock()
	defer d.seriesMu.Unlock()
	lines := make([]string, 0, len(d.series))
	for routeID := range d.series {
		lines = append(lines, routeID)
	}
	return lines
}

// SetSuppressWindow updates the duplicate-suppression window live, one
// of the "safe to change without a restart" knobs config.Watcher
// reloads.
func (d *Detector) SetSuppressWindow(window time.Duration) {
	d.suppressMu.Lock()
	defer d.suppressMu.Unlock()
	d.suppressWindow = window
}

func (d *Detector) currentSuppressWindow() time.Duration {
	d.suppressMu.RLock()
	defer d.suppressMu.RUnlock()
	return d.suppressWindow
}
