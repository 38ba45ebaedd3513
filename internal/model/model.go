// Package model holds the canonical, tagged-variant entities that flow
// between components. Types here are value types; nothing in this
// package performs I/O.
package model

import "time"

// RouteType mirrors the GTFS route_type enumeration, kept from the
// static schedule bundle.
type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCable      RouteType = 5
	RouteTypeAerial     RouteType = 6
	RouteTypeFunicular  RouteType = 7
	RouteTypeTrolleybus RouteType = 11
	RouteTypeMonorail   RouteType = 12
)

// Route is immutable after catalog load.
type Route struct {
	RouteID     string
	DisplayName string
	Color       string
	Type        RouteType
}

// Station is immutable after catalog load. Child stops are collapsed
// into their parent for station-level analytics; ParentID is empty for
// a station that is itself the analytics unit.
type Station struct {
	StopID       string
	Name         string
	Lat          float64
	Lon          float64
	ParentID     string
	RoutesServed map[string]bool
}

// IsAnalyticsUnit reports whether this station is surfaced as a
// distinct analytics unit (i.e. it has no parent).
func (s Station) IsAnalyticsUnit() bool {
	return s.ParentID == ""
}

// FeedRunStatus is the outcome of one fetch+decode attempt.
type FeedRunStatus string

const (
	FeedRunOK             FeedRunStatus = "ok"
	FeedRunTransportError FeedRunStatus = "transport_error"
	FeedRunDecodeError    FeedRunStatus = "decode_error"
	FeedRunPartial        FeedRunStatus = "partial"
)

// FeedRun is one record per fetch attempt per feed. Immutable once
// written.
type FeedRun struct {
	RunID        int64
	FeedID       string
	StartedAt    time.Time
	FinishedAt   time.Time
	EntitiesSeen int
	AlertsSeen   int
	SkippedCount int
	Status       FeedRunStatus
	DurationMS   int64
}

// CurrentStatus is a VehiclePosition's motion state relative to its
// current/next stop.
type CurrentStatus string

const (
	StatusAtStop    CurrentStatus = "at_stop"
	StatusInTransit CurrentStatus = "in_transit"
	StatusIncoming  CurrentStatus = "incoming"
)

// TripKey identifies a single trip observation stream.
type TripKey struct {
	TripID  string
	RouteID string
}

// TripUpdate is a transient, canonical decode of a GTFS-rt TripUpdate
// entity. It does not outlive the Feature Engine's processing of one
// tick except inside the rolling windows it feeds.
type TripUpdate struct {
	TripID        string
	RouteID       string
	ObservedAt    time.Time
	Direction     int8
	CurrentStopID string
	NextStopID    string
	ArrivalTime   time.Time
	DepartureTime time.Time
	CurrentStatus CurrentStatus
	DelaySeconds  *int64
}

// VehiclePosition is a transient, canonical decode of a GTFS-rt
// VehiclePosition entity.
type VehiclePosition struct {
	TripID        string
	RouteID       string
	ObservedAt    time.Time
	CurrentStopID string
	CurrentStatus CurrentStatus
	Lat           float64
	Lon           float64
}

// AnomalyKind enumerates the detector's output categories.
type AnomalyKind string

const (
	KindHeadwayOutlier         AnomalyKind = "headway_outlier"
	KindDwellOutlier           AnomalyKind = "dwell_outlier"
	KindDelaySpike             AnomalyKind = "delay_spike"
	KindSequenceReconstruction AnomalyKind = "sequence_reconstruction"
)

// FeatureFrame is the feature vector computed for one trip/stop
// observation.
type FeatureFrame struct {
	TripID              string
	RouteID             string
	StopID              string
	ObservedAt          time.Time
	HeadwaySeconds      *float64
	DwellSeconds        *float64
	DelaySeconds        *float64
	ScheduleAdherence   float64
	RollingHeadwayMean  float64
	RollingHeadwayStdev float64
}

// Anomaly is a detected operational anomaly.
type Anomaly struct {
	AnomalyID    string
	DetectedAt   time.Time
	StationID    string
	RouteID      string
	Kind         AnomalyKind
	Severity     float64
	ModelName    string
	ModelVersion int64
	Features     map[string]float64
	Resolved     bool
	ResolvedAt   time.Time
}

// SeverityBucket classifies a severity float per spec.md §6.
type SeverityBucket string

const (
	SeverityLow    SeverityBucket = "low"
	SeverityMedium SeverityBucket = "medium"
	SeverityHigh   SeverityBucket = "high"
)

// Bucket returns the severity bucket for a severity value in [0,1].
func Bucket(severity float64) SeverityBucket {
	switch {
	case severity < 0.4:
		return SeverityLow
	case severity < 0.7:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// ModelArtifact is a versioned, opaque trained model plus its
// hyperparameters.
type ModelArtifact struct {
	Name                string
	Version             int64
	TrainedAt           time.Time
	Payload             []byte
	Hyperparams         map[string]float64
	TrainingWindowHours int
}

// ModelState is the per-model lifecycle state machine.
type ModelState string

const (
	ModelAbsent     ModelState = "absent"
	ModelTraining   ModelState = "training"
	ModelReady      ModelState = "ready"
	ModelRefreshing ModelState = "refreshing"
)
