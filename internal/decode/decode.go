// Package decode turns raw protocol-buffer feed payloads into the
// canonical in-memory event model (model.TripUpdate, model.VehiclePosition),
// per spec.md §4.3/§6. Grounded on tidbyt.dev/gtfs's parse.ParseRealtime,
// generalized from trip-update-only to the full spec'd entity set and
// from single-version to the partial/decode_error taxonomy of §7.
package decode

import (
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"

	"go.transitwatch.dev/core/internal/model"
)

// ErrHeaderUnparseable is returned when the envelope's header itself
// cannot be parsed — a decode_error per spec.md §7, distinct from a
// partial result.
var ErrHeaderUnparseable = errors.New("decode_error: header unparseable")

// Result is the outcome of decoding one envelope.
type Result struct {
	HeaderTimestamp  time.Time
	TripUpdates      []model.TripUpdate
	VehiclePositions []model.VehiclePosition
	EntitiesSeen     int
	AlertsSeen       int
	SkippedCount     int
	// Partial is true if at least one entity failed to decode but the
	// envelope itself parsed successfully.
	Partial bool
}

// supportedVersions are the GTFS-realtime version tags this decoder
// recognizes, per spec.md §6.
var supportedVersions = map[string]bool{"1.0": true, "2.0": true}

// Decode parses a single GTFS-realtime FeedMessage payload.
//
// A failing entity is skipped and counted rather than failing the
// whole decode; the envelope is reported as partial via Result.Partial
// unless the header itself is unparseable, in which case
// ErrHeaderUnparseable is returned and the caller must record a
// decode_error FeedRun (spec.md §4.3, §7).
func Decode(payload []byte) (*Result, error) {
	msg := &gtfsrt.FeedMessage{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, errors.Wrap(ErrHeaderUnparseable, err.Error())
	}

	header := msg.GetHeader()
	if header == nil {
		return nil, ErrHeaderUnparseable
	}
	version := header.GetGtfsRealtimeVersion()
	if !supportedVersions[version] {
		return nil, errors.Wrapf(ErrHeaderUnparseable, "unsupported version %q", version)
	}

	res := &Result{
		HeaderTimestamp: time.Unix(int64(header.GetTimestamp()), 0).UTC(),
	}

	for _, entity := range msg.GetEntity() {
		res.EntitiesSeen++

		if entity.GetAlert() != nil {
			res.AlertsSeen++
		}

		if tu := entity.GetTripUpdate(); tu != nil {
			updates, ok := decodeTripUpdate(tu, res.HeaderTimestamp)
			if !ok {
				res.SkippedCount++
				res.Partial = true
				continue
			}
			res.TripUpdates = append(res.TripUpdates, updates...)
		}

		if vp := entity.GetVehicle(); vp != nil {
			pos, ok := decodeVehiclePosition(vp, res.HeaderTimestamp)
			if !ok {
				res.SkippedCount++
				res.Partial = true
				continue
			}
			res.VehiclePositions = append(res.VehiclePositions, pos)
		}
	}

	return res, nil
}

func decodeTripUpdate(tu *gtfsrt.TripUpdate, headerTS time.Time) ([]model.TripUpdate, bool) {
	trip := tu.GetTrip()
	if trip == nil || trip.GetTripId() == "" {
		return nil, false
	}

	var out []model.TripUpdate
	for _, stu := range tu.GetStopTimeUpdate() {
		stopID := stu.GetStopId()
		if stopID == "" {
			continue
		}

		observed := headerTS
		status := model.StatusIncoming

		var delay *int64
		if arr := stu.GetArrival(); arr != nil {
			if t := arr.GetTime(); t != 0 {
				observed = time.Unix(t, 0).UTC()
			}
			if d := arr.GetDelay(); d != 0 {
				dv := int64(d)
				delay = &dv
			}
		}
		if dep := stu.GetDeparture(); dep != nil {
			if d := dep.GetDelay(); d != 0 {
				dv := int64(d)
				delay = &dv
			}
		}

		rec := model.TripUpdate{
			TripID:        trip.GetTripId(),
			RouteID:       trip.GetRouteId(),
			ObservedAt:    observed,
			Direction:     int8(trip.GetDirectionId()),
			NextStopID:    stopID,
			CurrentStatus: status,
			DelaySeconds:  delay,
		}
		out = append(out, rec)
	}

	if len(out) == 0 {
		// A trip update with no usable stop_time_update entries is
		// itself a skip, not a hard failure of the whole envelope.
		return nil, false
	}

	return out, true
}

func decodeVehiclePosition(vp *gtfsrt.VehiclePosition, headerTS time.Time) (model.VehiclePosition, bool) {
	trip := vp.GetTrip()
	if trip == nil || trip.GetTripId() == "" {
		return model.VehiclePosition{}, false
	}

	status := model.StatusInTransit
	switch vp.GetCurrentStatus() {
	case gtfsrt.VehiclePosition_STOPPED_AT:
		status = model.StatusAtStop
	case gtfsrt.VehiclePosition_INCOMING_AT:
		status = model.StatusIncoming
	case gtfsrt.VehiclePosition_IN_TRANSIT_TO:
		status = model.StatusInTransit
	}

	observed := headerTS
	if ts := vp.GetTimestamp(); ts != 0 {
		observed = time.Unix(int64(ts), 0).UTC()
	}

	pos := model.VehiclePosition{
		TripID:        trip.GetTripId(),
		RouteID:       trip.GetRouteId(),
		ObservedAt:    observed,
		CurrentStopID: vp.GetStopId(),
		CurrentStatus: status,
	}
	if p := vp.GetPosition(); p != nil {
		pos.Lat = float64(p.GetLatitude())
		pos.Lon = float64(p.GetLongitude())
	}

	return pos, true
}

// ResolveLaterWins discards duplicate (trip_id, stop_id) updates within
// a tick in favor of the one with the later ObservedAt, per spec.md §4.3
// ordering rule.
func ResolveLaterWins(updates []model.TripUpdate) []model.TripUpdate {
	latest := map[string]model.TripUpdate{}
	order := []string{}
	for _, u := range updates {
		key := u.TripID + "|" + u.NextStopID
		if existing, ok := latest[key]; !ok {
			latest[key] = u
			order = append(order, key)
		} else if u.ObservedAt.After(existing.ObservedAt) {
			latest[key] = u
		}
	}
	out := make([]model.TripUpdate, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}
