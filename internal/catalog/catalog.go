// Package catalog loads the static routes/stations bundle and exposes
// read-only lookups. Once Load returns, a Catalog is immutable and
// needs no locking.
package catalog

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/model"
)

// ErrCatalogMissing is returned (and is fatal at startup, per spec.md
// §7) when neither stops.txt nor routes.txt is present in the bundle.
var ErrCatalogMissing = errors.New("catalog_missing")

// BBox is a lat/lon bounding box used by StationsInBounds.
type BBox struct {
	MinLat, MinLon, MaxLat, MaxLon float64
}

func (b BBox) contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Catalog holds the loaded, rolled-up station and route catalog.
type Catalog struct {
	routes   map[string]model.Route
	stations map[string]model.Station // keyed by analytics stop_id (post rollup)
	// stopToStation maps every raw stop_id (including child stops) to
	// the analytics stop_id it resolves to.
	stopToStation map[string]string
	// scheduledArrival/scheduledDeparture, keyed by (trip_id, stop_id),
	// hold the static schedule offsets parsed from stop_times.txt, used
	// by the Feature Engine to derive delay when the feed omits it.
	scheduledArrival   map[tripStopKey]string
	scheduledDeparture map[tripStopKey]string
	skipped            int

	log *zap.Logger
}

type tripStopKey struct {
	tripID string
	stopID string
}

// Skipped returns the number of partially invalid rows skipped during
// load (the skipped metric of spec.md §4.1).
func (c *Catalog) Skipped() int { return c.skipped }

// Load reads a zipped transit-schedule bundle (stops.txt and
// routes.txt required; trips.txt and stop_times.txt used opportunistically
// to feed static-schedule lookups, per SPEC_FULL.md's C1 supplement) and
// builds a Catalog.
func Load(buf []byte, log *zap.Logger) (*Catalog, error) {
	if log == nil {
		log = zap.NewNop()
	}

	files, err := openZipMembers(buf)
	if err != nil {
		return nil, errors.Wrap(err, "opening bundle")
	}
	defer closeAll(files)

	if files["stops.txt"] == nil && files["routes.txt"] == nil {
		return nil, ErrCatalogMissing
	}
	if files["stops.txt"] == nil {
		return nil, errors.Wrap(ErrCatalogMissing, "missing stops.txt")
	}
	if files["routes.txt"] == nil {
		return nil, errors.Wrap(ErrCatalogMissing, "missing routes.txt")
	}

	c := &Catalog{
		routes:             map[string]model.Route{},
		stations:           map[string]model.Station{},
		stopToStation:      map[string]string{},
		scheduledArrival:   map[tripStopKey]string{},
		scheduledDeparture: map[tripStopKey]string{},
		log:                log,
	}

	rawStops, err := parseStopRows(files["stops.txt"])
	if err != nil {
		return nil, errors.Wrap(err, "parsing stops.txt")
	}

	routeRows, skipped, err := parseRouteRows(files["routes.txt"])
	if err != nil {
		return nil, errors.Wrap(err, "parsing routes.txt")
	}
	c.skipped += skipped
	for _, r := range routeRows {
		c.routes[r.RouteID] = r
	}

	stationSkipped := c.buildStations(rawStops)
	c.skipped += stationSkipped

	var tripRoute map[string]string
	if files["trips.txt"] != nil {
		tripRoute, err = parseTripRoute(files["trips.txt"])
		if err != nil {
			log.Warn("skipping malformed trips.txt", zap.Error(err))
		}
	}
	if files["stop_times.txt"] != nil && tripRoute != nil {
		n, err := c.loadStopTimes(files["stop_times.txt"])
		if err != nil {
			log.Warn("skipping malformed stop_times.txt", zap.Error(err))
		}
		c.skipped += n
	}

	// attach routes served to each station
	c.attachRoutesServed(rawStops, tripRoute)

	log.Info("catalog loaded",
		zap.Int("routes", len(c.routes)),
		zap.Int("stations", len(c.stations)),
		zap.Int("skipped", c.skipped),
	)

	return c, nil
}

// LookupStation resolves stopID (rolling child stops up to their
// parent) and returns the analytics station.
func (c *Catalog) LookupStation(stopID string) (model.Station, bool) {
	analyticsID, ok := c.stopToStation[stopID]
	if !ok {
		return model.Station{}, false
	}
	s, ok := c.stations[analyticsID]
	return s, ok
}

// LookupRoute returns the route with the given ID.
func (c *Catalog) LookupRoute(routeID string) (model.Route, bool) {
	r, ok := c.routes[routeID]
	return r, ok
}

// StationsInBounds returns all analytics stations within bbox.
func (c *Catalog) StationsInBounds(bbox BBox) []model.Station {
	out := []model.Station{}
	for _, s := range c.stations {
		if bbox.contains(s.Lat, s.Lon) {
			out = append(out, s)
		}
	}
	return out
}

// Routes returns all loaded routes.
func (c *Catalog) Routes() []model.Route {
	out := make([]model.Route, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r)
	}
	return out
}

// Stations returns all analytics stations.
func (c *Catalog) Stations() []model.Station {
	out := make([]model.Station, 0, len(c.stations))
	for _, s := range c.stations {
		out = append(out, s)
	}
	return out
}

// ScheduledArrival returns the static HH:MM:SS arrival offset for
// (tripID, stopID), if stop_times.txt was present in the bundle.
func (c *Catalog) ScheduledArrival(tripID, stopID string) (string, bool) {
	v, ok := c.scheduledArrival[tripStopKey{tripID, stopID}]
	return v, ok
}

func openZipMembers(buf []byte) (map[string]io.Reader, error) {
	want := map[string]bool{
		"stops.txt": true, "routes.txt": true, "trips.txt": true, "stop_times.txt": true,
	}
	out := map[string]io.Reader{}

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, errors.Wrap(err, "unzipping")
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		parts := strings.Split(f.Name, "/")
		name := parts[len(parts)-1]
		if !want[name] {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		out[name] = rc
	}
	return out, nil
}

func closeAll(files map[string]io.Reader) {
	for _, r := range files {
		if rc, ok := r.(io.Closer); ok {
			rc.Close()
		}
	}
}
