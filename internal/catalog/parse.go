package catalog

import (
	"encoding/hex"
	"io"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spkg/bom"

	"go.transitwatch.dev/core/internal/model"
)

func init() {
	// LazyCSVReader survives sloppy quoting in vendor feeds; bom strips
	// a leading unicode BOM if present. Grounded on tidbyt.dev/gtfs's
	// parse.ParseStatic.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})
}

type stopCSV struct {
	ID            string  `csv:"stop_id"`
	Name          string  `csv:"stop_name"`
	Lat           float64 `csv:"stop_lat"`
	Lon           float64 `csv:"stop_lon"`
	LocationType  int8    `csv:"location_type"`
	ParentStation string  `csv:"parent_station"`
}

type routeCSV struct {
	ID        string `csv:"route_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
	Type      string `csv:"route_type"`
	Color     string `csv:"route_color"`
}

type tripCSV struct {
	ID      string `csv:"trip_id"`
	RouteID string `csv:"route_id"`
}

type stopTimeCSV struct {
	TripID   string `csv:"trip_id"`
	StopID   string `csv:"stop_id"`
	Arrival  string `csv:"arrival_time"`
	Departure string `csv:"departure_time"`
}

func parseStopRows(r io.Reader) ([]stopCSV, error) {
	var rows []stopCSV
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, errors.Wrap(err, "unmarshaling stops csv")
	}
	return rows, nil
}

// parseRouteRows parses routes.txt. Rows missing a route_id are
// skipped and counted rather than failing the whole load, per spec.md
// §4.1 ("a partially invalid row is skipped and counted ... not
// fatal").
func parseRouteRows(r io.Reader) ([]model.Route, int, error) {
	var rows []routeCSV
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, 0, errors.Wrap(err, "unmarshaling routes csv")
	}

	var out []model.Route
	skipped := 0
	for _, rc := range rows {
		if rc.ID == "" {
			skipped++
			continue
		}
		name := rc.ShortName
		if name == "" {
			name = rc.LongName
		}
		if name == "" {
			skipped++
			continue
		}
		routeType := model.RouteTypeBus
		if rc.Type != "" {
			if n, err := strconv.Atoi(rc.Type); err == nil {
				routeType = model.RouteType(n)
			}
		}
		color := rc.Color
		if color == "" {
			color = "FFFFFF"
		} else if _, err := hex.DecodeString(color); err != nil {
			skipped++
			continue
		}
		out = append(out, model.Route{
			RouteID:     rc.ID,
			DisplayName: name,
			Color:       color,
			Type:        routeType,
		})
	}
	return out, skipped, nil
}

// buildStations rolls child stops (non-empty parent_station) up into
// their parent for analytics purposes, per spec.md §4.1. Returns the
// count of skipped rows.
func (c *Catalog) buildStations(rows []stopCSV) int {
	skipped := 0

	seen := map[string]bool{}
	var valid []stopCSV
	for _, sr := range rows {
		if sr.ID == "" || (sr.Lat == 0 && sr.Lon == 0) {
			skipped++
			continue
		}
		if seen[sr.ID] {
			skipped++
			continue
		}
		seen[sr.ID] = true
		valid = append(valid, sr)
	}

	// First pass: every row that is itself an analytics unit (no
	// parent, or a station) becomes a Station entry.
	for _, sr := range valid {
		if sr.ID == "" {
			continue
		}
		if sr.ParentStation != "" {
			continue // child stop, rolled up below
		}
		c.stations[sr.ID] = model.Station{
			StopID:       sr.ID,
			Name:         sr.Name,
			Lat:          sr.Lat,
			Lon:          sr.Lon,
			RoutesServed: map[string]bool{},
		}
		c.stopToStation[sr.ID] = sr.ID
	}

	// Second pass: child stops resolve to their parent. A parent_station
	// referencing an unknown station is itself skipped (counted) rather
	// than failing the whole catalog load.
	for _, sr := range valid {
		if sr.ID == "" || sr.ParentStation == "" {
			continue
		}
		if _, ok := c.stations[sr.ParentStation]; !ok {
			skipped++
			continue
		}
		c.stopToStation[sr.ID] = sr.ParentStation
	}

	return skipped
}

func (c *Catalog) attachRoutesServed(rows []stopCSV, tripRoute map[string]string) {
	// Without stop_times.txt we cannot know which routes serve which
	// stop; RoutesServed stays empty, which is valid per spec.md (only
	// stops.txt/routes.txt are required at runtime).
	if tripRoute == nil {
		return
	}
	for key := range c.scheduledArrival {
		routeID, ok := tripRoute[key.tripID]
		if !ok {
			continue
		}
		analyticsID, ok := c.stopToStation[key.stopID]
		if !ok {
			continue
		}
		st, ok := c.stations[analyticsID]
		if !ok {
			continue
		}
		st.RoutesServed[routeID] = true
	}
}

func parseTripRoute(r io.Reader) (map[string]string, error) {
	var rows []tripCSV
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, errors.Wrap(err, "unmarshaling trips csv")
	}
	out := map[string]string{}
	for _, t := range rows {
		if t.ID == "" {
			continue
		}
		out[t.ID] = t.RouteID
	}
	return out, nil
}

// loadStopTimes populates the static schedule lookup used by the
// Feature Engine to derive delay when the realtime feed omits it.
// Returns the number of skipped rows.
func (c *Catalog) loadStopTimes(r io.Reader) (int, error) {
	var rows []stopTimeCSV
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return 0, errors.Wrap(err, "unmarshaling stop_times csv")
	}
	skipped := 0
	for _, st := range rows {
		if st.TripID == "" || st.StopID == "" {
			skipped++
			continue
		}
		key := tripStopKey{st.TripID, st.StopID}
		if st.Arrival != "" {
			c.scheduledArrival[key] = st.Arrival
		}
		if st.Departure != "" {
			c.scheduledDeparture[key] = st.Departure
		}
	}
	return skipped, nil
}
