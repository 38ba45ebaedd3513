// Package api implements the Read API and Live Channel (C8): a
// go-chi/chi router serving spec.md §6's REST endpoints under a uniform
// error envelope, plus a gorilla/websocket `/ws` handler wired to the
// Event Bus. Grounded on jordigilh-kubernaut's and heatmap-panel's
// chi-router setups, generalized to this API's route table.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/bus"
	"go.transitwatch.dev/core/internal/catalog"
	"go.transitwatch.dev/core/internal/model"
	"go.transitwatch.dev/core/internal/store"
)

// ErrorKind is the taxonomy spec.md §7 classifies API failures into.
type ErrorKind string

const (
	ErrKindStoreError       ErrorKind = "store_error"
	ErrKindDeadlineExceeded ErrorKind = "deadline_exceeded"
	ErrKindCatalogMissing   ErrorKind = "catalog_missing"
	ErrKindBadRequest       ErrorKind = "bad_request"
)

// errorEnvelope is the uniform error shape every endpoint returns on
// failure: {"error": {"kind", "message", "retryable"}}.
type errorEnvelope struct {
	Error struct {
		Kind      ErrorKind `json:"kind"`
		Message   string    `json:"message"`
		Retryable bool      `json:"retryable"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind ErrorKind, message string, retryable bool) {
	env := errorEnvelope{}
	env.Error.Kind = kind
	env.Error.Message = message
	env.Error.Retryable = retryable
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Detector is the subset of detector.Detector the API needs (the model
// lifecycle states reported by health), kept as an interface so this package
// never imports internal/detector directly.
type Detector interface {
	States() (outlier, sequence model.ModelState)
}

// Scheduler is the subset of the scheduler the /anomalies/detect
// endpoint needs to trigger an out-of-band detection pass.
type Scheduler interface {
	TriggerDetection(ctx context.Context) (runID string, err error)
	IngestFresh() bool
}

// Server wires the router, store, catalog, bus, and companion
// components into the HTTP surface.
type Server struct {
	router   chi.Router
	st       store.Store
	cat      *catalog.Catalog
	bus      *bus.Bus
	det      Detector
	sched    Scheduler
	feedIDs  []string
	log      *zap.Logger
	upgrader Upgrader
	maxConns int
}

// NewServer builds a Server with routes mounted. cat may be nil before
// the catalog has finished loading. feedIDs is the configured set of
// vendor feed_ids (a different namespace from route_id) used to look
// up FeedRuns for /feeds/status.
func NewServer(st store.Store, cat *catalog.Catalog, b *bus.Bus, det Detector, sched Scheduler, feedIDs []string, log *zap.Logger, maxConns int) *Server {
	s := &Server{
		st:       st,
		cat:      cat,
		bus:      b,
		det:      det,
		sched:    sched,
		feedIDs:  feedIDs,
		log:      log,
		upgrader: defaultUpgrader(),
		maxConns: maxConns,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Get("/anomalies", s.handleListAnomalies)
	r.Get("/anomalies/stats", s.handleAnomalyStats)
	r.Post("/anomalies/detect", s.handleDetectNow)
	r.Get("/feeds/positions/{line}", s.handleFeedPositions)
	r.Get("/feeds/status", s.handleFeedStatus)
	r.Get("/stations", s.handleStations)
	r.Get("/health/live", s.handleHealthLive)
	r.Get("/health/ready", s.handleHealthReady)
	r.Get("/ws", s.handleWebsocket)
	return r
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.AnomalyFilter{
		Line:    q.Get("line"),
		Station: q.Get("station"),
		Cursor:  q.Get("page"),
		Limit:   intParam(q, "page_size", 50),
	}
	if v := q.Get("severity_min"); v != "" {
		filter.SeverityMin, _ = strconv.ParseFloat(v, 64)
	}
	if v := q.Get("start"); v != "" {
		filter.Since, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("end"); v != "" {
		filter.Until, _ = time.Parse(time.RFC3339, v)
	}

	page, err := s.st.QueryAnomalies(ctx, filter)
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies":   page.Anomalies,
		"total":       len(page.Anomalies),
		"page":        filter.Cursor,
		"page_size":   filter.Limit,
		"next_cursor": page.NextCursor,
	})
}

func (s *Server) handleAnomalyStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hours := intParam(r.URL.Query(), "hours", 24)
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	page, err := s.st.QueryAnomalies(ctx, store.AnomalyFilter{Since: since, Limit: 100000})
	if err != nil {
		writeStoreErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, computeStats(page.Anomalies, since))
}

func (s *Server) handleDetectNow(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, ErrKindStoreError, "scheduler unavailable", true)
		return
	}
	runID, err := s.sched.TriggerDetection(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			writeError(w, http.StatusGatewayTimeout, ErrKindDeadlineExceeded, "detection request timed out", false)
			return
		}
		writeError(w, http.StatusInternalServerError, ErrKindStoreError, err.Error(), true)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"triggered": true, "run_id": runID})
}

func (s *Server) handleFeedPositions(w http.ResponseWriter, r *http.Request) {
	line := chi.URLParam(r, "line")
	positions, err := s.st.QueryPositions(r.Context(), store.PositionFilter{Line: line, Limit: 500})
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var runs []model.FeedRun
	for _, feedID := range s.feedIDs {
		latest, err := s.st.LatestFeedRuns(ctx, feedID, 1)
		if err != nil {
			writeStoreErr(w, err)
			return
		}
		runs = append(runs, latest...)
	}

	status := "ok"
	if s.sched != nil && !s.sched.IngestFresh() {
		status = "stale"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status, "last_runs": runs})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	if s.cat == nil {
		writeError(w, http.StatusServiceUnavailable, ErrKindCatalogMissing, "catalog not loaded", false)
		return
	}

	q := r.URL.Query()
	if bboxParam := q.Get("bbox"); bboxParam != "" {
		bbox, ok := parseBBox(bboxParam)
		if !ok {
			writeError(w, http.StatusBadRequest, ErrKindBadRequest, "invalid bbox", false)
			return
		}
		writeJSON(w, http.StatusOK, s.cat.StationsInBounds(bbox))
		return
	}
	writeJSON(w, http.StatusOK, s.cat.Stations())
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	catalogStatus := "ok"
	if s.cat == nil {
		catalogStatus = "catalog_missing"
		status = "degraded"
	}

	storeStatus := "ok"
	if s.st == nil {
		storeStatus = "store_missing"
		status = "degraded"
	} else if err := s.st.Ping(r.Context()); err != nil {
		storeStatus = "unreachable"
		status = "degraded"
	}

	ingestFresh := s.sched == nil || s.sched.IngestFresh()
	if !ingestFresh {
		status = "degraded"
	}

	body := map[string]interface{}{
		"status":       status,
		"catalog":      catalogStatus,
		"store":        storeStatus,
		"ingest_fresh": ingestFresh,
	}
	if s.det != nil {
		outlier, sequence := s.det.States()
		body["models"] = map[string]string{"outlier": string(outlier), "sequence": string(sequence)}
	}
	writeJSON(w, http.StatusOK, body)
}

func intParam(q interface{ Get(string) string }, name string, def int) int {
	v := q.Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseBBox(s string) (catalog.BBox, bool) {
	var b catalog.BBox
	_, err := parseFloat4(s, &b.MinLat, &b.MinLon, &b.MaxLat, &b.MaxLon)
	return b, err == nil
}

func parseFloat4(s string, vals ...*float64) (int, error) {
	n := 0
	start := 0
	for i := 0; i <= len(s) && n < len(vals); i++ {
		if i == len(s) || s[i] == ',' {
			v, err := strconv.ParseFloat(s[start:i], 64)
			if err != nil {
				return n, err
			}
			*vals[n] = v
			n++
			start = i + 1
		}
	}
	return n, nil
}

func writeStoreErr(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, ErrKindStoreError, err.Error(), true)
}
