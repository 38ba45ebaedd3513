package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.transitwatch.dev/core/internal/decode"
	"go.transitwatch.dev/core/internal/fetch"
	"go.transitwatch.dev/core/internal/model"
	"go.transitwatch.dev/core/internal/store"
)

// ingestOnce runs one ingest tick across every configured feed, in
// parallel; each feed's FeatureFrames are scored by the Detector's M1
// as soon as that feed's ingest finishes (M2 runs on its own timer,
// runSequenceTimer) — spec.md §4.9's "detection tick fires on ingest
// completion".
func (s *Scheduler) ingestOnce(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	var g errgroup.Group
	for _, d := range s.feeds {
		d := d
		g.Go(func() error {
			s.ingestFeed(ctx, d)
			return nil
		})
	}
	g.Wait()
}

func (s *Scheduler) ingestFeed(ctx context.Context, d fetch.Descriptor) {
	startedAt := time.Now().UTC()

	if s.shouldShed(d.FeedID) {
		if s.metrics != nil {
			s.metrics.IngestSheddingTotal.WithLabelValues(d.FeedID).Inc()
		}
		s.log.Warn("shedding feed under write-latency backpressure", zap.String("feed_id", d.FeedID))
		return
	}

	outcome := s.fetcher.Fetch(ctx, d)
	if s.metrics != nil {
		s.metrics.FetchLatencySeconds.WithLabelValues(d.FeedID).Observe(time.Since(startedAt).Seconds())
	}
	runStatus := model.FeedRunOK
	var entitiesSeen, alertsSeen, skipped int
	var frames []model.FeatureFrame
	var positions []store.PositionRecord

	if outcome.Err != nil {
		runStatus = model.FeedRunTransportError
	} else {
		result, err := decode.Decode(outcome.Body)
		if err != nil {
			runStatus = model.FeedRunDecodeError
		} else {
			entitiesSeen = result.EntitiesSeen
			alertsSeen = result.AlertsSeen
			skipped = result.SkippedCount
			if result.Partial {
				runStatus = model.FeedRunPartial
			}

			updates := decode.ResolveLaterWins(result.TripUpdates)
			if s.batchHalved() {
				updates = updates[:(len(updates)+1)/2]
			}
			for _, tu := range updates {
				frame, ok := s.engine.Ingest(tu)
				if !ok {
					continue
				}
				frames = append(frames, frame)
				positions = append(positions, store.PositionRecord{
					TripID:        tu.TripID,
					RouteID:       tu.RouteID,
					StopID:        frame.StopID,
					ObservedAt:    tu.ObservedAt,
					CurrentStatus: tu.CurrentStatus,
					DelaySeconds:  tu.DelaySeconds,
				})
			}

			for _, vp := range result.VehiclePositions {
				positions = append(positions, store.PositionRecord{
					TripID:        vp.TripID,
					RouteID:       vp.RouteID,
					StopID:        vp.CurrentStopID,
					ObservedAt:    vp.ObservedAt,
					CurrentStatus: vp.CurrentStatus,
					Lat:           vp.Lat,
					Lon:           vp.Lon,
				})
				if frame, ok := s.engine.IngestVehiclePosition(vp); ok {
					frames = append(frames, frame)
				}
			}
		}
	}

	if s.metrics != nil {
		s.metrics.IngestEntitiesTotal.WithLabelValues(d.FeedID).Add(float64(entitiesSeen))
		if skipped > 0 {
			s.metrics.IngestSkippedTotal.WithLabelValues(d.FeedID, string(runStatus)).Add(float64(skipped))
		}
	}

	s.writePositions(ctx, d.FeedID, positions, runStatus, startedAt, entitiesSeen, alertsSeen, skipped)

	s.mu.Lock()
	s.lastRunAt[d.FeedID] = time.Now().UTC()
	s.lastRunOK[d.FeedID] = runStatus == model.FeedRunOK || runStatus == model.FeedRunPartial
	s.mu.Unlock()

	for _, frame := range frames {
		s.scoreFrame(ctx, frame)
	}
}

func (s *Scheduler) writePositions(ctx context.Context, feedID string, positions []store.PositionRecord, status model.FeedRunStatus, startedAt time.Time, entitiesSeen, alertsSeen, skipped int) {
	writeStart := time.Now()
	if len(positions) > 0 {
		if err := s.st.InsertPositions(ctx, positions); err != nil {
			s.log.Error("store_error writing positions", zap.String("feed_id", feedID), zap.Error(err))
			status = model.FeedRunPartial
		}
	}
	elapsed := time.Since(writeStart)
	s.writeLatency.observe(elapsed)
	if s.metrics != nil {
		s.metrics.StoreWriteLatencySeconds.WithLabelValues("insert_positions").Observe(elapsed.Seconds())
	}

	finishedAt := time.Now().UTC()
	run := model.FeedRun{
		FeedID:       feedID,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
		EntitiesSeen: entitiesSeen,
		AlertsSeen:   alertsSeen,
		SkippedCount: skipped,
		Status:       status,
		DurationMS:   finishedAt.Sub(startedAt).Milliseconds(),
	}
	if _, err := s.st.InsertFeedRun(ctx, run); err != nil {
		s.log.Error("failed to record feed run", zap.String("feed_id", feedID), zap.Error(err))
	}
}

// scoreFrame resolves the frame's raw stop_id to its analytics station
// before handing it to the Detector, so suppression keys and Anomaly
// records use the same rolled-up station identifiers the API and bus
// filters operate on.
func (s *Scheduler) scoreFrame(ctx context.Context, frame model.FeatureFrame) {
	if s.cat != nil {
		if station, ok := s.cat.LookupStation(frame.StopID); ok {
			frame.StopID = station.StopID
		}
	}
	if err := s.det.ScoreFrame(ctx, frame); err != nil {
		s.log.Error("detector scoring failed", zap.String("route_id", frame.RouteID), zap.Error(err))
	}
}

// shouldShed reports whether write-latency backpressure has crossed
// WRITE_DROP_WATERMARK, in which case this feed's decode is skipped
// entirely for the tick, per spec.md §5.
func (s *Scheduler) shouldShed(feedID string) bool {
	p95 := s.writeLatency.p95()
	return p95 > 0 && p95 >= s.liveCfg().WriteDropWatermark
}

// batchHalved reports whether write-latency backpressure has crossed
// WRITE_HIGH_WATERMARK, in which case ingest halves its per-tick batch
// size until the watermark clears, per spec.md §5.
func (s *Scheduler) batchHalved() bool {
	p95 := s.writeLatency.p95()
	return p95 > 0 && p95 >= s.liveCfg().WriteHighWatermark
}
