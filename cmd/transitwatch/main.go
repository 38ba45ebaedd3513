// Command transitwatch is the service entrypoint: a cobra CLI with a
// "serve" command running the full ingest/detect/API pipeline, plus
// operator commands for a one-shot detection pass and an immediate
// purge. Grounded on the teacher's cmd/main.go cobra setup.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.transitwatch.dev/core/internal/api"
	"go.transitwatch.dev/core/internal/bus"
	"go.transitwatch.dev/core/internal/catalog"
	"go.transitwatch.dev/core/internal/config"
	"go.transitwatch.dev/core/internal/detector"
	"go.transitwatch.dev/core/internal/features"
	"go.transitwatch.dev/core/internal/fetch"
	"go.transitwatch.dev/core/internal/logging"
	"go.transitwatch.dev/core/internal/metrics"
	"go.transitwatch.dev/core/internal/scheduler"
	"go.transitwatch.dev/core/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "transitwatch",
	Short:        "Operational anomaly detector for a real-time transit network",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd, detectOnceCmd, purgeNowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the components every subcommand needs, built once from
// the loaded configuration.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	st      store.Store
	cat     *catalog.Catalog
	engine  *features.Engine
	det     *detector.Detector
	bus     *bus.Bus
	sched   *scheduler.Scheduler
	fetcher *fetch.Fetcher
	feedIDs []string
	metrics *metrics.Metrics
}

// schedulerConfigFrom maps the loaded YAML config onto scheduler.Config,
// used both at startup and whenever config.Watcher delivers a reload.
func schedulerConfigFrom(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		FeedUpdateInterval:   cfg.FeedUpdateInterval(),
		FeedTimeout:          cfg.FeedTimeout(),
		SequenceTickInterval: time.Duration(cfg.SequenceTickSeconds) * time.Second,
		ModelRetrainHour:     cfg.ModelRetrainHour,
		PurgeInterval:        60 * time.Second,
		Retention:            cfg.Retention(),
		HeartbeatInterval:    cfg.WSHeartbeatInterval(),
		ShutdownGrace:        cfg.ShutdownGrace(),
		WriteHighWatermark:   time.Duration(cfg.WriteHighWatermarkMS) * time.Millisecond,
		WriteDropWatermark:   time.Duration(cfg.WriteDropWatermarkMS) * time.Millisecond,
	}
}

// fetchPolicyFrom maps the loaded YAML config onto fetch.Policy.
func fetchPolicyFrom(cfg config.Config) fetch.Policy {
	policy := fetch.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	return policy
}

func buildApp(cfg config.Config) (*app, error) {
	logger, err := logging.New(logging.Options{Level: "info"})
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	var st store.Store
	switch cfg.StoreDriver {
	case "postgres":
		st, err = store.NewPostgres(cfg.StoreDSN)
	case "sqlite":
		st, err = store.NewSQLite(cfg.StoreDSN)
	default:
		st = store.NewMemoryStore()
	}
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		buf, err := os.ReadFile(cfg.CatalogPath)
		if err != nil {
			return nil, fmt.Errorf("reading catalog bundle: %w", err)
		}
		cat, err = catalog.Load(buf, logger)
		if err != nil {
			return nil, fmt.Errorf("catalog_missing: %w", err)
		}
		m.CatalogSkippedRows.Set(float64(cat.Skipped()))
	}

	engine := features.NewEngine(features.Config{
		HeadwayWindow: cfg.HeadwayWindow(),
		RollingWindow: cfg.RollingWindow(),
	}, cat)

	b := bus.New(logger, bus.DefaultQueueSize)

	detCfg := detector.DefaultConfig()
	detCfg.Contamination = cfg.AnomalyContam
	detCfg.TrainingWindow = time.Duration(cfg.TrainingWindowHours) * time.Hour
	detCfg.SequenceLength = cfg.LSTMSequenceLength
	detCfg.HiddenSize = cfg.LSTMHiddenSize
	detCfg.SequenceTickInterval = time.Duration(cfg.SequenceTickSeconds) * time.Second
	detCfg.SuppressWindow = cfg.SuppressWindow()
	det := detector.New(detCfg, st, b, logger, m)

	var descriptors []fetch.Descriptor
	var feedIDs []string
	for _, f := range cfg.Feeds {
		descriptors = append(descriptors, fetch.Descriptor{
			FeedID:    f.FeedID,
			URL:       f.URL,
			TimeoutMS: int(cfg.FeedTimeout().Milliseconds()),
		})
		feedIDs = append(feedIDs, f.FeedID)
	}
	fetcher := fetch.New(nil, fetchPolicyFrom(cfg))

	sched := scheduler.New(schedulerConfigFrom(cfg), descriptors, fetcher, cat, engine, det, st, b, logger, m)

	return &app{cfg: cfg, log: logger, st: st, cat: cat, engine: engine, det: det, bus: b, sched: sched, fetcher: fetcher, feedIDs: feedIDs, metrics: m}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest/detect/API pipeline until terminated",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}

		server := api.NewServer(a.st, a.cat, a.bus, a.det, a.sched, a.feedIDs, a.log, cfg.WSMaxConnections)
		httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
		changes, watchErrs := watcher.Watch(ctx)
		go func() {
			for {
				select {
				case next, ok := <-changes:
					if !ok {
						return
					}
					a.log.Info("config reloaded", zap.String("path", configPath))
					a.sched.ApplyConfig(schedulerConfigFrom(next))
					a.fetcher.SetPolicy(fetchPolicyFrom(next))
					a.det.SetSuppressWindow(next.SuppressWindow())
				case err, ok := <-watchErrs:
					if !ok {
						return
					}
					a.log.Error("config reload failed", zap.Error(err))
				case <-ctx.Done():
					return
				}
			}
		}()
		defer watcher.Close()

		go a.sched.Run(ctx)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintln(os.Stderr, "http server error:", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}

var detectOnceCmd = &cobra.Command{
	Use:   "detect-once",
	Short: "Run a single detection pass over the most recent positions and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		runID, err := a.sched.TriggerDetection(context.Background())
		if err != nil {
			return err
		}
		fmt.Println("triggered detection run", runID)
		return nil
	},
}

var purgeNowCmd = &cobra.Command{
	Use:   "purge-now",
	Short: "Purge rows older than the configured retention horizon and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		cutoff := time.Now().UTC().Add(-cfg.Retention())
		return a.st.PurgeBefore(context.Background(), cutoff)
	},
}

