package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.transitwatch.dev/core/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
feed_update_interval_s: 15
retention_hours: 48
feeds:
  - feed_id: trip_updates
    url: https://example.test/tripupdates.pb
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.FeedUpdateIntervalS)
	assert.Equal(t, 48, cfg.RetentionHours)
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "trip_updates", cfg.Feeds[0].FeedID)
	// Unset keys keep their default.
	assert.Equal(t, config.Defaults().MaxRetries, cfg.MaxRetries)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feed_update_interval_s: 30\n"), 0o644))

	w, err := config.NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, 30, w.Current().FeedUpdateIntervalS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, errs := w.Watch(ctx)

	require.NoError(t, os.WriteFile(path, []byte("feed_update_interval_s: 45\n"), 0o644))

	select {
	case cfg := <-changes:
		assert.Equal(t, 45, cfg.FeedUpdateIntervalS)
	case err := <-errs:
		t.Fatalf("unexpected watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	assert.Equal(t, 45, w.Current().FeedUpdateIntervalS)
}
