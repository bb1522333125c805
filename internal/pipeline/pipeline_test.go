package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcache/vmworker/internal/config"
	"github.com/simcache/vmworker/internal/dictionary"
	"github.com/simcache/vmworker/internal/ledger"
	"github.com/simcache/vmworker/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateManifestAcceptsValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	data, _ := json.Marshal(manifestFile{TotalFrames: 100, Extensions: []string{"bphys", "vdb"}})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	assert.NoError(t, ValidateManifest(path))
}

func TestValidateManifestRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	data, _ := json.Marshal(manifestFile{TotalFrames: 100, Extensions: []string{"exe"}})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	assert.Error(t, ValidateManifest(path))
}

func TestValidateManifestRejectsNonPositiveFrameCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	data, _ := json.Marshal(manifestFile{TotalFrames: 0})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	assert.Error(t, ValidateManifest(path))
}

func TestValidateManifestMissingFile(t *testing.T) {
	assert.Error(t, ValidateManifest(filepath.Join(t.TempDir(), "missing.json")))
}

func TestRunShutsDownWithoutUploaderConfigured(t *testing.T) {
	cfg := config.Default()
	cfg.VMPassword = "x"
	cfg.WorkDir = t.TempDir()
	cfg.CacheDir = filepath.Join(cfg.WorkDir, "cache")
	cfg.DefaultBatchSize = 2
	cfg.MinBatchSize = 2
	cfg.MaxBatchSize = 2
	cfg.BatchInterval = 10 * time.Millisecond
	cfg.ProgressReportInterval = 20 * time.Millisecond
	require.NoError(t, cfg.EnsureDirs())

	require.NoError(t, os.WriteFile(filepath.Join(cfg.CacheDir, "sim_000001.bphys"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CacheDir, "sim_000002.bphys"), []byte("b"), 0o644))

	tr := ledger.New(2, nil)
	dict := dictionary.New(cfg.ZstdLevel, testLogger())
	mc := metrics.NewCollector()

	p := New(cfg, tr, dict, nil, mc, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(WatcherDrainTimeout + CompressorDrainTimeout + UploaderDrainTimeout + 5*time.Second):
		t.Fatal("pipeline did not shut down")
	}
}
