package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresPassword(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)

	cfg.VMPassword = "secret"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadBatchBounds(t *testing.T) {
	cfg := Default()
	cfg.VMPassword = "secret"
	cfg.MinBatchSize = 10
	cfg.MaxBatchSize = 5
	assert.Error(t, cfg.Validate())
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("WS_URL", "wss://example.test/ws")
	t.Setenv("TARGET_UPLOAD_TIME", "45")
	t.Setenv("MIN_BATCH_SIZE", "7")

	cfg := Default()
	LoadEnv(cfg)

	assert.Equal(t, "wss://example.test/ws", cfg.WSURL)
	assert.Equal(t, 45*time.Second, cfg.TargetUploadTime)
	assert.Equal(t, 7, cfg.MinBatchSize)
}

func TestLoadYAMLMissingFileIsNotError(t *testing.T) {
	cfg := Default()
	require.NoError(t, LoadYAML(cfg, "/nonexistent/path.yaml"))
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("min_batch_size: 3\nmax_batch_size: 80\n"), 0o644))

	cfg := Default()
	require.NoError(t, LoadYAML(cfg, path))

	assert.Equal(t, 3, cfg.MinBatchSize)
	assert.Equal(t, 80, cfg.MaxBatchSize)
}
