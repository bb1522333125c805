package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcache/vmworker/internal/ledger"
)

func TestUpdateReflectsSnapshot(t *testing.T) {
	c := NewCollector()
	c.Update(ledger.Snapshot{
		BakedFrames: 10, CompressedFrames: 8, SecuredFrames: 5,
		CompressionRatio: 4.2, UploadSpeedBps: 1000, BakingSpeedFps: 2.5, CurrentBatchSize: 12,
	})

	assert.Equal(t, float64(10), testutil.ToFloat64(c.bakedFrames))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.securedFrames))
	assert.Equal(t, float64(12), testutil.ToFloat64(c.currentBatchSize))
	assert.InDelta(t, 4.2, testutil.ToFloat64(c.compressionRatio), 0.001)
}

func TestBatchFailuresAndQueueDepthCounters(t *testing.T) {
	c := NewCollector()
	c.IncBatchFailure()
	c.IncBatchFailure()
	c.SetQueueDepth("compressor_out", 3)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.batchFailures))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.queueDepth.WithLabelValues("compressor_out")))
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	c := NewCollector()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not shut down after context cancel")
	}
}
