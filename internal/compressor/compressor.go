// Package compressor implements the pipeline's second stage: it accumulates
// watched artifacts into batches, trains the run's zstd dictionary from the
// first samples it sees, and archives+compresses each batch to a spill file
// on disk for the uploader to pick up.
package compressor

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/simcache/vmworker/internal/artifact"
	"github.com/simcache/vmworker/internal/config"
	"github.com/simcache/vmworker/internal/control"
	"github.com/simcache/vmworker/internal/dictionary"
	"github.com/simcache/vmworker/internal/ledger"
	pkgerrors "github.com/simcache/vmworker/pkg/errors"
)

// Batch is a compressed, spilled-to-disk unit ready for upload.
type Batch struct {
	ID             int
	Frames         []int
	SpillPath      string
	RawSize        int64
	CompressedSize int64
}

// Compressor owns batch accumulation, dictionary training, and archiving.
type Compressor struct {
	cfg    *config.Config
	ledger *ledger.Tracker
	dict   *dictionary.Manager
	ctrl   *control.Client
	log    *slog.Logger

	inbound  <-chan artifact.Artifact
	outbound chan<- Batch

	pending          []artifact.Artifact
	samplePaths      []string
	currentBatchSize int
}

// New builds a Compressor reading from inbound and writing finished batches
// to outbound. The caller owns both channels' lifecycles. ctrl may be nil,
// in which case COMPRESSED events are simply not sent.
func New(cfg *config.Config, tr *ledger.Tracker, dict *dictionary.Manager, ctrl *control.Client, log *slog.Logger,
	inbound <-chan artifact.Artifact, outbound chan<- Batch) *Compressor {
	return &Compressor{
		cfg:              cfg,
		ledger:           tr,
		dict:             dict,
		ctrl:             ctrl,
		log:              log,
		inbound:          inbound,
		outbound:         outbound,
		currentBatchSize: cfg.DefaultBatchSize,
	}
}

// Run drains inbound until it closes or ctx is cancelled, flushing closed
// batches on the configured interval. It always flushes remaining pending
// artifacts as a final, possibly undersized, batch before returning.
func (c *Compressor) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.BatchInterval)
	defer ticker.Stop()
	defer close(c.outbound)

	for {
		select {
		case <-ctx.Done():
			c.flushRemaining()
			return nil

		case a, ok := <-c.inbound:
			if !ok {
				c.flushRemaining()
				return nil
			}
			c.pending = append(c.pending, a)
			c.collectSample(a)

		case <-ticker.C:
			c.maybeCloseBatch()
		}
	}
}

func (c *Compressor) collectSample(a artifact.Artifact) {
	if c.dict.IsTrained() || len(c.samplePaths) >= 30 {
		return
	}
	c.samplePaths = append(c.samplePaths, a.Path)
}

func (c *Compressor) maybeCloseBatch() {
	if len(c.pending) < c.currentBatchSize {
		return
	}
	items := c.pending[:c.currentBatchSize]
	c.pending = c.pending[c.currentBatchSize:]
	c.processBatch(items)
}

func (c *Compressor) flushRemaining() {
	if len(c.pending) == 0 {
		return
	}
	items := c.pending
	c.pending = nil
	c.processBatch(items)
}

func (c *Compressor) processBatch(items []artifact.Artifact) {
	c.maybeTrainDictionary()

	frames := frameNumbers(items)
	info := c.ledger.CreateBatch(frames)

	batch, err := c.compress(info.ID, items)
	if err != nil {
		c.log.Error("batch compression failed", "batch_id", info.ID, "err", err)
		c.ledger.RegisterBatchFailed(info.ID)
		return
	}

	c.ledger.RegisterCompressed(info.ID, batch.CompressedSize, batch.RawSize)
	if c.ctrl != nil {
		_ = c.ctrl.SendCompressed(batch.Frames, info.ID, batch.CompressedSize, batch.RawSize)
	}
	c.resize()
	c.outbound <- batch
}

// maybeTrainDictionary trains once, lazily, before the first batch that
// crosses the minimum sample threshold. It is a no-op once trained.
func (c *Compressor) maybeTrainDictionary() {
	if c.dict.IsTrained() {
		return
	}
	if len(c.samplePaths) < c.cfg.ZstdMinTrainingSamples {
		return
	}
	if c.dict.Train(c.samplePaths, c.cfg.ZstdMinTrainingSamples, c.cfg.ZstdDictSize) {
		if err := c.dict.SaveFile(c.cfg.DictFile); err != nil {
			c.log.Warn("failed to persist trained dictionary", "err", err)
		}
	}
}

func (c *Compressor) compress(id int, items []artifact.Artifact) (Batch, error) {
	var archiveBuf bytes.Buffer
	tw := tar.NewWriter(&archiveBuf)

	var rawSize int64
	for _, a := range items {
		data, err := os.ReadFile(a.Path)
		if err != nil {
			return Batch{}, pkgerrors.Wrap(pkgerrors.CodeStorageRead, "compressor", "reading artifact", err)
		}
		hdr := &tar.Header{
			Name:    filepath.Base(a.Path),
			Size:    int64(len(data)),
			Mode:    0o644,
			ModTime: a.ModTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return Batch{}, pkgerrors.Wrap(pkgerrors.CodeCompressionFailed, "compressor", "writing tar header", err)
		}
		if _, err := tw.Write(data); err != nil {
			return Batch{}, pkgerrors.Wrap(pkgerrors.CodeCompressionFailed, "compressor", "writing tar entry", err)
		}
		rawSize += int64(len(data))
	}
	if err := tw.Close(); err != nil {
		return Batch{}, pkgerrors.Wrap(pkgerrors.CodeCompressionFailed, "compressor", "closing tar archive", err)
	}

	enc, err := c.dict.Encoder()
	if err != nil {
		return Batch{}, err
	}
	defer enc.Close()
	compressed := enc.EncodeAll(archiveBuf.Bytes(), nil)

	spillPath := filepath.Join(c.cfg.BatchSpillDir(), fmt.Sprintf("batch_%04d.tar.zst", id))
	if err := os.MkdirAll(filepath.Dir(spillPath), 0o755); err != nil {
		return Batch{}, pkgerrors.Wrap(pkgerrors.CodeStorageWrite, "compressor", "creating spill directory", err)
	}
	if err := os.WriteFile(spillPath, compressed, 0o644); err != nil {
		return Batch{}, pkgerrors.Wrap(pkgerrors.CodeStorageWrite, "compressor", "writing spill file", err)
	}

	return Batch{
		ID:             id,
		Frames:         frameNumbers(items),
		SpillPath:      spillPath,
		RawSize:        rawSize,
		CompressedSize: int64(len(compressed)),
	}, nil
}

// resize recomputes the target batch size from recent throughput, per the
// adaptive sizing formula: target = upload_bps * target_upload_time /
// (avg_raw_bytes_per_frame / compression_ratio), clamped to configured
// bounds.
func (c *Compressor) resize() {
	avgRawPerFrame, ok := c.ledger.ConfirmedBatchesForSizing()
	if !ok || avgRawPerFrame <= 0 {
		return
	}
	uploadBps := c.ledger.UploadSpeedBps()
	if uploadBps <= 0 {
		return
	}
	ratio := c.ledger.CompressionRatio()
	if ratio <= 0 {
		ratio = 1
	}

	bytesPerFrameCompressed := avgRawPerFrame / ratio
	if bytesPerFrameCompressed <= 0 {
		return
	}

	target := int(uploadBps * c.cfg.TargetUploadTime.Seconds() / bytesPerFrameCompressed)
	if target < c.cfg.MinBatchSize {
		target = c.cfg.MinBatchSize
	}
	if target > c.cfg.MaxBatchSize {
		target = c.cfg.MaxBatchSize
	}
	c.currentBatchSize = target
}

// CurrentBatchSize reports the compressor's current adaptive target, for the
// pipeline's progress snapshot.
func (c *Compressor) CurrentBatchSize() int {
	return c.currentBatchSize
}

func frameNumbers(items []artifact.Artifact) []int {
	frames := make([]int, 0, len(items))
	for _, a := range items {
		if a.HasFrameNum {
			frames = append(frames, a.FrameNumber)
		}
	}
	sort.Ints(frames)
	return frames
}
