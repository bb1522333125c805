// Package pipeline wires the watcher, compressor, uploader, ledger, and
// control channel into one running worker, and owns the shutdown sequence
// that lets in-flight work drain before the process exits.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/simcache/vmworker/internal/artifact"
	"github.com/simcache/vmworker/internal/compressor"
	"github.com/simcache/vmworker/internal/config"
	"github.com/simcache/vmworker/internal/control"
	"github.com/simcache/vmworker/internal/dictionary"
	"github.com/simcache/vmworker/internal/ledger"
	"github.com/simcache/vmworker/internal/metrics"
	"github.com/simcache/vmworker/internal/uploader"
	"github.com/simcache/vmworker/internal/watcher"
	pkgerrors "github.com/simcache/vmworker/pkg/errors"
)

// Shutdown stage budgets: how long each stage gets to drain once a shutdown
// begins, before the pipeline gives up waiting on it.
const (
	WatcherDrainTimeout    = 5 * time.Second
	CompressorDrainTimeout = 10 * time.Second
	UploaderDrainTimeout   = 30 * time.Second
	TotalDrainTimeout      = 120 * time.Second
)

// Pipeline owns the running worker's components and their wiring.
type Pipeline struct {
	cfg      *config.Config
	log      *slog.Logger
	ledger   *ledger.Tracker
	dict     *dictionary.Manager
	ctrl     *control.Client
	metrics  *metrics.Collector

	watcher    *watcher.Watcher
	compressor *compressor.Compressor
	uploaderClient *uploader.Client

	artifactCh chan artifact.Artifact
	batchCh    chan compressor.Batch
}

// New builds a Pipeline ready to Run. uploaderClient may be nil at
// construction time if S3 credentials haven't arrived yet; call
// SetUploader once they do, before Run.
func New(cfg *config.Config, tr *ledger.Tracker, dict *dictionary.Manager, ctrl *control.Client,
	mc *metrics.Collector, alreadySecured []int, log *slog.Logger) *Pipeline {

	artifactCh := make(chan artifact.Artifact, 256)
	batchCh := make(chan compressor.Batch, 32)

	p := &Pipeline{
		cfg:        cfg,
		log:        log,
		ledger:     tr,
		dict:       dict,
		ctrl:       ctrl,
		metrics:    mc,
		artifactCh: artifactCh,
		batchCh:    batchCh,
	}
	p.watcher = watcher.New(cfg.CacheDir, tr, artifactCh, alreadySecured, ctrl, log)
	p.compressor = compressor.New(cfg, tr, dict, ctrl, log, artifactCh, batchCh)
	return p
}

// SetUploader installs the uploader client once S3_CREDENTIALS arrives.
func (p *Pipeline) SetUploader(c *uploader.Client) {
	p.uploaderClient = c
}

// Run starts the watcher and compressor stages, the upload consumer, and
// the periodic progress snapshot, and blocks until ctx is cancelled. It
// then runs the staged shutdown sequence before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.cfg.EnsureDirs(); err != nil {
		return err
	}

	watcherErr := make(chan error, 1)
	compressorErr := make(chan error, 1)
	uploaderDone := make(chan struct{})

	go func() { watcherErr <- p.watcher.Run(ctx) }()
	go func() { compressorErr <- p.compressor.Run(ctx) }()
	go func() {
		defer close(uploaderDone)
		p.runUploadConsumer(context.Background())
	}()

	snapshotDone := make(chan struct{})
	go func() {
		defer close(snapshotDone)
		p.runSnapshotLoop(ctx)
	}()

	<-ctx.Done()
	p.log.Info("pipeline shutting down")

	return p.shutdown(watcherErr, compressorErr, uploaderDone, snapshotDone)
}

func (p *Pipeline) runUploadConsumer(ctx context.Context) {
	for b := range p.batchCh {
		if p.uploaderClient == nil {
			p.log.Error("batch ready but no uploader configured", "batch_id", b.ID)
			p.ledger.RegisterBatchFailed(b.ID)
			p.metrics.IncBatchFailure()
			continue
		}
		etag, err := p.uploaderClient.UploadBatch(ctx, b, p.ledger)
		if err != nil {
			p.metrics.IncBatchFailure()
			continue
		}
		if p.ctrl != nil {
			key := p.uploaderClient.ObjectKey(b.ID)
			_ = p.ctrl.SendSecured(b.Frames, b.ID, key, p.ledger.UploadSpeedBps(), b.CompressedSize, etag)
		}
	}
}

func (p *Pipeline) runSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ProgressReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.ledger.StatusSnapshot(p.compressor.CurrentBatchSize())
			p.metrics.Update(snap)
			p.metrics.SetQueueDepth("watcher_out", len(p.artifactCh))
			p.metrics.SetQueueDepth("compressor_out", len(p.batchCh))
			if p.ctrl != nil {
				_ = p.ctrl.SendProgressUpdate(snap)
			}
		}
	}
}

// shutdown waits for the watcher, then the compressor, then the uploader to
// drain, each within its own budget, then uploads the dictionary (if
// trained) and reports cache completion.
func (p *Pipeline) shutdown(watcherErr, compressorErr <-chan error, uploaderDone, snapshotDone <-chan struct{}) error {
	overallDeadline := time.Now().Add(TotalDrainTimeout)

	select {
	case <-watcherErr:
	case <-time.After(WatcherDrainTimeout):
		p.log.Warn("watcher did not stop within its drain budget")
	}
	if time.Now().After(overallDeadline) {
		return pkgerrors.New(pkgerrors.CodeInternal, "pipeline", "shutdown exceeded total drain timeout")
	}

	select {
	case <-compressorErr:
	case <-time.After(CompressorDrainTimeout):
		p.log.Warn("compressor did not stop within its drain budget")
	}
	if time.Now().After(overallDeadline) {
		return pkgerrors.New(pkgerrors.CodeInternal, "pipeline", "shutdown exceeded total drain timeout")
	}

	select {
	case <-uploaderDone:
	case <-time.After(UploaderDrainTimeout):
		p.log.Warn("uploader did not drain within its budget")
	}
	if time.Now().After(overallDeadline) {
		return pkgerrors.New(pkgerrors.CodeInternal, "pipeline", "shutdown exceeded total drain timeout")
	}

	<-snapshotDone

	if p.uploaderClient != nil && p.dict.IsTrained() {
		if err := p.uploaderClient.UploadDictionary(context.Background(), p.dict.Bytes()); err != nil {
			p.log.Error("failed to upload dictionary on shutdown", "err", err)
		}
	}

	if p.ctrl != nil {
		_ = p.ctrl.SendCacheComplete(p.ledger.TotalFrames())
		_ = p.ctrl.SendReadyToTerminate()
	}
	return nil
}

// manifestFile is the bookkeeping file the simulation driver writes
// alongside the cache directory, enumerating expected frame count and
// artifact extensions. Supplemented from the original bake_all.py's
// manifest handling; the distilled spec has no equivalent.
type manifestFile struct {
	TotalFrames int      `json:"totalFrames"`
	Extensions  []string `json:"extensions"`
}

// ValidateManifest checks a cache manifest file against the known artifact
// extension set before the pipeline trusts its totalFrames figure.
func ValidateManifest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorageRead, "pipeline", "reading cache manifest", err)
	}
	var m manifestFile
	if err := json.Unmarshal(data, &m); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDataCorrupt, "pipeline", "parsing cache manifest", err)
	}
	if m.TotalFrames <= 0 {
		return pkgerrors.New(pkgerrors.CodeDataCorrupt, "pipeline", "cache manifest has non-positive totalFrames")
	}
	for _, ext := range m.Extensions {
		if !artifact.Extensions["."+ext] && !artifact.Extensions[ext] {
			return pkgerrors.New(pkgerrors.CodeDataCorrupt, "pipeline",
				"cache manifest references an unrecognized extension: "+filepath.Clean(ext))
		}
	}
	return nil
}
