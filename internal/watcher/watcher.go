// Package watcher implements the pipeline's first stage: it discovers cache
// artifacts written by the simulation driver, waits for each to stop
// growing, and hands stable, not-yet-secured artifacts to the compressor.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/simcache/vmworker/internal/artifact"
	"github.com/simcache/vmworker/internal/control"
	"github.com/simcache/vmworker/internal/ledger"
	pkgerrors "github.com/simcache/vmworker/pkg/errors"
)

const (
	stabilityPollInterval = 300 * time.Millisecond
	stabilityMaxWait      = 3 * time.Second
)

// Watcher watches a cache directory tree for new, stabilizing artifacts.
type Watcher struct {
	root     string
	ledger   *ledger.Tracker
	outbound chan<- artifact.Artifact
	ctrl     *control.Client
	log      *slog.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	secured map[int]struct{}

	wg sync.WaitGroup
}

// New builds a Watcher rooted at dir, emitting stable artifacts to outbound.
// alreadySecured is the resume-seeded frame set: artifacts for those frames
// are observed (for baked accounting) but never re-enqueued for upload.
// ctrl may be nil, in which case BAKED events are simply not sent.
func New(dir string, tr *ledger.Tracker, outbound chan<- artifact.Artifact, alreadySecured []int, ctrl *control.Client, log *slog.Logger) *Watcher {
	secured := make(map[int]struct{}, len(alreadySecured))
	for _, f := range alreadySecured {
		secured[f] = struct{}{}
	}
	return &Watcher{
		root:     dir,
		ledger:   tr,
		outbound: outbound,
		ctrl:     ctrl,
		log:      log,
		seen:     make(map[string]struct{}),
		secured:  secured,
	}
}

// Run performs the initial scan, then watches for new files until ctx is
// cancelled. It closes outbound when it returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.wg.Wait()
		close(w.outbound)
	}()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, "watcher", "creating fsnotify watcher", err)
	}
	defer fw.Close()

	if err := w.addTree(fw); err != nil {
		return err
	}

	if err := w.initialScan(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil || info.IsDir() {
				if err == nil && info.IsDir() {
					_ = fw.Add(ev.Name)
				}
				continue
			}
			w.considerLivePath(ctx, ev.Name, info)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "err", err)
		}
	}
}

func (w *Watcher) addTree(fw *fsnotify.Watcher) error {
	return filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}

// initialScan enumerates artifacts already on disk when the watcher starts.
// These are not stability-checked: a file present at startup is assumed
// complete, since nothing currently writing it would have survived a
// restart mid-write without the driver itself resuming that frame. No
// BAKED event is sent for them; BAKED reports only frames observed live.
func (w *Watcher) initialScan(ctx context.Context) error {
	return filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		if !artifact.Recognized(path) {
			return nil
		}
		abs, aerr := filepath.Abs(path)
		if aerr != nil {
			abs = path
		}
		w.mu.Lock()
		w.seen[abs] = struct{}{}
		w.mu.Unlock()
		w.emitArtifact(ctx, abs, info.Size(), info.ModTime(), false)
		return nil
	})
}

// considerLivePath handles a file observed via fsnotify: it must pass
// stability polling before being treated as a finished, baked frame.
func (w *Watcher) considerLivePath(ctx context.Context, path string, info os.FileInfo) {
	if !artifact.Recognized(path) {
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	w.mu.Lock()
	if _, dup := w.seen[abs]; dup {
		w.mu.Unlock()
		return
	}
	w.seen[abs] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.waitStableAndEmit(ctx, abs)
	}()
}

// waitStableAndEmit polls the file's size until two consecutive observations
// agree on a positive size (or the maximum wait elapses) before treating it
// as a finished, baked frame. A size of zero never counts as stable: a file
// just created and not yet written to would otherwise be emitted empty.
func (w *Watcher) waitStableAndEmit(ctx context.Context, path string) {
	deadline := time.Now().Add(stabilityMaxWait)
	var lastSize int64 = -1

	for {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.Size() > 0 && info.Size() == lastSize {
			break
		}
		lastSize = info.Size()

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(stabilityPollInterval):
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}
	w.emitArtifact(ctx, path, info.Size(), info.ModTime(), true)
}

// emitArtifact registers a baked frame and hands it to the compressor,
// unless it's already been secured in a prior run. live distinguishes a
// frame observed via fsnotify (sends PROGRESS_BAKED) from one found during
// the initial scan (doesn't: it wasn't "observed" becoming stable).
func (w *Watcher) emitArtifact(ctx context.Context, path string, size int64, modTime time.Time, live bool) {
	a := artifact.New(path, size, modTime)

	if a.HasFrameNum {
		w.ledger.RegisterBakedFrame(a.FrameNumber)
		if live && w.ctrl != nil {
			_ = w.ctrl.SendBaked(a.FrameNumber, w.ledger.TotalFrames())
		}
		w.mu.Lock()
		_, secured := w.secured[a.FrameNumber]
		w.mu.Unlock()
		if secured {
			return
		}
	}

	select {
	case w.outbound <- a:
	case <-ctx.Done():
	}
}
