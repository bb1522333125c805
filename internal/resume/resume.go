// Package resume rebuilds a worker's state after a restart: it downloads the
// dictionary and every previously-secured batch object, decompresses each
// batch back into the cache directory, and seeds the ledger's secured set so
// the watcher never re-enqueues a frame that is already safely uploaded.
package resume

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/simcache/vmworker/internal/artifact"
	"github.com/simcache/vmworker/internal/dictionary"
	"github.com/simcache/vmworker/internal/ledger"
	pkgerrors "github.com/simcache/vmworker/pkg/errors"
)

// Downloader is the subset of the uploader client resume needs, so resume
// can be tested without a real S3 endpoint.
type Downloader interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	ListBatchKeys(ctx context.Context) ([]string, error)
	DictionaryKey() string
}

// Manager performs the resume sequence.
type Manager struct {
	dl       Downloader
	dict     *dictionary.Manager
	cacheDir string
	log      *slog.Logger
}

// New builds a Manager that restores state into cacheDir.
func New(dl Downloader, dict *dictionary.Manager, cacheDir string, log *slog.Logger) *Manager {
	return &Manager{dl: dl, dict: dict, cacheDir: cacheDir, log: log}
}

// Result summarizes what resume recovered.
type Result struct {
	SecuredFrames []int
	BatchCount    int
}

// Run downloads the dictionary (if present) and every secured batch,
// decompresses each into cacheDir, and returns the recovered frame set for
// seeding a new ledger.Tracker.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	dictData, err := m.dl.GetObject(ctx, m.dl.DictionaryKey())
	if err != nil {
		m.log.Info("no prior dictionary found, starting untrained", "err", err)
	} else {
		m.dict.LoadBytes(dictData)
	}

	keys, err := m.dl.ListBatchKeys(ctx)
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeNetworkError, "resume", "listing secured batches", err)
	}

	var result Result
	for _, key := range keys {
		frames, err := m.restoreBatch(ctx, key)
		if err != nil {
			return Result{}, err
		}
		result.SecuredFrames = append(result.SecuredFrames, frames...)
		result.BatchCount++
	}
	return result, nil
}

func (m *Manager) restoreBatch(ctx context.Context, key string) ([]int, error) {
	compressed, err := m.dl.GetObject(ctx, key)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNetworkError, "resume", fmt.Sprintf("downloading %s", key), err)
	}

	dec, err := m.dict.Decoder()
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeCompressionFailed, "resume", fmt.Sprintf("decompressing %s", key), err)
	}

	return m.extractArchive(raw)
}

// extractArchive writes a tar archive's entries into cacheDir, refusing any
// entry whose name would resolve outside of it.
func (m *Manager) extractArchive(raw []byte) ([]int, error) {
	tr := tar.NewReader(bytes.NewReader(raw))
	var frames []int

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDataCorrupt, "resume", "reading tar entry", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		dest, err := safeJoin(m.cacheDir, hdr.Name)
		if err != nil {
			return nil, err
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeStorageWrite, "resume", "creating cache directory", err)
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeStorageWrite, "resume", "creating restored artifact", err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return nil, pkgerrors.Wrap(pkgerrors.CodeStorageWrite, "resume", "writing restored artifact", err)
		}
		f.Close()

		if frame, ok := artifact.FrameNumber(hdr.Name); ok {
			frames = append(frames, frame)
		}
	}
	return frames, nil
}

// safeJoin resolves name against base and rejects any result that escapes
// base, guarding against a crafted archive entry using "../" segments or an
// absolute path that would otherwise bypass the prefix check below: Join
// silently strips a leading separator from an absolute second argument.
func safeJoin(base, name string) (string, error) {
	if strings.Contains(name, "\x00") {
		return "", pkgerrors.New(pkgerrors.CodePathTraversal, "resume", "archive entry contains a NUL byte")
	}
	if filepath.IsAbs(name) {
		return "", pkgerrors.New(pkgerrors.CodePathTraversal,
			"resume", fmt.Sprintf("archive entry %q has an absolute path", name))
	}
	cleanBase := filepath.Clean(base)
	joined := filepath.Join(cleanBase, name)
	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(os.PathSeparator)) {
		return "", pkgerrors.New(pkgerrors.CodePathTraversal,
			"resume", fmt.Sprintf("archive entry %q escapes cache directory", name))
	}
	return joined, nil
}

// BatchIDFromKey extracts the numeric batch id from an object key of the
// form ".../batch_0001.tar.zst", used only for diagnostics.
func BatchIDFromKey(key string) (int, bool) {
	base := filepath.Base(key)
	base = strings.TrimSuffix(base, ".tar.zst")
	base = strings.TrimPrefix(base, "batch_")
	n, err := strconv.Atoi(base)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SeedLedger builds a Tracker pre-populated with a resume Result.
func SeedLedger(totalFrames int, result Result) *ledger.Tracker {
	return ledger.New(totalFrames, result.SecuredFrames)
}
