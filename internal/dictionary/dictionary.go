// Package dictionary owns the run's single optional zstd compression
// dictionary: training it once from early samples, persisting it, and
// handing out encoder/decoder instances bound to it.
package dictionary

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	pkgerrors "github.com/simcache/vmworker/pkg/errors"
)

// State is the dictionary's lifecycle stage.
type State int

const (
	Untrained State = iota
	Trained
)

// Manager owns the dictionary bytes and the compression level applied when
// building encoders/decoders from it.
type Manager struct {
	mu    sync.RWMutex
	state State
	bytes []byte
	level zstd.EncoderLevel
	log   *slog.Logger
}

// New creates a Manager at the given zstd level (the ZSTD_LEVEL setting).
func New(level int, log *slog.Logger) *Manager {
	return &Manager{
		level: zstd.EncoderLevelFromZstd(level),
		log:   log,
	}
}

// IsTrained reports whether the dictionary has transitioned out of Untrained.
func (m *Manager) IsTrained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == Trained
}

// Bytes returns the dictionary's raw content, or nil if untrained.
func (m *Manager) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// Train builds a dictionary from sample file contents. klauspost/compress is
// pure Go and does not implement zstd's COVER dictionary-training algorithm
// (that lives in libzstd's dictBuilder, reachable only via cgo), so Train
// builds a raw-content dictionary instead: it concatenates non-empty sample
// bytes, round-robin, up to maxSize. zstd treats an arbitrary byte string as
// a valid "raw content" dictionary — a weaker similarity prior than a
// COVER-trained one, but a legitimate dictionary once loaded with
// WithEncoderDictRaw/WithDecoderDictRaw (see Encoder/Decoder). Training is
// declined (state stays Untrained) if fewer
// than minSamples non-empty samples remain after reading.
func (m *Manager) Train(samplePaths []string, minSamples, maxSize int) bool {
	if len(samplePaths) < minSamples {
		return false
	}

	samples := make([][]byte, 0, len(samplePaths))
	for _, p := range samplePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			if m.log != nil {
				m.log.Warn("dictionary sample unreadable", "path", p, "err", err)
			}
			continue
		}
		if len(data) > 0 {
			samples = append(samples, data)
		}
	}
	if len(samples) < minSamples {
		return false
	}

	var buf bytes.Buffer
	for buf.Len() < maxSize {
		progressed := false
		for _, s := range samples {
			if buf.Len() >= maxSize {
				break
			}
			take := len(s)
			if remaining := maxSize - buf.Len(); take > remaining {
				take = remaining
			}
			if take > 0 {
				buf.Write(s[:take])
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	m.mu.Lock()
	m.bytes = buf.Bytes()
	m.state = Trained
	m.mu.Unlock()

	if m.log != nil {
		m.log.Info("dictionary trained", "bytes", buf.Len(), "samples", len(samples))
	}
	return true
}

// LoadBytes loads a dictionary from raw bytes (resume or an explicit load),
// transitioning Untrained -> Trained.
func (m *Manager) LoadBytes(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes = data
	m.state = Trained
}

// LoadFile loads a dictionary from disk if present. It returns (false, nil)
// if the file does not exist.
func (m *Manager) LoadFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeStorageRead, "dictionary", "reading dictionary file", err)
	}
	m.LoadBytes(data)
	return true, nil
}

// SaveFile persists the current dictionary to path.
func (m *Manager) SaveFile(path string) error {
	data := m.Bytes()
	if data == nil {
		return pkgerrors.New(pkgerrors.CodeInvalidState, "dictionary", "no dictionary trained")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorageWrite, "dictionary", "creating dictionary directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStorageWrite, "dictionary", "writing dictionary file", err)
	}
	return nil
}

// rawDictionaryID is the dictionary ID stamped on the raw-content
// dictionary built by Train. WithEncoderDictRaw/WithDecoderDictRaw don't
// require it to match any on-disk dictionary header (there isn't one for a
// raw-content dictionary); it only needs to be consistent between the
// encoder and decoder sides, which it is here since both always go through
// this package.
const rawDictionaryID = 1

// Encoder returns a fresh zstd encoder bound to this dictionary, if trained.
//
// The dictionary Train builds has no zstd dictionary header (magic
// 0xEC30A437), so it must be loaded with WithEncoderDictRaw rather than
// WithEncoderDict: the latter calls into klauspost/compress's dictionary
// loader, which demands that magic and fails with ErrMagicMismatch on plain
// content bytes.
func (m *Manager) Encoder() (*zstd.Encoder, error) {
	opts := []zstd.EOption{zstd.WithEncoderLevel(m.level)}
	if data := m.Bytes(); data != nil {
		opts = append(opts, zstd.WithEncoderDictRaw(rawDictionaryID, data))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeCompressionFailed, "dictionary", "creating zstd encoder", err)
	}
	return enc, nil
}

// Decoder returns a fresh zstd decoder bound to this dictionary, if trained.
// See Encoder for why this uses WithDecoderDictRaw instead of
// WithDecoderDicts.
func (m *Manager) Decoder() (*zstd.Decoder, error) {
	var opts []zstd.DOption
	if data := m.Bytes(); data != nil {
		opts = append(opts, zstd.WithDecoderDictRaw(rawDictionaryID, data))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeCompressionFailed, "dictionary", "creating zstd decoder", err)
	}
	return dec, nil
}
