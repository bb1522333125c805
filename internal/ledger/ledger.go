// Package ledger implements the pipeline's single source of truth for frame
// progression and batch lifecycle: the triple-set accounting of baked,
// compressed, and secured frames, plus the derived metrics and ETAs used in
// the periodic status snapshot.
package ledger

import (
	"sort"
	"sync"
	"time"
)

// BatchStatus is a batch's position in its state machine.
type BatchStatus string

const (
	StatusCompressing BatchStatus = "compressing"
	StatusUploading   BatchStatus = "uploading"
	StatusConfirmed   BatchStatus = "confirmed"
	StatusFailed      BatchStatus = "failed"
)

// BatchInfo records one batch's identity, sizes, and lifecycle state.
type BatchInfo struct {
	ID              int
	Frames          []int
	CompressedSize  int64
	RawSize         int64
	ObjectKey       string
	ETag            string
	UploadDuration  time.Duration
	Status          BatchStatus
}

// Tracker is the Ledger / ProgressTracker: the authoritative record of frame
// state and batch lifecycle, guarded by a single mutex per the concurrency
// model (coarse, infrequent accesses relative to upload time).
type Tracker struct {
	mu sync.Mutex

	totalFrames int

	baked      map[int]struct{}
	compressed map[int]struct{}
	secured    map[int]struct{}

	batches     map[int]*BatchInfo
	nextBatchID int

	uploadSpeedBps   float64
	compressionRatio float64
	bakingSpeedFPS   float64

	bakeWindow []time.Time
}

// New creates a Tracker seeded with already-secured frames from a resume.
func New(totalFrames int, alreadySecured []int) *Tracker {
	t := &Tracker{
		totalFrames:      totalFrames,
		baked:            make(map[int]struct{}),
		compressed:       make(map[int]struct{}),
		secured:          make(map[int]struct{}),
		batches:          make(map[int]*BatchInfo),
		nextBatchID:      1,
		compressionRatio: 4.0,
	}
	for _, f := range alreadySecured {
		t.secured[f] = struct{}{}
	}
	return t
}

// RegisterBakedFrame records that an artifact for frame f has been observed
// stable, and updates the rolling baking-speed estimate.
func (t *Tracker) RegisterBakedFrame(f int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.baked[f] = struct{}{}

	now := time.Now()
	t.bakeWindow = append(t.bakeWindow, now)
	cutoff := now.Add(-5 * time.Second)
	kept := t.bakeWindow[:0]
	for _, ts := range t.bakeWindow {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.bakeWindow = kept

	if len(t.bakeWindow) >= 2 {
		elapsed := t.bakeWindow[len(t.bakeWindow)-1].Sub(t.bakeWindow[0])
		if elapsed > 0 {
			t.bakingSpeedFPS = float64(len(t.bakeWindow)-1) / elapsed.Seconds()
		}
	}
}

// CreateBatch allocates the next batch_id and records it as compressing.
func (t *Tracker) CreateBatch(frames []int) *BatchInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	frameCopy := make([]int, len(frames))
	copy(frameCopy, frames)

	b := &BatchInfo{
		ID:     t.nextBatchID,
		Frames: frameCopy,
		Status: StatusCompressing,
	}
	t.batches[b.ID] = b
	t.nextBatchID++
	return b
}

// RegisterCompressed transitions a batch from compressing to uploading and
// folds its frames into Compressed.
func (t *Tracker) RegisterCompressed(id int, compressedSize, rawSize int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.batches[id]
	if !ok || b.Status != StatusCompressing {
		return
	}
	b.CompressedSize = compressedSize
	b.RawSize = rawSize
	b.Status = StatusUploading
	for _, f := range b.Frames {
		t.compressed[f] = struct{}{}
	}
	if rawSize > 0 && compressedSize > 0 {
		t.compressionRatio = float64(rawSize) / float64(compressedSize)
	}
}

// RegisterSecured transitions a batch to confirmed and folds its frames into
// Secured. A confirmed batch never transitions again.
func (t *Tracker) RegisterSecured(id int, objectKey, etag string, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.batches[id]
	if !ok || b.Status != StatusUploading {
		return
	}
	b.ObjectKey = objectKey
	b.ETag = etag
	b.UploadDuration = duration
	b.Status = StatusConfirmed
	for _, f := range b.Frames {
		t.secured[f] = struct{}{}
	}
	if duration > 0 && b.CompressedSize > 0 {
		t.uploadSpeedBps = float64(b.CompressedSize) / duration.Seconds()
	}
}

// RegisterBatchFailed marks a batch failed and removes its frames from
// Compressed so they may be re-included in a later batch.
func (t *Tracker) RegisterBatchFailed(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.batches[id]
	if !ok {
		return
	}
	b.Status = StatusFailed
	for _, f := range b.Frames {
		delete(t.compressed, f)
	}
}

// Batch returns a copy of a batch's record, for tests and diagnostics.
func (t *Tracker) Batch(id int) (BatchInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.batches[id]
	if !ok {
		return BatchInfo{}, false
	}
	return *b, true
}

// Secured, Compressed, and Baked return snapshots of the three frame sets.
func (t *Tracker) Secured() []int    { return t.snapshot(t.secured) }
func (t *Tracker) Compressed() []int { return t.snapshot(t.compressed) }
func (t *Tracker) Baked() []int      { return t.snapshot(t.baked) }

func (t *Tracker) snapshot(set map[int]struct{}) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Ints(out)
	return out
}

// BakedPercent, CompressedPercent, and SecuredPercent are |set|/total*100,
// capped at 100.
func (t *Tracker) BakedPercent() float64      { return t.percent(t.baked) }
func (t *Tracker) CompressedPercent() float64 { return t.percent(t.compressed) }
func (t *Tracker) SecuredPercent() float64    { return t.percent(t.secured) }

func (t *Tracker) percent(set map[int]struct{}) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.totalFrames <= 0 {
		return 0
	}
	p := float64(len(set)) / float64(t.totalFrames) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// LastBakedFrame and LastSecuredFrame return the maximum frame in the
// respective set, or 0 if empty.
func (t *Tracker) LastBakedFrame() int   { return t.lastOf(t.baked) }
func (t *Tracker) LastSecuredFrame() int { return t.lastOf(t.secured) }

func (t *Tracker) lastOf(set map[int]struct{}) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	max := 0
	for f := range set {
		if f > max {
			max = f
		}
	}
	return max
}

// EtaBaking is the estimated seconds remaining to finish baking.
func (t *Tracker) EtaBaking() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.totalFrames - len(t.baked)
	if t.bakingSpeedFPS <= 0 || remaining <= 0 {
		return 0
	}
	return float64(remaining) / t.bakingSpeedFPS
}

// EtaSecured is the estimated seconds remaining to secure every frame.
func (t *Tracker) EtaSecured() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.totalFrames - len(t.secured)
	if remaining <= 0 {
		return 0
	}

	var confirmed []*BatchInfo
	for _, b := range t.batches {
		if b.Status == StatusConfirmed {
			confirmed = append(confirmed, b)
		}
	}
	if len(confirmed) == 0 || t.uploadSpeedBps <= 0 {
		return float64(remaining) * 2.0
	}

	var sum float64
	for _, b := range confirmed {
		n := len(b.Frames)
		if n == 0 {
			n = 1
		}
		sum += float64(b.CompressedSize) / float64(n)
	}
	avgCompressedPerFrame := sum / float64(len(confirmed))
	return float64(remaining) * avgCompressedPerFrame / t.uploadSpeedBps
}

// UploadSpeedBps, CompressionRatio, and BakingSpeedFPS expose the current
// scalar metrics.
func (t *Tracker) UploadSpeedBps() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uploadSpeedBps
}

func (t *Tracker) CompressionRatio() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compressionRatio
}

func (t *Tracker) BakingSpeedFPS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bakingSpeedFPS
}

// TotalFrames returns the configured total frame count.
func (t *Tracker) TotalFrames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalFrames
}

// ConfirmedBatchesForSizing returns (avg raw size per frame) across confirmed
// batches with at least one frame, used by the compressor's adaptive sizing
// formula. ok is false when there is no confirmed batch to average over.
func (t *Tracker) ConfirmedBatchesForSizing() (avgRawPerFrame float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var sum float64
	var n int
	for _, b := range t.batches {
		if b.Status != StatusConfirmed || len(b.Frames) == 0 {
			continue
		}
		sum += float64(b.RawSize) / float64(len(b.Frames))
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// RecentBatches returns up to n most recent batches, highest id first, for
// the status snapshot.
func (t *Tracker) RecentBatches(n int) []BatchInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]*BatchInfo, 0, len(t.batches))
	for _, b := range t.batches {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if len(all) > n {
		all = all[:n]
	}
	out := make([]BatchInfo, len(all))
	for i, b := range all {
		out[i] = *b
	}
	return out
}

// Snapshot is the serializable status used for the PROGRESS_UPDATE message.
type Snapshot struct {
	TotalFrames       int         `json:"totalFrames"`
	BakedFrames       int         `json:"bakedFrames"`
	BakedPercent      float64     `json:"bakedPercent"`
	LastBakedFrame    int         `json:"lastBakedFrame"`
	CompressedFrames  int         `json:"compressedFrames"`
	CompressedPercent float64     `json:"compressedPercent"`
	SecuredFrames     int         `json:"securedFrames"`
	SecuredPercent    float64     `json:"securedPercent"`
	LastSecuredFrame  int         `json:"lastSecuredFrame"`
	UploadSpeedBps    float64     `json:"uploadSpeedBps"`
	CompressionRatio  float64     `json:"compressionRatio"`
	BakingSpeedFps    float64     `json:"bakingSpeedFps"`
	EtaBaking         float64     `json:"etaBaking"`
	EtaSecured        float64     `json:"etaSecured"`
	CurrentBatchSize  int         `json:"currentBatchSize"`
	Batches           []BatchView `json:"batches"`
}

// BatchView is one recent batch's entry in the status snapshot.
type BatchView struct {
	ID             int         `json:"id"`
	Frames         []int       `json:"frames"`
	CompressedSize int64       `json:"compressedSize"`
	RawSize        int64       `json:"rawSize"`
	ObjectKey      string      `json:"r2Key"`
	ETag           string      `json:"etag,omitempty"`
	Status         BatchStatus `json:"status"`
}

// StatusSnapshot builds the full status dictionary. currentBatchSize is
// filled in by the caller (the compressor owns that value).
func (t *Tracker) StatusSnapshot(currentBatchSize int) Snapshot {
	t.mu.Lock()
	baked := len(t.baked)
	compressedN := len(t.compressed)
	securedN := len(t.secured)
	t.mu.Unlock()

	recent := t.RecentBatches(10)
	views := make([]BatchView, len(recent))
	for i, b := range recent {
		views[i] = BatchView{
			ID:             b.ID,
			Frames:         b.Frames,
			CompressedSize: b.CompressedSize,
			RawSize:        b.RawSize,
			ObjectKey:      b.ObjectKey,
			ETag:           b.ETag,
			Status:         b.Status,
		}
	}

	return Snapshot{
		TotalFrames:       t.TotalFrames(),
		BakedFrames:       baked,
		BakedPercent:      round1(t.BakedPercent()),
		LastBakedFrame:    t.LastBakedFrame(),
		CompressedFrames:  compressedN,
		CompressedPercent: round1(t.CompressedPercent()),
		SecuredFrames:     securedN,
		SecuredPercent:    round1(t.SecuredPercent()),
		LastSecuredFrame:  t.LastSecuredFrame(),
		UploadSpeedBps:    t.UploadSpeedBps(),
		CompressionRatio:  round1(t.CompressionRatio()),
		BakingSpeedFps:    round2(t.BakingSpeedFPS()),
		EtaBaking:         round1(t.EtaBaking()),
		EtaSecured:        round1(t.EtaSecured()),
		CurrentBatchSize:  currentBatchSize,
		Batches:           views,
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
