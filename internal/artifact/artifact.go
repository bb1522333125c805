// Package artifact describes the per-frame files a simulation engine writes
// into the cache directory, and extracts frame numbers from their names.
package artifact

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Extensions is the set of file extensions the watcher recognizes as cache
// content. Anything else is ignored.
var Extensions = map[string]bool{
	".bphys": true,
	".vdb":   true,
	".uni":   true,
	".gz":    true,
	".png":   true,
	".exr":   true,
	".abc":   true,
	".obj":   true,
	".ply":   true,
}

// Recognized reports whether path has a cache-content extension.
func Recognized(path string) bool {
	return Extensions[strings.ToLower(filepath.Ext(path))]
}

// framePatterns is tried in order; the first match wins. Patterns are
// anchored to the end of the filename so they tolerate arbitrary prefixes.
var framePatterns = []*regexp.Regexp{
	regexp.MustCompile(`_(\d{4,6})_\d+\.bphys$`),
	regexp.MustCompile(`_(\d{4,6})\.bphys$`),
	regexp.MustCompile(`_(\d{4,6})\.vdb$`),
	regexp.MustCompile(`data_(\d{4,6})\.vdb$`),
	regexp.MustCompile(`_(\d+)\.\w+$`),
}

// FrameNumber extracts the frame number from a filename, or returns
// (0, false) if no pattern matches.
func FrameNumber(name string) (int, bool) {
	base := filepath.Base(name)
	for _, p := range framePatterns {
		m := p.FindStringSubmatch(base)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

// Artifact is a single file observed in the cache directory.
type Artifact struct {
	Path         string
	Size         int64
	ModTime      time.Time
	Ext          string
	FrameNumber  int
	HasFrameNum  bool
}

// New builds an Artifact from a path and the os.FileInfo-derived fields.
func New(path string, size int64, modTime time.Time) Artifact {
	frame, ok := FrameNumber(path)
	return Artifact{
		Path:        path,
		Size:        size,
		ModTime:     modTime,
		Ext:         strings.ToLower(filepath.Ext(path)),
		FrameNumber: frame,
		HasFrameNum: ok,
	}
}
