package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameNumberPatterns(t *testing.T) {
	cases := []struct {
		name  string
		frame int
		ok    bool
	}{
		{"fluid_sim_001234_00.bphys", 1234, true},
		{"cloth_sim_005678.bphys", 5678, true},
		{"smoke_data_000042.vdb", 42, true},
		{"data_000099.vdb", 99, true},
		{"foo_0007.bphys", 7, true},
		{"render_0123.exr", 123, true},
		{"particle_dict.zstd", 0, false},
		{"manifest.json", 0, false},
	}

	for _, c := range cases {
		frame, ok := FrameNumber(c.name)
		assert.Equal(t, c.ok, ok, c.name)
		if c.ok {
			assert.Equal(t, c.frame, frame, c.name)
		}
	}
}

func TestFrameNumberPrefersMostSpecificPattern(t *testing.T) {
	// _(\d{4,6})_\d+\.bphys$ must win over the generic _(\d+)\.\w+$ fallback.
	frame, ok := FrameNumber("sim_001234_02.bphys")
	assert.True(t, ok)
	assert.Equal(t, 1234, frame)
}

func TestRecognizedExtensions(t *testing.T) {
	assert.True(t, Recognized("/cache/foo_0001.bphys"))
	assert.True(t, Recognized("/cache/FOO_0001.PNG"))
	assert.False(t, Recognized("/cache/manifest.json"))
	assert.False(t, Recognized("/cache/readme.txt"))
}
