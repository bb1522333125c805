package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextCapsAtMax(t *testing.T) {
	c := DefaultConfig()

	assert.Equal(t, 5*time.Second, c.Next(1))
	assert.Equal(t, 10*time.Second, c.Next(2))
	assert.Equal(t, 30*time.Second, c.Next(6))
	assert.Equal(t, 30*time.Second, c.Next(20))
}

func TestExhausted(t *testing.T) {
	c := DefaultConfig()

	assert.False(t, c.Exhausted(9))
	assert.True(t, c.Exhausted(10))
	assert.True(t, c.Exhausted(11))
}
