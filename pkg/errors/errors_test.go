package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsCategory(t *testing.T) {
	err := New(CodeBatchFailed, "uploader", "put failed")
	assert.Equal(t, CategoryStorage, err.Category)
	assert.Contains(t, err.Error(), "uploader")
	assert.Contains(t, err.Error(), "put failed")
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodeConnectionFailed, "control", "dial failed", cause)

	require.ErrorIs(t, err, cause)
	assert.True(t, err.Retryable())
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeBatchFailed, "uploader", "first")
	b := New(CodeBatchFailed, "compressor", "second")
	c := New(CodePathTraversal, "resume", "third")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, New(CodeConnectionTimeout, "control", "").Retryable())
	assert.False(t, New(CodeBatchFailed, "uploader", "").Retryable())
	assert.False(t, New(CodePathTraversal, "resume", "").Retryable())
}
