package healthcheck

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func httpRecorder(t *testing.T, handler http.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestReadyzReflectsSetReady(t *testing.T) {
	s := New("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rrHealthz := httpRecorder(t, s.handleHealthz)
	assert.Equal(t, http.StatusOK, rrHealthz.Code)

	rrNotReady := httpRecorder(t, s.handleReadyz)
	assert.Equal(t, http.StatusServiceUnavailable, rrNotReady.Code)

	s.SetReady(true)
	rrReady := httpRecorder(t, s.handleReadyz)
	assert.Equal(t, http.StatusOK, rrReady.Code)

	_ = ctx
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	s := New("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not shut down")
	}
}
