package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simcache/vmworker/pkg/backoff"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newFakeCoordinator(t *testing.T, onMessage func(env envelope, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env envelope
			require.NoError(t, json.Unmarshal(data, &env))
			onMessage(env, conn)
		}
	}))
}

func TestAuthHandshakeUnblocksRun(t *testing.T) {
	srv := newFakeCoordinator(t, func(env envelope, conn *websocket.Conn) {
		if env.Type == TypeAuth {
			payload, _ := json.Marshal(map[string]any{})
			_ = conn.WriteJSON(envelope{Type: TypeAuthSuccess, Payload: payload, ServerTimeMs: time.Now().UnixMilli() + 500})
		}
	})
	defer srv.Close()

	c := New(wsURL(srv.URL), "secret", 20*time.Millisecond, backoff.Config{Delay: time.Second, Max: time.Second, MaxAttempts: 1}, Handlers{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	assert.InDelta(t, 500, c.ServerTimeDeltaMillis(), 200)

	<-done
}

func TestS3CredentialsHandlerInvoked(t *testing.T) {
	received := make(chan S3CredentialsPayload, 1)

	srv := newFakeCoordinator(t, func(env envelope, conn *websocket.Conn) {
		if env.Type == TypeAuth {
			payload, _ := json.Marshal(map[string]any{})
			_ = conn.WriteJSON(envelope{Type: TypeAuthSuccess, Payload: payload})

			credPayload, _ := json.Marshal(S3CredentialsPayload{Bucket: "sim-cache", Region: "us-east-1"})
			_ = conn.WriteJSON(envelope{Type: TypeS3Credentials, Payload: credPayload})
		}
	})
	defer srv.Close()

	handlers := Handlers{OnS3Credentials: func(p S3CredentialsPayload) { received <- p }}
	c := New(wsURL(srv.URL), "secret", time.Second, backoff.Config{Delay: time.Second, Max: time.Second, MaxAttempts: 1}, handlers, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go c.Run(ctx)

	select {
	case p := <-received:
		assert.Equal(t, "sim-cache", p.Bucket)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for S3 credentials handler")
	}
}

func TestTerminateHandlerInvoked(t *testing.T) {
	terminated := make(chan TerminatePayload, 1)

	srv := newFakeCoordinator(t, func(env envelope, conn *websocket.Conn) {
		if env.Type == TypeAuth {
			payload, _ := json.Marshal(map[string]any{})
			_ = conn.WriteJSON(envelope{Type: TypeAuthSuccess, Payload: payload})
			termPayload, _ := json.Marshal(TerminatePayload{Reason: "job complete"})
			_ = conn.WriteJSON(envelope{Type: TypeTerminate, Payload: termPayload})
		}
	})
	defer srv.Close()

	handlers := Handlers{OnTerminate: func(p TerminatePayload) { terminated <- p }}
	c := New(wsURL(srv.URL), "secret", time.Second, backoff.Config{Delay: time.Second, Max: time.Second, MaxAttempts: 1}, handlers, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go c.Run(ctx)

	select {
	case p := <-terminated:
		assert.Equal(t, "job complete", p.Reason)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for terminate handler")
	}
}

func TestSubmitBeforeConnectFails(t *testing.T) {
	c := New("ws://unused", "secret", time.Second, backoff.DefaultConfig(), Handlers{}, testLogger())
	err := c.Submit(TypeAlive, nil)
	assert.ErrorIs(t, err, errNotConnected)
}
