// Package control implements the full-duplex JSON control channel over a
// WebSocket connection to the coordinator: authentication, heartbeats,
// progress reporting, and the inbound commands that hand the worker its S3
// destination, resume state, scene file, and shutdown signal.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simcache/vmworker/internal/ledger"
	"github.com/simcache/vmworker/pkg/backoff"
)

var errNotConnected = errors.New("control: not connected")

// Handlers routes inbound commands back to the pipeline. Any nil handler
// silently drops the corresponding message type.
type Handlers struct {
	OnS3Credentials func(S3CredentialsPayload)
	OnResumeInfo    func(ResumeInfoPayload)
	OnBlendFileURL  func(BlendFileURLPayload)
	OnTerminate     func(TerminatePayload)
}

// Client owns one logical connection to the coordinator, including
// reconnects. It is safe to call Submit concurrently with Run.
type Client struct {
	url      string
	password string
	heartbeat time.Duration
	backoff  backoff.Config
	handlers Handlers
	log      *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	serverTimeDeltaMs int64
}

// New builds a Client. heartbeat is the ALIVE send interval.
func New(wsURL, password string, heartbeat time.Duration, bo backoff.Config, handlers Handlers, log *slog.Logger) *Client {
	return &Client{
		url:       wsURL,
		password:  password,
		heartbeat: heartbeat,
		backoff:   bo,
		handlers:  handlers,
		log:       log,
	}
}

// ServerTimeDeltaMillis returns the offset between the coordinator's clock
// and ours, sampled at AUTH_SUCCESS. Supplemented from the original
// ws_client's server-time delta tracking; absent from the distilled
// protocol table.
func (c *Client) ServerTimeDeltaMillis() int64 {
	return c.serverTimeDeltaMs
}

// Run connects and reconnects until ctx is cancelled or the backoff budget
// is exhausted, dispatching inbound messages to Handlers. It blocks.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		if c.backoff.Exhausted(attempt) {
			return err
		}

		delay := c.backoff.Next(attempt)
		c.log.Warn("control channel disconnected, reconnecting", "attempt", attempt, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	if err := c.Submit(TypeAuth, AuthPayload{Password: c.password}); err != nil {
		return err
	}

	authed := make(chan struct{})
	readErrCh := make(chan error, 1)
	go c.readLoop(conn, authed, readErrCh)

	select {
	case <-authed:
	case err := <-readErrCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrCh:
			return err
		case <-ticker.C:
			if err := c.Submit(TypeAlive, nil); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, authed chan struct{}, errCh chan<- error) {
	authSignaled := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("control channel: malformed message", "err", err)
			continue
		}

		switch env.Type {
		case TypeAuthSuccess:
			if env.ServerTimeMs > 0 {
				c.serverTimeDeltaMs = env.ServerTimeMs - time.Now().UnixMilli()
			}
			if !authSignaled {
				authSignaled = true
				close(authed)
			}
		case TypeS3Credentials:
			var p S3CredentialsPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil && c.handlers.OnS3Credentials != nil {
				c.handlers.OnS3Credentials(p)
			}
		case TypeResumeInfo:
			var p ResumeInfoPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil && c.handlers.OnResumeInfo != nil {
				c.handlers.OnResumeInfo(p)
			}
		case TypeBlendFileURL:
			var p BlendFileURLPayload
			if err := json.Unmarshal(env.Payload, &p); err == nil && c.handlers.OnBlendFileURL != nil {
				c.handlers.OnBlendFileURL(p)
			}
		case TypeTerminate:
			var p TerminatePayload
			_ = json.Unmarshal(env.Payload, &p)
			if c.handlers.OnTerminate != nil {
				c.handlers.OnTerminate(p)
			}
		default:
			c.log.Debug("control channel: unhandled message type", "type", env.Type)
		}
	}
}

// Submit writes one message. It is safe for concurrent use: the underlying
// websocket connection requires a single writer at a time, so every call
// serializes on writeMu.
func (c *Client) Submit(msgType string, payload interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return errNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}

	return c.conn.WriteJSON(envelope{Type: msgType, Payload: raw})
}

// SendBaked submits a BAKED event for a single frame observed stable.
func (c *Client) SendBaked(frame, total int) error {
	return c.Submit(TypeProgressBaked, BakedPayload{Frame: frame, Total: total, Timestamp: time.Now().UnixMilli()})
}

// SendCompressed submits a COMPRESSED event once a batch's archive is built,
// before it's handed to the uploader.
func (c *Client) SendCompressed(frames []int, batchID int, compressedSize, rawSize int64) error {
	return c.Submit(TypeProgressCompressed, CompressedPayload{
		Frames: frames, BatchID: batchID, CompressedSize: compressedSize, RawSize: rawSize,
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendSecured submits a SECURED event once a batch's upload is confirmed,
// carrying the object's ETag.
func (c *Client) SendSecured(frames []int, batchID int, r2Key string, uploadSpeedBps float64, size int64, etag string) error {
	return c.Submit(TypeProgressSecured, SecuredPayload{
		Frames: frames, BatchID: batchID, R2Key: r2Key, UploadSpeedBps: uploadSpeedBps,
		Size: size, ETag: etag, Timestamp: time.Now().UnixMilli(),
	})
}

// SendProgressUpdate submits the periodic full status snapshot.
func (c *Client) SendProgressUpdate(snap ledger.Snapshot) error {
	return c.Submit(TypeProgressUpdate, snap)
}

// SendCacheComplete announces every frame secured. Supplemented feature.
func (c *Client) SendCacheComplete(totalFrames int) error {
	return c.Submit(TypeCacheComplete, CacheCompletePayload{TotalFrames: totalFrames})
}

// SendReadyToTerminate acknowledges a TERMINATE request once shutdown
// has flushed and drained every stage.
func (c *Client) SendReadyToTerminate() error {
	return c.Submit(TypeReadyToTerminate, nil)
}
