// Package ari implements the PBX control-plane client: an
// HTTP+WebSocket client for the Asterisk REST Interface, with typed
// operations and typed event dispatch.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// Config holds the PBX control-plane endpoint and credentials.
type Config struct {
	BaseURL     string // e.g. http://127.0.0.1:8088/ari
	Username    string
	Password    string
	AppName     string
	HTTPTimeout time.Duration
}

// Client is the process-wide singleton PBX control-plane connection.
type Client struct {
	cfg Config
	log *slog.Logger
	hc  *http.Client

	dialer *websocket.Dialer

	mu       sync.Mutex
	handlers map[string]EventHandler
}

// EventHandler is invoked for every typed event dispatched off the WebSocket.
type EventHandler func(Event)

// Event is the minimally-typed envelope for ARI events; Raw carries the full
// decoded JSON body for handlers that need fields beyond Type.
type Event struct {
	Type string
	Raw  map[string]any
}

func New(cfg Config, log *slog.Logger) *Client {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		log:      log.With("component", "ari"),
		hc:       &http.Client{Timeout: cfg.HTTPTimeout},
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string]EventHandler),
	}
}

// OnEvent registers a handler for a named event type (e.g. "StasisStart").
// Registering the same type twice replaces the previous handler.
func (c *Client) OnEvent(eventType string, h EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = h
}

// Run dials the event WebSocket and dispatches events until ctx is
// cancelled, reconnecting with exponential backoff capped at 30s plus
// jitter. On reconnect, no attempt is made to replay missed events
// — callers rely on deadCallTimeoutMs to detect orphaned
// sessions.
func (c *Client) Run(ctx context.Context) error {
	backoffDelay := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := c.dialEvents(ctx)
		if err != nil {
			c.log.Error("ARI websocket dial failed, retrying", "error", err, "backoff", backoffDelay)
			if !sleepCtx(ctx, jitter(backoffDelay)) {
				return ctx.Err()
			}
			backoffDelay = minDuration(backoffDelay*2, maxBackoff)
			continue
		}
		backoffDelay = 500 * time.Millisecond
		c.log.Info("ARI websocket connected")

		err = c.readEvents(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("ARI websocket disconnected, reconnecting", "error", err)
		if !sleepCtx(ctx, jitter(backoffDelay)) {
			return ctx.Err()
		}
		backoffDelay = minDuration(backoffDelay*2, maxBackoff)
	}
}

func (c *Client) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	wsScheme := "ws"
	if u.Scheme == "https" {
		wsScheme = "wss"
	}
	eventsURL := url.URL{
		Scheme: wsScheme,
		Host:   u.Host,
		Path:   u.Path + "/events",
	}
	q := eventsURL.Query()
	q.Set("app", c.cfg.AppName)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	q.Set("subscribeAll", "true")
	eventsURL.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, eventsURL.String(), nil)
	return conn, err
}

// Dispatch invokes the registered handler for ev.Type, if any. readEvents
// uses the same lookup for events arriving over the websocket; exported so
// callers (tests, event replay tooling) can drive the same dispatch path
// without a live PBX connection.
func (c *Client) Dispatch(ev Event) {
	c.mu.Lock()
	h, ok := c.handlers[ev.Type]
	c.mu.Unlock()
	if ok {
		h(ev)
	}
}

func (c *Client) readEvents(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			c.log.Warn("dropping malformed ARI event", "error", err)
			continue
		}
		eventType, _ := raw["type"].(string)
		c.Dispatch(Event{Type: eventType, Raw: raw})
	}
}

// do issues an HTTP command against the ARI REST surface with a retry
// policy of up to 3 attempts on transient (5xx, network) errors, waiting
// 100ms before the second attempt and 300ms before the third; 4xx is
// terminal.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	delays := []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 900 * time.Millisecond}
	var lastErr error

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, delays[attempt-1]) {
				return ctx.Err()
			}
		}
		err := c.doOnce(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if terminalErr, ok := err.(*StatusError); ok && terminalErr.StatusCode < 500 {
			return err
		}
	}
	return lastErr
}

// StatusError wraps a non-2xx HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ari: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return err
		}
	}
	return nil
}

// AnswerChannel answers an inbound caller channel.
func (c *Client) AnswerChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil, nil)
}

// Bridge describes a PBX mixing bridge.
type Bridge struct {
	ID string `json:"id"`
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	var b Bridge
	if err := c.do(ctx, http.MethodPost, "/bridges?type=mixing", nil, &b); err != nil {
		return "", err
	}
	return b.ID, nil
}

// AddChannelToBridge joins a channel to an existing bridge.
func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	path := fmt.Sprintf("/bridges/%s/addChannel?channel=%s", bridgeID, url.QueryEscape(channelID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Channel describes a PBX channel.
type Channel struct {
	ID string `json:"id"`
}

// OriginateExternalMedia creates an external media channel directed at dest
// (host:port) encoded in format (e.g. "ulaw" or "slin16"), and returns the
// new channel's id.
func (c *Client) OriginateExternalMedia(ctx context.Context, dest, format string) (string, error) {
	body := map[string]any{
		"app":             c.cfg.AppName,
		"external_host":   dest,
		"format":          format,
		"transport":       "udp",
		"connection_type": "client",
		"direction":       "both",
	}
	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/channels/externalMedia", body, &ch); err != nil {
		return "", err
	}
	return ch.ID, nil
}

// Playback describes an in-flight PBX media playback.
type Playback struct {
	ID string `json:"id"`
}

// PlayOnChannelOrBridge issues a play command against a channel or bridge
// (targetURI is e.g. "channel:C1" or "bridge:B1") and returns the
// playbackId. The caller must register the id in the SessionStore's
// playback index before this call returns to the Engine, to avoid the race
// with an early PlaybackFinished — that registration happens
// one layer up, in PlaybackManager, which calls this synchronously.
func (c *Client) PlayOnChannelOrBridge(ctx context.Context, targetURI, media string) (string, error) {
	path := fmt.Sprintf("/%s/play?media=%s", targetPath(targetURI), url.QueryEscape(media))
	var pb Playback
	if err := c.do(ctx, http.MethodPost, path, nil, &pb); err != nil {
		return "", err
	}
	return pb.ID, nil
}

// StopPlayback cancels an in-flight playback.
func (c *Client) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+playbackID, nil, nil)
}

// HangupChannel terminates a channel.
func (c *Client) HangupChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
}

// DeleteBridge destroys a bridge.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	return c.do(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
}

// targetPath turns "channel:C1" into "channels/C1" and "bridge:B1" into
// "bridges/B1".
func targetPath(targetURI string) string {
	for i := 0; i < len(targetURI); i++ {
		if targetURI[i] == ':' {
			kind, id := targetURI[:i], targetURI[i+1:]
			return kind + "s/" + id
		}
	}
	return targetURI
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// RetryableHTTPCall is a thin adapter letting call-setup code (which already
// has its own context deadline) retry a one-off operation that isn't one of
// the typed methods above: up to 3 retries after the first try, with a
// constant 300ms wait between them.
func RetryableHTTPCall(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(300*time.Millisecond), 3), ctx)
	return backoff.Retry(op, b)
}
