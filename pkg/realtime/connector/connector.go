// Package connector negotiates the peer connection and control channel with
// the remote speech model.
//
// One Conn owns the local capture device for its whole lifetime. Inbound
// control frames are decoded into typed protocol events and delivered over a
// single channel; the consumer (the session loop) is the only reader.
package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/parlo-ai/parlo/pkg/realtime/token"
)

// ConnectionError is fatal to the connect attempt that produced it. No
// partial Conn is ever returned alongside one.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("connect: %v", e.Err)
	}
	return fmt.Sprintf("connect: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CaptureGate reports whether captured audio may currently be forwarded to
// the model. The session's mic gate implements it.
type CaptureGate interface {
	Enabled() bool
}

// CaptureDevice is a local audio source producing encoded frames. ReadFrame
// blocks until a frame is available and returns io.EOF when the device is
// closed. Close must be safe to call concurrently with ReadFrame.
type CaptureDevice interface {
	ReadFrame() (data []byte, duration time.Duration, err error)
	Close() error
}

// Conn is one negotiated session with the remote model.
//
// SendControl is fire-and-forget over the control channel. Events delivers
// decoded protocol events until the connection dies; Done is closed on any
// teardown, local or remote, with Err reporting the cause (nil for a clean
// Stop). Stop is idempotent and releases the capture device and the peer
// connection.
type Conn interface {
	SendControl(v any) error
	Events() <-chan any
	Done() <-chan struct{}
	Err() error
	Stop() error
}

// Options carries the per-session connect parameters. Voice and language are
// opaque pass-through to the provider.
type Options struct {
	Voice    string
	Language string

	// Gate is consulted per captured frame; nil means always forwarded.
	Gate CaptureGate

	// Capture is the local audio source. Nil negotiates a text-only
	// session with no media track.
	Capture CaptureDevice

	// BaseURL is the provider's SDP negotiation endpoint.
	BaseURL string

	HTTPClient *http.Client
	Logger     *slog.Logger

	// EventBuffer bounds the inbound event channel. Zero uses a default.
	EventBuffer int
}

func (o *Options) normalize() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// Connector dials one Conn per session start.
type Connector interface {
	Connect(ctx context.Context, cred token.Credential, opts Options) (Conn, error)
}

// negotiate posts the local SDP offer to the provider's endpoint and returns
// the answer SDP. The credential token authorizes exactly one session.
func negotiate(ctx context.Context, hc *http.Client, cred token.Credential, opts Options, offerSDP string) (string, error) {
	url := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if url == "" {
		return "", fmt.Errorf("negotiation endpoint is required")
	}
	if model := strings.TrimSpace(cred.Model); model != "" {
		url += "?model=" + model
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("build negotiation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/sdp")
	if lang := strings.TrimSpace(opts.Language); lang != "" {
		req.Header.Set("Accept-Language", lang)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("negotiation endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	answer := strings.TrimSpace(string(body))
	if answer == "" {
		return "", fmt.Errorf("negotiation endpoint returned an empty answer")
	}
	return answer, nil
}
