package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/parlo-ai/parlo/pkg/realtime/protocol"
	"github.com/parlo-ai/parlo/pkg/realtime/token"
)

const (
	controlChannelLabel = "control"
	channelOpenTimeout  = 15 * time.Second
)

// WebRTC negotiates Conns over a peer connection with an SDP offer/answer
// exchange against the provider's HTTPS endpoint.
type WebRTC struct {
	// API overrides the pion API, e.g. to register a custom media engine.
	API *webrtc.API
}

func (w *WebRTC) api() *webrtc.API {
	if w != nil && w.API != nil {
		return w.API
	}
	return webrtc.NewAPI()
}

// Connect performs the full negotiation: local media track, data channel,
// offer, token-authorized answer exchange, and channel open. Cancelling ctx
// aborts the attempt and releases everything acquired so far.
func (w *WebRTC) Connect(ctx context.Context, cred token.Credential, opts Options) (Conn, error) {
	opts.normalize()

	pc, err := w.api().NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, &ConnectionError{Op: "create peer connection", Err: err}
	}

	conn := &webrtcConn{
		logger:  opts.Logger,
		pc:      pc,
		capture: opts.Capture,
		gate:    opts.Gate,
		events:  make(chan any, opts.EventBuffer),
		done:    make(chan struct{}),
	}

	fail := func(op string, err error) (Conn, error) {
		conn.teardown(err)
		return nil, &ConnectionError{Op: op, Err: err}
	}

	if opts.Capture != nil {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", "parlo-mic",
		)
		if err != nil {
			return fail("create mic track", err)
		}
		if _, err := pc.AddTrack(track); err != nil {
			return fail("add mic track", err)
		}
		conn.track = track
	}

	dc, err := pc.CreateDataChannel(controlChannelLabel, nil)
	if err != nil {
		return fail("create control channel", err)
	}
	conn.dc = dc

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		conn.handleFrame(msg.Data)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			conn.teardown(fmt.Errorf("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			conn.teardown(nil)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail("create offer", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail("set local description", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fail("gather candidates", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return fail("gather candidates", fmt.Errorf("no local description after gathering"))
	}
	answerSDP, err := negotiate(ctx, opts.HTTPClient, cred, opts, local.SDP)
	if err != nil {
		return fail("negotiate", err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fail("set remote description", err)
	}

	openTimer := time.NewTimer(channelOpenTimeout)
	defer openTimer.Stop()
	select {
	case <-opened:
	case <-conn.done:
		return nil, &ConnectionError{Op: "open control channel", Err: conn.Err()}
	case <-openTimer.C:
		return fail("open control channel", fmt.Errorf("timed out after %s", channelOpenTimeout))
	case <-ctx.Done():
		return fail("open control channel", ctx.Err())
	}

	if conn.capture != nil {
		conn.wg.Add(1)
		go conn.pumpCapture()
	}
	return conn, nil
}

type webrtcConn struct {
	logger  *slog.Logger
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	track   *webrtc.TrackLocalStaticSample
	capture CaptureDevice
	gate    CaptureGate

	events chan any
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (c *webrtcConn) SendControl(v any) error {
	select {
	case <-c.done:
		return fmt.Errorf("send control: connection is closed")
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	if err := c.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("send control: %w", err)
	}
	return nil
}

func (c *webrtcConn) Events() <-chan any { return c.events }

func (c *webrtcConn) Done() <-chan struct{} { return c.done }

func (c *webrtcConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *webrtcConn) Stop() error {
	c.teardown(nil)
	c.wg.Wait()
	return nil
}

// handleFrame decodes one inbound control frame and queues the typed event.
// Malformed frames are logged and dropped; the provider stream is not
// contractually well-formed under reconnect or packet loss. A full event
// buffer also drops, the coalescers tolerate gaps.
func (c *webrtcConn) handleFrame(data []byte) {
	ev, err := protocol.DecodeServerEvent(data)
	if err != nil {
		var malformed *protocol.MalformedEventError
		if errors.As(err, &malformed) && malformed.Code == "unsupported" {
			c.logger.Debug("ignoring control event", "reason", malformed.Message)
		} else {
			c.logger.Warn("dropping malformed control event", "err", err)
		}
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		c.logger.Warn("dropping control event, consumer is behind")
	}
}

// pumpCapture forwards captured audio to the mic track. Frames read while
// the gate is disabled are discarded so the device keeps draining and the
// model never hears its own playback.
func (c *webrtcConn) pumpCapture() {
	defer c.wg.Done()
	for {
		data, dur, err := c.capture.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("capture device failed", "err", err)
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		if c.gate != nil && !c.gate.Enabled() {
			continue
		}
		if err := c.track.WriteSample(media.Sample{Data: data, Duration: dur}); err != nil {
			c.logger.Warn("write mic sample failed", "err", err)
			return
		}
	}
}

func (c *webrtcConn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		if c.capture != nil {
			_ = c.capture.Close()
		}
		if c.dc != nil {
			_ = c.dc.Close()
		}
		_ = c.pc.Close()
	})
}
