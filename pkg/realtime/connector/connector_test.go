package connector

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/parlo-ai/parlo/pkg/realtime/protocol"
	"github.com/parlo-ai/parlo/pkg/realtime/token"
)

func newTestConn(t *testing.T) *webrtcConn {
	t.Helper()
	pc, err := webrtc.NewAPI().NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new peer connection: %v", err)
	}
	c := &webrtcConn{
		logger: slog.Default(),
		pc:     pc,
		events: make(chan any, 8),
		done:   make(chan struct{}),
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestHandleFrame_QueuesDecodedEvent(t *testing.T) {
	c := newTestConn(t)
	c.handleFrame([]byte(`{"type":"speech.partial_transcript","item_id":"itm_1","text":"hey"}`))

	select {
	case ev := <-c.events:
		msg, ok := ev.(protocol.PartialTranscript)
		if !ok {
			t.Fatalf("ev=%T, want PartialTranscript", ev)
		}
		if msg.Text != "hey" {
			t.Fatalf("text=%q", msg.Text)
		}
	default:
		t.Fatalf("no event queued")
	}
}

func TestHandleFrame_DropsMalformedAndUnknown(t *testing.T) {
	c := newTestConn(t)
	c.handleFrame([]byte(`{{not json`))
	c.handleFrame([]byte(`{"type":"speech.partial_transcript"}`))
	c.handleFrame([]byte(`{"type":"some.future_event"}`))

	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}

func TestHandleFrame_FullBufferDrops(t *testing.T) {
	c := newTestConn(t)
	c.events = make(chan any, 1)
	c.handleFrame([]byte(`{"type":"speech.started"}`))
	// Must not block with the buffer full.
	c.handleFrame([]byte(`{"type":"speech.stopped"}`))
	if got := len(c.events); got != 1 {
		t.Fatalf("queued=%d, want 1", got)
	}
}

func TestStop_Idempotent(t *testing.T) {
	c := newTestConn(t)
	if err := c.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("done channel not closed after stop")
	}
	if err := c.Err(); err != nil {
		t.Fatalf("clean stop should leave nil err, got %v", err)
	}
}

func TestSendControl_AfterStop(t *testing.T) {
	c := newTestConn(t)
	_ = c.Stop()
	if err := c.SendControl(protocol.NewUserItem("hi")); err == nil {
		t.Fatalf("expected error sending on closed connection")
	}
}

func TestNegotiate(t *testing.T) {
	var gotAuth, gotContentType, gotModel, gotOffer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotModel = r.URL.Query().Get("model")
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotOffer = string(buf[:n])
		_, _ = w.Write([]byte("v=0\r\nanswer"))
	}))
	defer srv.Close()

	answer, err := negotiate(context.Background(), srv.Client(),
		token.Credential{Token: "tok_1", Model: "sonic-2"},
		Options{BaseURL: srv.URL}, "v=0\r\noffer")
	if err != nil {
		t.Fatalf("negotiate failed: %v", err)
	}
	if !strings.HasPrefix(answer, "v=0") {
		t.Fatalf("answer=%q", answer)
	}
	if gotAuth != "Bearer tok_1" || gotContentType != "application/sdp" {
		t.Fatalf("auth=%q content-type=%q", gotAuth, gotContentType)
	}
	if gotModel != "sonic-2" {
		t.Fatalf("model=%q", gotModel)
	}
	if !strings.Contains(gotOffer, "offer") {
		t.Fatalf("offer=%q", gotOffer)
	}
}

func TestNegotiate_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := negotiate(context.Background(), srv.Client(), token.Credential{Token: "x"}, Options{BaseURL: srv.URL}, "v=0"); err == nil {
		t.Fatalf("expected error for 401 answer")
	}
	if _, err := negotiate(context.Background(), srv.Client(), token.Credential{}, Options{}, "v=0"); err == nil {
		t.Fatalf("expected error for missing endpoint")
	}
}
