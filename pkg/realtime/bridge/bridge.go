// Package bridge serves finalized conversation messages to a browser UI
// over a websocket and feeds typed text back into the session.
//
// The bridge is the session's single downstream consumer: it replays the
// log to a newly connected client and then streams every finalize as it
// happens, plus coarse listening/responding state for the UI chrome.
package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlo-ai/parlo/pkg/realtime/session"
)

const (
	defaultQueueSize    = 64
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Conversation is the narrow session surface the bridge needs.
// *session.Session satisfies it.
type Conversation interface {
	SendText(text string) error
	OnMessage(fn func(session.Message))
	OnState(fn func(session.Activity))
	Messages() []session.Message
	Stop()
}

type Options struct {
	Logger       *slog.Logger
	PingInterval time.Duration
	WriteTimeout time.Duration
	QueueSize    int

	// CheckOrigin overrides the upgrader's origin policy; nil accepts
	// same-origin only (the upgrader default).
	CheckOrigin func(r *http.Request) bool
}

type Bridge struct {
	logger       *slog.Logger
	conv         Conversation
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	writeTimeout time.Duration
	queueSize    int

	mu      sync.Mutex
	current *uiClient
}

func New(conv Conversation, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Bridge{
		logger:       opts.Logger,
		conv:         conv,
		upgrader:     websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		pingInterval: opts.PingInterval,
		writeTimeout: opts.WriteTimeout,
		queueSize:    opts.QueueSize,
	}
}

type messageFrame struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"ts_ms"`
}

type stateFrame struct {
	Type       string `json:"type"`
	Listening  bool   `json:"listening"`
	Responding bool   `json:"responding"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func encodeMessage(m session.Message) []byte {
	data, _ := json.Marshal(messageFrame{
		Type:        "message",
		ID:          m.ID,
		Sender:      string(m.Sender),
		Text:        m.Text,
		TimestampMS: m.Timestamp.UnixMilli(),
	})
	return data
}

func encodeState(a session.Activity) []byte {
	data, _ := json.Marshal(stateFrame{Type: "state", Listening: a.Listening, Responding: a.Responding})
	return data
}

func encodeError(code, message string) []byte {
	data, _ := json.Marshal(errorFrame{Type: "error", Code: code, Message: message})
	return data
}

// ServeHTTP upgrades the request and serves one UI client until it
// disconnects or ends the session. A later client replaces the earlier one
// as the session's consumer.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &uiClient{
		logger:   b.logger,
		ws:       ws,
		outbound: make(chan []byte, b.queueSize),
		done:     make(chan struct{}),
	}

	// Replay before registering so the client never misses a message; a
	// finalize between the snapshot and registration is delivered by the
	// callback and de-duplicated client-side by message id.
	for _, m := range b.conv.Messages() {
		client.enqueue(encodeMessage(m))
	}
	b.mu.Lock()
	b.current = client
	b.mu.Unlock()
	b.conv.OnMessage(func(m session.Message) { client.enqueue(encodeMessage(m)) })
	b.conv.OnState(func(a session.Activity) { client.enqueue(encodeState(a)) })
	// Only the current registration owner may deregister. A stale client's
	// handler can outlive its replacement (the old socket lingers until a
	// read fails), and must not tear down the newer client's callbacks.
	defer func() {
		b.mu.Lock()
		owner := b.current == client
		if owner {
			b.current = nil
		}
		b.mu.Unlock()
		if owner {
			b.conv.OnMessage(nil)
			b.conv.OnState(nil)
		}
	}()

	go client.writeLoop(b.pingInterval, b.writeTimeout)
	defer client.close()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			client.enqueue(encodeError("bad_request", "invalid json frame"))
			continue
		}
		switch strings.TrimSpace(frame.Type) {
		case "send_text":
			if strings.TrimSpace(frame.Text) == "" {
				client.enqueue(encodeError("bad_request", "send_text.text is required"))
				continue
			}
			if err := b.conv.SendText(frame.Text); err != nil {
				var notConnected *session.NotConnectedError
				if errors.As(err, &notConnected) {
					client.enqueue(encodeError("not_connected", err.Error()))
					continue
				}
				b.logger.Warn("send text failed", "err", err)
				client.enqueue(encodeError("send_failed", "could not deliver text"))
			}
		case "end_session":
			b.conv.Stop()
			return
		default:
			client.enqueue(encodeError("bad_request", "unsupported frame type"))
		}
	}
}

type uiClient struct {
	logger   *slog.Logger
	ws       *websocket.Conn
	outbound chan []byte
	done     chan struct{}
}

// enqueue never blocks the session loop: a client that cannot keep up has
// frames dropped, and the UI resyncs from the log on reconnect.
func (c *uiClient) enqueue(frame []byte) {
	select {
	case c.outbound <- frame:
	case <-c.done:
	default:
		c.logger.Warn("dropping ui frame, client is behind")
	}
}

func (c *uiClient) writeLoop(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case frame := <-c.outbound:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *uiClient) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.ws.Close()
}
