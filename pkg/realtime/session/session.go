// Package session converts the noisy stream of partial speech and partial
// text events from a remote generative speech model into a clean, ordered,
// de-duplicated conversation log.
//
// One Session owns one connection at a time. All coalescing state (item
// buffers, debounce timers, last-final caches, the response-key set) is
// owned by a single event-loop goroutine; nothing mutates it from outside
// that loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parlo-ai/parlo/pkg/realtime/connector"
	"github.com/parlo-ai/parlo/pkg/realtime/protocol"
	"github.com/parlo-ai/parlo/pkg/realtime/token"
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Activity is the coarse UI-facing state: whether the provider currently
// hears the user and whether assistant audio is playing.
type Activity struct {
	Listening  bool
	Responding bool
}

const (
	defaultCoalesceDelay   = 800 * time.Millisecond
	defaultEmissionDelay   = 150 * time.Millisecond
	defaultMaxAccumulation = 30 * time.Second
)

// Config carries the per-session tunables.
type Config struct {
	Model    string
	Voice    string
	Language string

	// NegotiationURL is the provider's SDP exchange endpoint, passed to
	// the connector.
	NegotiationURL string

	// Capture is the local audio source; nil runs a text-only session.
	Capture connector.CaptureDevice

	// CoalesceDelay is the debounce window after a stop-signal before a
	// user turn finalizes without an explicit final transcript.
	CoalesceDelay time.Duration

	// EmissionDelay biases the log toward showing a user's message before
	// the assistant's reply when both finalize in a tight window.
	EmissionDelay time.Duration

	// MaxAccumulation bounds how long an item buffer may accumulate
	// without a stop-signal or final before it is finalized as abandoned.
	MaxAccumulation time.Duration

	EventBuffer int
}

// Dependencies are the collaborators a Session composes.
type Dependencies struct {
	Connector connector.Connector
	Tokens    token.Source
	Logger    *slog.Logger
	Now       func() time.Time
	Config    Config
}

// Session is the orchestrator for one conversational connection at a time.
type Session struct {
	logger    *slog.Logger
	cfg       Config
	connector connector.Connector
	tokens    token.Source
	now       func() time.Time
	gate      *MicGate
	log       *ConversationLog

	mu        sync.Mutex
	state     State
	conn      connector.Conn
	cancel    context.CancelFunc
	loopDone  chan struct{}
	startedAt time.Time
	onMessage func(Message)
	onState   func(Activity)
}

func New(deps Dependencies) (*Session, error) {
	if deps.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.CoalesceDelay <= 0 {
		deps.Config.CoalesceDelay = defaultCoalesceDelay
	}
	if deps.Config.EmissionDelay <= 0 {
		deps.Config.EmissionDelay = defaultEmissionDelay
	}
	if deps.Config.MaxAccumulation <= 0 {
		deps.Config.MaxAccumulation = defaultMaxAccumulation
	}
	return &Session{
		logger:    deps.Logger,
		cfg:       deps.Config,
		connector: deps.Connector,
		tokens:    deps.Tokens,
		now:       deps.Now,
		gate:      NewMicGate(),
		log:       NewConversationLog(),
	}, nil
}

// OnMessage registers the single downstream consumer of finalized messages.
// It must be set before Start; the callback runs on the session loop.
func (s *Session) OnMessage(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = fn
}

// OnState registers the listening/responding indicator callback. It runs on
// the session loop.
func (s *Session) OnState(fn func(Activity)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a snapshot of the conversation log in finalize order.
func (s *Session) Messages() []Message {
	return s.log.Messages()
}

// Start issues a credential and connects. Idempotent while Connecting or
// Open. On failure the session returns to Idle and the error is a
// *connector.ConnectionError; a Stop that raced the connect is not an error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateOpen:
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.state = StateConnecting
	s.cancel = cancel
	s.mu.Unlock()

	cred, err := s.tokens.Issue(runCtx, token.Request{
		Model:    s.cfg.Model,
		Voice:    s.cfg.Voice,
		Language: s.cfg.Language,
	})
	if err != nil {
		return s.failStart("issue credential", err)
	}

	conn, err := s.connector.Connect(runCtx, cred, connector.Options{
		Voice:       s.cfg.Voice,
		Language:    s.cfg.Language,
		Gate:        s.gate,
		Capture:     s.cfg.Capture,
		BaseURL:     s.cfg.NegotiationURL,
		Logger:      s.logger,
		EventBuffer: s.cfg.EventBuffer,
	})
	if err != nil {
		return s.failStart("connect", err)
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Stop raced the connect; release what it could not see.
		s.mu.Unlock()
		_ = conn.Stop()
		s.gate.Enable()
		return nil
	}
	s.conn = conn
	s.state = StateOpen
	s.startedAt = s.now()
	done := make(chan struct{})
	s.loopDone = done
	s.mu.Unlock()

	s.logger.Info("session open", "model", cred.Model)
	go s.run(runCtx, conn, done)
	return nil
}

func (s *Session) failStart(op string, err error) error {
	s.mu.Lock()
	stopped := s.state == StateClosed
	if s.state == StateConnecting {
		s.state = StateIdle
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.gate.Enable()
	if stopped {
		return nil
	}
	var connErr *connector.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	return &connector.ConnectionError{Op: op, Err: err}
}

// SendText injects a typed or scripted user turn over the control channel
// and requests a response. Fire-and-forget; fails with *NotConnectedError
// unless the session is open.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	state, conn := s.state, s.conn
	s.mu.Unlock()
	if state != StateOpen || conn == nil {
		return &NotConnectedError{State: state}
	}
	if err := conn.SendControl(protocol.NewUserItem(text)); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if err := conn.SendControl(protocol.NewResponse(s.cfg.Voice)); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	return nil
}

// Stop tears the session down from any state: the connection closes, every
// pending debounce, abandon, and emission timer is cancelled, coalescing
// state is discarded, and the mic gate ends enabled. Safe to call more than
// once and while Start is still connecting. Must not be called from an
// OnMessage or OnState callback.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	done := s.loopDone
	s.state = StateClosed
	s.cancel, s.conn, s.loopDone = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Stop()
	}
	if done != nil {
		// The loop cancels every pending timer on the way out.
		<-done
	}
	s.gate.Enable()
}

// run is the session event loop. It is the sole owner of all coalescing
// state; handlers never block or hand control away mid-mutation.
func (s *Session) run(ctx context.Context, conn connector.Conn, done chan struct{}) {
	st := newLoopState(s, ctx)
	defer close(done)
	defer st.shutdown()
	defer s.gate.Enable()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			if err := conn.Err(); err != nil {
				s.logger.Warn("connection ended", "err", err)
			}
			s.closeFromLoop()
			return
		case ev := <-conn.Events():
			st.handle(ev)
		case te := <-st.timerCh:
			st.handleTimer(te)
		}
	}
}

// closeFromLoop handles a remote-initiated teardown observed by the loop.
func (s *Session) closeFromLoop() {
	s.mu.Lock()
	if s.state == StateOpen {
		s.state = StateClosed
	}
	conn := s.conn
	cancel := s.cancel
	s.conn, s.cancel, s.loopDone = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Stop()
	}
}

func (s *Session) notifyMessage(msg Message) {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *Session) notifyState(a Activity) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(a)
	}
}
