package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parlo-ai/parlo/pkg/realtime/protocol"
)

// itemRecord accumulates one user speech turn, keyed by the provider's item
// id. At most one pending debounce timer exists per record; arming a new one
// always cancels the previous.
type itemRecord struct {
	buf       strings.Builder
	completed bool

	debounce    *time.Timer
	debounceGen uint64
	abandon     *time.Timer
	abandonGen  uint64
}

// responseKey is the finalize-once guard for assistant turns.
type responseKey struct {
	responseID  string
	outputIndex int
}

type timerKind int

const (
	timerDebounce timerKind = iota
	timerAbandon
	timerEmit
)

type timerEvent struct {
	kind   timerKind
	itemID string
	key    responseKey
	gen    uint64
}

type pendingEmit struct {
	text  string
	gen   uint64
	timer *time.Timer
}

// loopState is the coalescing state owned exclusively by the session's run
// goroutine. Timer callbacks never touch it directly: they post timerEvents
// back into the loop, and a generation counter drops fires that lost a race
// with cancellation.
type loopState struct {
	s   *Session
	ctx context.Context

	timerCh   chan timerEvent
	items     map[string]*itemRecord
	lastFinal map[Sender]string
	finalized map[responseKey]struct{}
	acc       strings.Builder
	emits     map[responseKey]*pendingEmit
	gen       uint64

	listening  bool
	responding bool
}

func newLoopState(s *Session, ctx context.Context) *loopState {
	return &loopState{
		s:         s,
		ctx:       ctx,
		timerCh:   make(chan timerEvent, 16),
		items:     make(map[string]*itemRecord),
		lastFinal: make(map[Sender]string, 2),
		finalized: make(map[responseKey]struct{}),
		emits:     make(map[responseKey]*pendingEmit),
	}
}

func (st *loopState) nextGen() uint64 {
	st.gen++
	return st.gen
}

func (st *loopState) afterFunc(d time.Duration, ev timerEvent) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case st.timerCh <- ev:
		case <-st.ctx.Done():
		}
	})
}

// handle routes one decoded control event to its coalescer. Each event
// family has exactly one handler.
func (st *loopState) handle(ev any) {
	switch e := ev.(type) {
	case protocol.SpeechStarted:
		st.setActivity(true, st.responding)
	case protocol.SpeechStopped:
		st.setActivity(false, st.responding)
	case protocol.PartialTranscript:
		st.userPartial(e.ItemID, e.Text)
	case protocol.FinalTranscript:
		st.userFinal(e.ItemID, e.Text)
	case protocol.SegmentStopped:
		st.userSegmentStopped(e.ItemID)
	case protocol.PartialText:
		st.assistantPartial(e)
	case protocol.FinalText:
		st.assistantFinal(e)
	case protocol.PlaybackStarted:
		st.s.gate.Disable()
		st.setActivity(st.listening, true)
	case protocol.PlaybackStopped:
		st.s.gate.Enable()
		st.setActivity(st.listening, false)
	default:
		st.s.logger.Debug("dropping unrouted event", "type", fmt.Sprintf("%T", ev))
	}
}

func (st *loopState) handleTimer(te timerEvent) {
	switch te.kind {
	case timerDebounce:
		st.debounceFired(te.itemID, te.gen)
	case timerAbandon:
		st.abandonFired(te.itemID, te.gen)
	case timerEmit:
		st.emitFired(te.key, te.gen)
	}
}

func (st *loopState) setActivity(listening, responding bool) {
	if listening == st.listening && responding == st.responding {
		return
	}
	st.listening = listening
	st.responding = responding
	st.s.notifyState(Activity{Listening: listening, Responding: responding})
}

// userPartial creates or extends the buffer for an item. A new delta also
// supersedes any pending end-of-turn debounce for that item.
func (st *loopState) userPartial(itemID, text string) {
	if itemID == "" {
		return
	}
	rec := st.items[itemID]
	if rec == nil {
		rec = &itemRecord{}
		rec.abandonGen = st.nextGen()
		rec.abandon = st.afterFunc(st.s.cfg.MaxAccumulation,
			timerEvent{kind: timerAbandon, itemID: itemID, gen: rec.abandonGen})
		st.items[itemID] = rec
	}
	if rec.completed {
		return
	}
	rec.buf.WriteString(text)
	st.stopDebounce(rec)
}

// userFinal finalizes immediately. The event's own text wins over buffered
// partials when provided; the buffer is the fallback. A final for an item
// with no record still finalizes with its own text.
func (st *loopState) userFinal(itemID, text string) {
	if itemID == "" {
		return
	}
	candidate := text
	if rec := st.items[itemID]; rec != nil {
		if Normalize(candidate) == "" {
			candidate = rec.buf.String()
		}
		rec.completed = true
		st.removeItem(itemID, rec)
	}
	st.finalizeUser(candidate)
}

// userSegmentStopped arms the debounce window. The speech engine may signal
// end-of-turn in either order (explicit final before or after the stop
// signal, or only one of the two); the debounce absorbs this without
// inventing a second final message.
func (st *loopState) userSegmentStopped(itemID string) {
	rec := st.items[itemID]
	if rec == nil {
		return
	}
	if rec.completed {
		st.removeItem(itemID, rec)
		return
	}
	st.stopDebounce(rec)
	rec.debounceGen = st.nextGen()
	rec.debounce = st.afterFunc(st.s.cfg.CoalesceDelay,
		timerEvent{kind: timerDebounce, itemID: itemID, gen: rec.debounceGen})
}

func (st *loopState) debounceFired(itemID string, gen uint64) {
	rec := st.items[itemID]
	if rec == nil || rec.debounceGen != gen {
		return
	}
	text := rec.buf.String()
	st.removeItem(itemID, rec)
	st.finalizeUser(text)
}

func (st *loopState) abandonFired(itemID string, gen uint64) {
	rec := st.items[itemID]
	if rec == nil || rec.abandonGen != gen {
		return
	}
	st.s.logger.Debug("finalizing abandoned item buffer", "item_id", itemID)
	text := rec.buf.String()
	st.removeItem(itemID, rec)
	st.finalizeUser(text)
}

func (st *loopState) stopDebounce(rec *itemRecord) {
	if rec.debounce != nil {
		rec.debounce.Stop()
		rec.debounce = nil
		rec.debounceGen = 0
	}
}

func (st *loopState) removeItem(itemID string, rec *itemRecord) {
	st.stopDebounce(rec)
	if rec.abandon != nil {
		rec.abandon.Stop()
		rec.abandon = nil
	}
	delete(st.items, itemID)
}

// finalizeUser is the single finalize step shared by the explicit-final,
// debounce-timeout, and abandon paths, so all three converge on identical
// semantics.
func (st *loopState) finalizeUser(text string) {
	candidate, ok := st.acceptFinal(SenderUser, text)
	if !ok {
		return
	}
	st.append(SenderUser, candidate)
}

func (st *loopState) assistantPartial(e protocol.PartialText) {
	st.acc.WriteString(e.Text)
}

// assistantFinal applies the finalize-once guard and schedules the delayed
// append. Assistant turns are serial within a session, so the single
// accumulator belongs to whichever response finalizes next.
func (st *loopState) assistantFinal(e protocol.FinalText) {
	key := responseKey{responseID: e.ResponseID, outputIndex: e.OutputIndex}
	if _, done := st.finalized[key]; done {
		st.s.logger.Debug("ignoring re-delivered final",
			"response_id", e.ResponseID, "output_index", e.OutputIndex)
		return
	}
	// The key is marked before the empty/duplicate checks: a re-delivered
	// final must never append, even after later turns have moved the
	// duplicate window past its text.
	st.finalized[key] = struct{}{}

	text := st.acc.String()
	st.acc.Reset()
	if Normalize(text) == "" {
		text = e.Text
	}
	candidate, ok := st.acceptFinal(SenderAssistant, text)
	if !ok {
		return
	}

	gen := st.nextGen()
	st.emits[key] = &pendingEmit{
		text: candidate,
		gen:  gen,
		timer: st.afterFunc(st.s.cfg.EmissionDelay,
			timerEvent{kind: timerEmit, key: key, gen: gen}),
	}
}

func (st *loopState) emitFired(key responseKey, gen uint64) {
	pe := st.emits[key]
	if pe == nil || pe.gen != gen {
		return
	}
	delete(st.emits, key)
	st.append(SenderAssistant, pe.text)
}

// acceptFinal normalizes a candidate and applies empty-discard and
// consecutive-duplicate suppression against the per-sender last-final cache.
func (st *loopState) acceptFinal(sender Sender, text string) (string, bool) {
	candidate := Normalize(text)
	if candidate == "" {
		return "", false
	}
	if candidate == st.lastFinal[sender] {
		st.s.logger.Debug("suppressing consecutive duplicate", "sender", string(sender))
		return "", false
	}
	st.lastFinal[sender] = candidate
	return candidate, true
}

func (st *loopState) append(sender Sender, text string) {
	msg := Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Timestamp: st.s.now(),
	}
	st.s.log.append(msg)
	st.s.notifyMessage(msg)
}

// shutdown cancels every pending timer deterministically. Runs exactly once,
// when the loop exits; the caches and the response-key set die with it.
func (st *loopState) shutdown() {
	for id, rec := range st.items {
		st.removeItem(id, rec)
	}
	for key, pe := range st.emits {
		pe.timer.Stop()
		delete(st.emits, key)
	}
	st.acc.Reset()
}
