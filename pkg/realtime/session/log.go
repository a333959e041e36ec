package session

import (
	"sync"
	"time"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Message is one finalized conversation entry. Immutable once created.
type Message struct {
	ID        string
	Sender    Sender
	Text      string
	Timestamp time.Time
}

// ConversationLog is the ordered, append-only sequence of finalized messages
// for one session. The session loop is the only writer; readers get
// snapshots.
type ConversationLog struct {
	mu       sync.Mutex
	messages []Message
}

func NewConversationLog() *ConversationLog {
	return &ConversationLog{messages: make([]Message, 0, 16)}
}

func (l *ConversationLog) append(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

// Messages returns a snapshot of the log in finalize order.
func (l *ConversationLog) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *ConversationLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
