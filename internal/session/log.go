// Package session implements the interactive session engine: the ordered
// message log, the confirmation gate for mutating queries, and the controller
// that drives one query turn end to end.
package session

import (
	"sync"

	"github.com/controlsuite/rag-assistant/internal/domain"
)

// MessageLog is the ordered, mutable record of one conversation. It is
// append-only except for the tail message, which may be mutated in place
// while a stream targeting it is open. The Session owns the only writable
// reference; everything else reads snapshots.
//
// Subscribers are notified after every mutation, so a presentation layer can
// re-render without polling.
type MessageLog struct {
	mu       sync.Mutex
	messages []*domain.Message
	subs     []func()
}

// NewMessageLog creates an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

// Subscribe registers fn to run after every mutation. Not safe to call
// concurrently with mutations; register subscribers before the session runs.
func (l *MessageLog) Subscribe(fn func()) {
	l.subs = append(l.subs, fn)
}

func (l *MessageLog) notify() {
	for _, fn := range l.subs {
		fn()
	}
}

// Append adds a message to the end of the log and returns its position.
func (l *MessageLog) Append(msg *domain.Message) int {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	pos := len(l.messages) - 1
	l.mu.Unlock()
	l.notify()
	return pos
}

// AppendChunk concatenates text onto the tail message's content. A chunk
// arriving against an empty log is dropped rather than panicking, so a racing
// stream cannot abort the turn.
func (l *MessageLog) AppendChunk(text string) {
	l.mu.Lock()
	if len(l.messages) == 0 {
		l.mu.Unlock()
		return
	}
	l.messages[len(l.messages)-1].Content += text
	l.mu.Unlock()
	l.notify()
}

// ReplaceTailContent overwrites the tail message's content wholesale. Used
// for non-incremental status updates. No-op on an empty log.
func (l *MessageLog) ReplaceTailContent(text string) {
	l.mu.Lock()
	if len(l.messages) == 0 {
		l.mu.Unlock()
		return
	}
	l.messages[len(l.messages)-1].Content = text
	l.mu.Unlock()
	l.notify()
}

// Remove deletes the message with the given id. Idempotent if not found.
func (l *MessageLog) Remove(id string) {
	l.mu.Lock()
	kept := l.messages[:0]
	for _, m := range l.messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	l.messages = kept
	l.mu.Unlock()
	l.notify()
}

// Clear empties the log.
func (l *MessageLog) Clear() {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()
	l.notify()
}

// Messages returns a snapshot of the conversation.
func (l *MessageLog) Messages() []domain.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = *m
	}
	return out
}

// Len returns the number of messages.
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

// Tail returns a copy of the most recent message, if any.
func (l *MessageLog) Tail() (domain.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.messages) == 0 {
		return domain.Message{}, false
	}
	return *l.messages[len(l.messages)-1], true
}

// SetTailClassification attaches a classification to the tail message.
func (l *MessageLog) SetTailClassification(c *domain.Classification) {
	l.mutateTail(func(m *domain.Message) {
		m.Classification = c
	})
}

// SetTailData attaches a structured payload to the tail message.
func (l *MessageLog) SetTailData(data any) {
	l.mutateTail(func(m *domain.Message) {
		m.Data = data
	})
}

// SetTailSources attaches document provenance to the tail message.
func (l *MessageLog) SetTailSources(sources []domain.Source) {
	l.mutateTail(func(m *domain.Message) {
		m.Sources = sources
	})
}

// FlagTailConfirmation marks the tail message as awaiting human approval of
// the given statement.
func (l *MessageLog) FlagTailConfirmation(statement string, app domain.Application) {
	l.mutateTail(func(m *domain.Message) {
		m.RequiresConfirmation = true
		m.PendingQuery = statement
		m.Application = app
	})
}

// MarkTailTruncated flags the tail message as possibly incomplete.
func (l *MessageLog) MarkTailTruncated() {
	l.mutateTail(func(m *domain.Message) {
		m.Truncated = true
	})
}

// ClearConfirmation removes the pending-approval flag from the message with
// the given id. No-op if the message is gone.
func (l *MessageLog) ClearConfirmation(id string) {
	l.mu.Lock()
	for _, m := range l.messages {
		if m.ID == id {
			m.RequiresConfirmation = false
			break
		}
	}
	l.mu.Unlock()
	l.notify()
}

func (l *MessageLog) mutateTail(fn func(*domain.Message)) {
	l.mu.Lock()
	if len(l.messages) == 0 {
		l.mu.Unlock()
		return
	}
	fn(l.messages[len(l.messages)-1])
	l.mu.Unlock()
	l.notify()
}
