// Package chat keeps the in-session chat transcript. The transcript is
// append-only in arrival order and lives only as long as the session; there
// is deliberately no persistence.
package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is one transcript entry. Local and remote messages share the
// shape; From distinguishes them.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// New creates a locally authored message with a fresh ID.
func New(from, text string) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Log is the session transcript plus listener fan-out.
type Log struct {
	mu        sync.RWMutex
	msgs      []Message
	listeners []chan Message
}

func NewLog() *Log {
	return &Log{}
}

// Append adds a message in arrival order and notifies listeners. Listener
// channels that are not draining miss the notification but still see the
// message in Messages().
func (l *Log) Append(msg Message) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	for _, ch := range l.listeners {
		select {
		case ch <- msg:
		default:
		}
	}
	l.mu.Unlock()
}

// Messages returns a copy of the transcript, oldest first.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the transcript length.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Subscribe returns a channel receiving each appended message.
func (l *Log) Subscribe() chan Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan Message, 16)
	l.listeners = append(l.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (l *Log) Unsubscribe(ch chan Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, listener := range l.listeners {
		if listener == ch {
			close(listener)
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			return
		}
	}
}

// Close drops all listeners. The transcript itself dies with the session.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, listener := range l.listeners {
		close(listener)
	}
	l.listeners = nil
}
