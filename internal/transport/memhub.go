package transport

import (
	"context"
	"errors"
	"sync"
)

// Hub is an in-process Joiner. Frames published on a room fan out to every
// channel joined to it, the publisher included, which mirrors the loopback
// behaviour of the real transport and keeps self-echo suppression honest in
// tests.
type Hub struct {
	mu    sync.Mutex
	rooms map[string][]*memChannel
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string][]*memChannel)}
}

// Join attaches a new channel to the given room.
func (h *Hub) Join(ctx context.Context, roomKey string) (Channel, error) {
	if roomKey == "" {
		return nil, errors.New("empty room key")
	}
	ch := &memChannel{
		hub:  h,
		room: roomKey,
		msgs: make(chan Message, 64),
		pres: make(chan PresenceEvent, 16),
	}
	h.mu.Lock()
	h.rooms[roomKey] = append(h.rooms[roomKey], ch)
	h.mu.Unlock()
	return ch, nil
}

// broadcast and presence fan out under the hub lock; Close detaches under
// the same lock, so no send can race a channel close.
func (h *Hub) broadcast(room string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.rooms[room] {
		select {
		case m.msgs <- Message{Data: data}:
		default:
			// Receiver not draining, drop. At-most-once delivery.
		}
	}
}

func (h *Hub) presence(room string, ev PresenceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.rooms[room] {
		select {
		case m.pres <- ev:
		default:
		}
	}
}

func (h *Hub) detach(room string, ch *memChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	for i, m := range members {
		if m == ch {
			h.rooms[room] = append(members[:i], members[i+1:]...)
			break
		}
	}
	close(ch.msgs)
	close(ch.pres)
}

type memChannel struct {
	hub  *Hub
	room string
	msgs chan Message
	pres chan PresenceEvent

	mu     sync.Mutex
	key    string
	closed bool
}

func (c *memChannel) Publish(ctx context.Context, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("channel closed")
	}
	cp := append([]byte(nil), data...)
	c.hub.broadcast(c.room, cp)
	return nil
}

func (c *memChannel) Track(ctx context.Context, key string) error {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
	c.hub.presence(c.room, PresenceEvent{Key: key, Online: true})
	return nil
}

func (c *memChannel) Messages() <-chan Message { return c.msgs }

func (c *memChannel) PresenceEvents() <-chan PresenceEvent { return c.pres }

func (c *memChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	key := c.key
	c.mu.Unlock()

	c.hub.detach(c.room, c)
	if key != "" {
		c.hub.presence(c.room, PresenceEvent{Key: key, Online: false})
	}
	return nil
}
