// Package transport provides the broadcast channel a playback session runs
// on. A Channel delivers opaque frames published by anyone in the room,
// including the publisher itself: delivery is at-most-once, unordered across
// senders, and loopback is not suppressed. Presence join/leave is derived
// from tracking announcements and surfaced as PresenceEvents.
package transport

import "context"

// Message is one frame received from the room.
type Message struct {
	Data []byte
}

// PresenceEvent reports a participant appearing in or leaving the room.
// The key is the participant's logical identity, not a transport address.
type PresenceEvent struct {
	Key    string
	Online bool
}

// Channel is one open subscription to a room.
//
// Publish is fire-and-forget: an error means the frame could not be handed
// to the transport, never that the peer failed to receive it. Close must
// release every resource the subscription holds; after Close the Messages
// and PresenceEvents channels are closed.
type Channel interface {
	Publish(ctx context.Context, data []byte) error
	Track(ctx context.Context, key string) error
	Messages() <-chan Message
	PresenceEvents() <-chan PresenceEvent
	Close() error
}

// Joiner opens channels. Implemented by the libp2p Node and by the
// in-memory Hub used in tests.
type Joiner interface {
	Join(ctx context.Context, roomKey string) (Channel, error)
}
