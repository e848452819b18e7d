// Package proto defines the wire protocol spoken between the two
// participants of a playback session. Every frame on the room topic is an
// Event envelope: a kind discriminator, the sender's identity, a millisecond
// timestamp and a kind-specific JSON payload.
//
// The transport does not suppress loopback, so every event carries a sender
// and receivers drop their own frames. Unknown kinds decode without error;
// dispatchers ignore them so newer peers can talk past older ones.
package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode"
)

// Topic namespace for room channels. Bump the version suffix on any
// incompatible change to the envelope or payload shapes.
const TopicNamespace = "duet.room.v1"

// Kind discriminates the event variants on the wire.
type Kind string

const (
	KindPlaybackState Kind = "playback_state" // authoritative play/pause/seek transition
	KindBufferState   Kind = "buffer_state"   // stall started or ended
	KindTimeSync      Kind = "time_sync"      // periodic heartbeat for drift correction
	KindChatMessage   Kind = "chat_message"   // chat relay
	KindChatUIState   Kind = "chat_ui_state"  // chat panel open/closed
	KindRequestState  Kind = "request_state"  // late-join catch-up request, no payload
	KindFileHash      Kind = "file_hash"      // local-file identity proof
)

// Verb is the playback transition named by a PlaybackState or TimeSync event.
type Verb string

const (
	VerbPlaying Verb = "playing"
	VerbPaused  Verb = "paused"
	VerbSeeked  Verb = "seeked"
)

var (
	ErrMissingKind   = errors.New("event has no kind")
	ErrMissingSender = errors.New("event has no sender")
)

// Event is the envelope for every frame on a room topic.
type Event struct {
	Kind    Kind            `json:"kind"`
	Sender  string          `json:"sender"`
	TS      int64           `json:"ts"` // unix milliseconds at the sender
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PlaybackState is the payload of KindPlaybackState. The event is
// authoritative: receivers apply it without comparing local state.
type PlaybackState struct {
	State Verb    `json:"state"`
	Time  float64 `json:"time"` // seconds
}

// BufferState is the payload of KindBufferState.
type BufferState struct {
	IsBuffering bool `json:"isBuffering"`
}

// TimeSync is the payload of KindTimeSync. State is VerbPlaying or
// VerbPaused; a heartbeat never reports a seek.
type TimeSync struct {
	Time  float64 `json:"time"` // seconds
	State Verb    `json:"state"`
}

// ChatMessage is the payload of KindChatMessage.
type ChatMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ChatUIState is the payload of KindChatUIState.
type ChatUIState struct {
	IsOpen bool `json:"isOpen"`
}

// FileHash is the payload of KindFileHash, sent only in local-file mode.
type FileHash struct {
	Hash     string `json:"hash"`
	FileName string `json:"fileName"`
}

// NowMillis returns the current time as unix milliseconds.
func NowMillis() int64 { return time.Now().UnixMilli() }

// New builds an envelope for the given kind and payload. Payload shapes in
// this package cannot fail to marshal, so the error is swallowed the same
// way the transport swallows undeliverable frames.
func New(kind Kind, sender string, payload any) Event {
	ev := Event{Kind: kind, Sender: sender, TS: NowMillis()}
	if payload != nil {
		b, _ := json.Marshal(payload)
		ev.Payload = b
	}
	return ev
}

func NewPlaybackState(sender string, state Verb, seconds float64) Event {
	return New(KindPlaybackState, sender, PlaybackState{State: state, Time: seconds})
}

func NewBufferState(sender string, buffering bool) Event {
	return New(KindBufferState, sender, BufferState{IsBuffering: buffering})
}

func NewTimeSync(sender string, seconds float64, playing bool) Event {
	state := VerbPaused
	if playing {
		state = VerbPlaying
	}
	return New(KindTimeSync, sender, TimeSync{Time: seconds, State: state})
}

func NewChatMessage(sender, id, text string) Event {
	return New(KindChatMessage, sender, ChatMessage{ID: id, Text: text})
}

func NewChatUIState(sender string, open bool) Event {
	return New(KindChatUIState, sender, ChatUIState{IsOpen: open})
}

func NewRequestState(sender string) Event {
	return New(KindRequestState, sender, nil)
}

func NewFileHash(sender, hash, fileName string) Event {
	return New(KindFileHash, sender, FileHash{Hash: hash, FileName: fileName})
}

// Encode marshals an envelope for publishing.
func (e Event) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Decode parses an envelope from the wire. It validates only the envelope
// invariants (kind and sender present); payload validation happens at
// dispatch, per kind, so a foreign payload on a known kind is dropped
// without tearing anything down.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.Kind == "" {
		return Event{}, ErrMissingKind
	}
	if ev.Sender == "" {
		return Event{}, ErrMissingSender
	}
	return ev, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("event has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// CloudRoomKey derives the room topic for a cloud video. Two peers land on
// the same channel iff they watch the same video.
func CloudRoomKey(videoID string) string {
	return TopicNamespace + ":video:" + videoID
}

// LocalRoomKey derives the room topic for a device-local file session from a
// user-chosen room name. The name is normalized so "Movie Night" and
// "movie night " meet in the same room.
func LocalRoomKey(roomName string) string {
	return TopicNamespace + ":room:" + NormalizeRoomName(roomName)
}

// NormalizeRoomName lowercases the name, maps whitespace runs to a single
// hyphen and strips everything outside [a-z0-9._-].
func NormalizeRoomName(name string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(strings.ToLower(name)) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte('-')
			space = false
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
