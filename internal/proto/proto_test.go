package proto

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeValidEnvelope(t *testing.T) {
	ev := NewPlaybackState("peer-a", VerbPlaying, 10.0)
	got, err := Decode(ev.Encode())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.Kind != KindPlaybackState {
		t.Errorf("kind = %q, want %q", got.Kind, KindPlaybackState)
	}
	if got.Sender != "peer-a" {
		t.Errorf("sender = %q, want peer-a", got.Sender)
	}
	if got.TS == 0 {
		t.Error("timestamp should be set")
	}

	var ps PlaybackState
	if err := got.DecodePayload(&ps); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if ps.State != VerbPlaying || ps.Time != 10.0 {
		t.Errorf("payload = %+v, want playing@10.0", ps)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		data string
		want error
	}{
		{"no kind", `{"sender":"peer-a","ts":1}`, ErrMissingKind},
		{"no sender", `{"kind":"time_sync","ts":1}`, ErrMissingSender},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !errors.Is(err, tc.want) {
				t.Fatalf("Decode error = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := Decode([]byte("not json")); err == nil {
		t.Error("Decode should reject malformed JSON")
	}
}

func TestDecodeToleratesUnknownKind(t *testing.T) {
	// Forward compatibility: an unknown kind decodes fine, the dispatcher
	// is the layer that ignores it.
	ev, err := Decode([]byte(`{"kind":"emoji_reaction","sender":"peer-b","ts":5,"payload":{"emoji":"x"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if ev.Kind != Kind("emoji_reaction") {
		t.Errorf("kind = %q", ev.Kind)
	}
}

func TestRequestStateHasNoPayload(t *testing.T) {
	ev := NewRequestState("peer-a")
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(ev.Encode(), &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["payload"]; ok {
		t.Error("request_state should omit the payload field")
	}
}

func TestNewTimeSyncState(t *testing.T) {
	ev := NewTimeSync("a", 42.3, true)
	var ts TimeSync
	if err := ev.DecodePayload(&ts); err != nil {
		t.Fatal(err)
	}
	if ts.State != VerbPlaying {
		t.Errorf("state = %q, want playing", ts.State)
	}

	ev = NewTimeSync("a", 42.3, false)
	_ = ev.DecodePayload(&ts)
	if ts.State != VerbPaused {
		t.Errorf("state = %q, want paused", ts.State)
	}
}

func TestNormalizeRoomName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Movie Night", "movie-night"},
		{"  movie night ", "movie-night"},
		{"movie_night.2", "movie_night.2"},
		{"Fête du Film!", "fte-du-film"},
		{"a   b", "a-b"},
	}
	for _, tc := range cases {
		if got := NormalizeRoomName(tc.in); got != tc.want {
			t.Errorf("NormalizeRoomName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRoomKeys(t *testing.T) {
	if CloudRoomKey("vid123") != TopicNamespace+":video:vid123" {
		t.Error("unexpected cloud room key")
	}
	if LocalRoomKey("Movie Night") != LocalRoomKey("movie  night") {
		t.Error("equivalent room names must derive the same key")
	}
	if LocalRoomKey("room-a") == CloudRoomKey("room-a") {
		t.Error("cloud and local namespaces must not collide")
	}
}
