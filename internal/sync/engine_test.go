package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"duet/internal/proto"
	"duet/internal/transport"
)

func openEngine(t *testing.T, hub *transport.Hub, room, identity string, h Handlers) *Engine {
	t.Helper()
	e := NewEngine(hub, room, identity)
	e.SetHandlers(h)
	if err := e.Open(context.Background()); err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func rawChannel(t *testing.T, hub *transport.Hub, room string) transport.Channel {
	t.Helper()
	ch, err := hub.Join(context.Background(), room)
	if err != nil {
		t.Fatalf("join room: %v", err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func TestEngineDispatchesByKind(t *testing.T) {
	hub := transport.NewHub()
	ctx := context.Background()

	got := make(chan string, 16)
	openEngine(t, hub, "room", "peer-a", Handlers{
		PlaybackState: func(ev proto.Event, ps proto.PlaybackState) {
			if ps.State != proto.VerbSeeked || ps.Time != 17.0 {
				t.Errorf("playback payload = %+v", ps)
			}
			got <- "playback_state"
		},
		BufferState: func(ev proto.Event, bs proto.BufferState) {
			if !bs.IsBuffering {
				t.Errorf("buffer payload = %+v", bs)
			}
			got <- "buffer_state"
		},
		TimeSync: func(ev proto.Event, ts proto.TimeSync) { got <- "time_sync" },
		ChatMessage: func(ev proto.Event, cm proto.ChatMessage) {
			if cm.Text != "hi" {
				t.Errorf("chat payload = %+v", cm)
			}
			got <- "chat_message"
		},
		ChatUIState:  func(ev proto.Event, cu proto.ChatUIState) { got <- "chat_ui_state" },
		RequestState: func(ev proto.Event) { got <- "request_state" },
		FileHash:     func(ev proto.Event, fh proto.FileHash) { got <- "file_hash" },
	})

	peer := openEngine(t, hub, "room", "peer-b", Handlers{})
	peer.EmitPlaybackState(ctx, proto.VerbSeeked, 17.0)
	peer.EmitBufferState(ctx, true)
	peer.EmitTimeSync(ctx, 17.5, true)
	peer.EmitChatMessage(ctx, "id-1", "hi")
	peer.EmitChatUIState(ctx, true)
	peer.EmitRequestState(ctx)
	peer.EmitFileHash(ctx, "abc123", "movie.mkv")

	want := []string{
		"playback_state", "buffer_state", "time_sync",
		"chat_message", "chat_ui_state", "request_state", "file_hash",
	}
	for _, w := range want {
		if g := recv(t, got, w); g != w {
			t.Fatalf("dispatched %q, want %q", g, w)
		}
	}
}

func TestEngineFiltersSelfEchoes(t *testing.T) {
	hub := transport.NewHub()
	ctx := context.Background()

	got := make(chan string, 16)
	e := openEngine(t, hub, "room", "peer-a", Handlers{
		PlaybackState: func(ev proto.Event, ps proto.PlaybackState) { got <- ev.Sender },
		TimeSync:      func(ev proto.Event, ts proto.TimeSync) { got <- ev.Sender },
		ChatMessage:   func(ev proto.Event, cm proto.ChatMessage) { got <- ev.Sender },
	})

	// The hub delivers loopback, so every emit below comes back to the
	// engine tagged with its own identity and must be swallowed.
	e.EmitPlaybackState(ctx, proto.VerbPlaying, 1.0)
	e.EmitTimeSync(ctx, 1.0, true)
	e.EmitChatMessage(ctx, "id-1", "talking to myself")

	peer := rawChannel(t, hub, "room")
	if err := peer.Publish(ctx, proto.NewChatMessage("peer-b", "id-2", "hello").Encode()); err != nil {
		t.Fatal(err)
	}

	if sender := recv(t, got, "remote event"); sender != "peer-b" {
		t.Fatalf("dispatched event from %q, self-echo not filtered", sender)
	}
	select {
	case sender := <-got:
		t.Fatalf("unexpected second dispatch from %q", sender)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineIgnoresMalformedAndUnknownFrames(t *testing.T) {
	hub := transport.NewHub()
	ctx := context.Background()

	got := make(chan string, 4)
	openEngine(t, hub, "room", "peer-a", Handlers{
		ChatMessage: func(ev proto.Event, cm proto.ChatMessage) { got <- cm.Text },
	})

	peer := rawChannel(t, hub, "room")
	frames := [][]byte{
		[]byte("not json at all"),
		[]byte(`{"sender":"peer-b"}`), // missing kind
		mustJSON(t, map[string]any{"kind": "reaction", "sender": "peer-b", "payload": map[string]any{"emoji": "x"}}),
		proto.NewChatMessage("peer-b", "id-1", "survivor").Encode(),
	}
	for _, f := range frames {
		if err := peer.Publish(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	if text := recv(t, got, "chat message"); text != "survivor" {
		t.Fatalf("dispatched %q, want the one well-formed frame", text)
	}
}

func TestEngineStaysOfflineWithoutRoomOrIdentity(t *testing.T) {
	hub := transport.NewHub()
	for _, tc := range []struct{ room, identity string }{
		{"", "peer-a"},
		{"room", ""},
	} {
		e := NewEngine(hub, tc.room, tc.identity)
		if err := e.Open(context.Background()); err != nil {
			t.Errorf("Open(%q, %q) = %v, want nil", tc.room, tc.identity, err)
		}
		if e.Connected() {
			t.Errorf("Open(%q, %q) connected", tc.room, tc.identity)
		}
		// Emit on a disconnected engine is a silent no-op.
		e.EmitRequestState(context.Background())
		e.Close()
	}
}

func TestEngineHandlerSwapTakesEffect(t *testing.T) {
	hub := transport.NewHub()
	ctx := context.Background()

	got := make(chan string, 4)
	e := openEngine(t, hub, "room", "peer-a", Handlers{
		ChatMessage: func(ev proto.Event, cm proto.ChatMessage) { got <- "old:" + cm.Text },
	})
	peer := openEngine(t, hub, "room", "peer-b", Handlers{})

	peer.EmitChatMessage(ctx, "id-1", "one")
	if g := recv(t, got, "first dispatch"); g != "old:one" {
		t.Fatalf("got %q", g)
	}

	e.SetHandlers(Handlers{
		ChatMessage: func(ev proto.Event, cm proto.ChatMessage) { got <- "new:" + cm.Text },
	})
	peer.EmitChatMessage(ctx, "id-2", "two")
	if g := recv(t, got, "second dispatch"); g != "new:two" {
		t.Fatalf("got %q, handler swap ignored", g)
	}
}

func TestEnginePresenceFiltersSelf(t *testing.T) {
	hub := transport.NewHub()
	ctx := context.Background()

	got := make(chan transport.PresenceEvent, 4)
	openEngine(t, hub, "room", "peer-a", Handlers{
		Presence: func(pe transport.PresenceEvent) { got <- pe },
	})

	peer := rawChannel(t, hub, "room")
	if err := peer.Track(ctx, "peer-b"); err != nil {
		t.Fatal(err)
	}

	pe := recv(t, got, "presence event")
	if pe.Key != "peer-b" || !pe.Online {
		t.Fatalf("presence = %+v, want peer-b online", pe)
	}
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	hub := transport.NewHub()
	e := openEngine(t, hub, "room", "peer-a", Handlers{})
	e.Close()
	e.Close()
	if e.Connected() {
		t.Error("engine still connected after Close")
	}
	e.EmitRequestState(context.Background()) // must not panic
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
