package transport

import (
	"context"
	"testing"
	"time"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel")
		panic("unreachable")
	}
}

func TestHubLoopbackIncludesSender(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	a, err := hub.Join(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := hub.Join(ctx, "room")

	if err := a.Publish(ctx, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	// Both sides receive the frame, the publisher included. Self-echo
	// suppression belongs to the layer above.
	if got := recv(t, a.Messages()); string(got.Data) != "hello" {
		t.Errorf("sender got %q", got.Data)
	}
	if got := recv(t, b.Messages()); string(got.Data) != "hello" {
		t.Errorf("peer got %q", got.Data)
	}
}

func TestHubRoomsAreIsolated(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	a, _ := hub.Join(ctx, "room-1")
	b, _ := hub.Join(ctx, "room-2")

	_ = a.Publish(ctx, []byte("one"))
	select {
	case m := <-b.Messages():
		t.Fatalf("room-2 received %q from room-1", m.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubPresenceJoinAndLeave(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	a, _ := hub.Join(ctx, "room")
	b, _ := hub.Join(ctx, "room")

	if err := b.Track(ctx, "peer-b"); err != nil {
		t.Fatal(err)
	}
	ev := recv(t, a.PresenceEvents())
	if ev.Key != "peer-b" || !ev.Online {
		t.Errorf("join event = %+v", ev)
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	ev = recv(t, a.PresenceEvents())
	if ev.Key != "peer-b" || ev.Online {
		t.Errorf("leave event = %+v", ev)
	}
}

func TestClosedChannelRejectsPublish(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	a, _ := hub.Join(ctx, "room")
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Publish(ctx, []byte("late")); err == nil {
		t.Error("publish after close should fail")
	}
	// Close is idempotent.
	if err := a.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
