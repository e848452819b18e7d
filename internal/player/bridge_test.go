package player

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialBridge(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.handleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBridgeSendsCommands(t *testing.T) {
	b := NewBridge("127.0.0.1:0", Events{})
	conn := dialBridge(t, b)

	// Wait until the bridge has registered the connection.
	waitFor(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.conn != nil
	})

	b.SeekTo(12.5)
	b.Play()

	var cmd bridgeCommand
	if err := conn.ReadJSON(&cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Cmd != "seek" || cmd.Time != 12.5 {
		t.Errorf("first command = %+v, want seek 12.5", cmd)
	}
	if err := conn.ReadJSON(&cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Cmd != "play" {
		t.Errorf("second command = %+v, want play", cmd)
	}
}

func TestBridgeReportsFireEvents(t *testing.T) {
	events := make(chan string, 8)
	b := NewBridge("127.0.0.1:0", Events{
		OnPlay:   func(tm float64) { events <- "play" },
		OnPause:  func(tm float64) { events <- "pause" },
		OnSeeked: func(tm float64) { events <- "seeked" },
	})
	conn := dialBridge(t, b)

	send := func(rep bridgeReport) {
		data, _ := json.Marshal(rep)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatal(err)
		}
	}

	send(bridgeReport{Event: "play", Time: 3.0, Playing: true})
	send(bridgeReport{Event: "seeked", Time: 9.0, Playing: true})

	for _, want := range []string{"play", "seeked"} {
		select {
		case got := <-events:
			if got != want {
				t.Errorf("event = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q event", want)
		}
	}

	if !b.IsPlaying() {
		t.Error("bridge should report playing after play report")
	}
	if tm := b.CurrentTime(); tm < 9.0 {
		t.Errorf("CurrentTime = %v, want >= 9.0", tm)
	}
}

func TestBridgeStatusFiresNoEvent(t *testing.T) {
	events := make(chan string, 1)
	b := NewBridge("127.0.0.1:0", Events{
		OnPlay: func(tm float64) { events <- "play" },
	})
	conn := dialBridge(t, b)

	data, _ := json.Marshal(bridgeReport{Event: "status", Time: 5.0, Playing: true})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return b.CurrentTime() >= 5.0 })
	select {
	case ev := <-events:
		t.Errorf("status report fired %q", ev)
	default:
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
