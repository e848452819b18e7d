package player

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Bridge exposes the Player interface over a localhost WebSocket so an
// external player frontend (a browser video element, typically) can serve
// as the playback engine. Commands flow out as JSON frames; the frontend
// reports events and periodic status back. Only one frontend is attached at
// a time; a new connection replaces the previous one.
type Bridge struct {
	events Events
	srv    *http.Server

	mu      sync.Mutex
	conn    *websocket.Conn
	timeSec float64
	timeAt  time.Time
	playing bool
}

// bridgeCommand is a frame sent to the frontend.
type bridgeCommand struct {
	Cmd  string  `json:"cmd"` // play | pause | seek
	Time float64 `json:"time,omitempty"`
}

// bridgeReport is a frame received from the frontend. Event "status" is a
// periodic state report and fires no callback.
type bridgeReport struct {
	Event   string  `json:"event"` // play | pause | seeked | buffering_start | buffering_end | status
	Time    float64 `json:"time"`
	Playing bool    `json:"playing"`
}

// NewBridge creates a bridge listening on addr (e.g. "127.0.0.1:9110").
// The frontend connects to ws://addr/player.
func NewBridge(addr string, events Events) *Bridge {
	b := &Bridge{events: events}
	mux := http.NewServeMux()
	mux.HandleFunc("/player", b.handleWS)
	b.srv = &http.Server{Addr: addr, Handler: mux}
	return b
}

// Start begins serving. It returns once the listener is up; serve errors
// after that are logged, not returned.
func (b *Bridge) Start() error {
	ln, err := net.Listen("tcp", b.srv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := b.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("bridge serve: %v", err)
		}
	}()
	log.Infof("player bridge on ws://%s/player", ln.Addr())
	return nil
}

func (b *Bridge) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	return b.srv.Shutdown(ctx)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge binds to localhost; the frontend is served from a file or
	// another local origin, so origin checking buys nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("bridge upgrade: %v", err)
		return
	}

	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = conn
	b.mu.Unlock()
	log.Infof("player frontend attached from %s", r.RemoteAddr)

	b.readLoop(conn)

	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var rep bridgeReport
		if err := json.Unmarshal(data, &rep); err != nil {
			continue
		}
		b.apply(rep)
	}
}

func (b *Bridge) apply(rep bridgeReport) {
	b.mu.Lock()
	b.timeSec = rep.Time
	b.timeAt = time.Now()
	switch rep.Event {
	case "play":
		b.playing = true
	case "pause":
		b.playing = false
	case "status", "buffering_start", "buffering_end":
		b.playing = rep.Playing
	}
	b.mu.Unlock()

	switch rep.Event {
	case "play":
		b.events.play(rep.Time)
	case "pause":
		b.events.pause(rep.Time)
	case "seeked":
		b.events.seeked(rep.Time)
	case "buffering_start":
		b.events.bufferingStart()
	case "buffering_end":
		b.events.bufferingEnd()
	}
}

func (b *Bridge) sendCommand(cmd bridgeCommand) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		log.Debugf("bridge command %q dropped, no frontend attached", cmd.Cmd)
		return
	}
	if err := conn.WriteJSON(cmd); err != nil {
		log.Warnf("bridge write: %v", err)
	}
}

func (b *Bridge) Play() {
	b.mu.Lock()
	b.playing = true
	b.mu.Unlock()
	b.sendCommand(bridgeCommand{Cmd: "play"})
}

func (b *Bridge) Pause() {
	b.mu.Lock()
	b.playing = false
	b.mu.Unlock()
	b.sendCommand(bridgeCommand{Cmd: "pause"})
}

func (b *Bridge) SeekTo(seconds float64) {
	b.mu.Lock()
	b.timeSec = seconds
	b.timeAt = time.Now()
	b.mu.Unlock()
	b.sendCommand(bridgeCommand{Cmd: "seek", Time: seconds})
}

// CurrentTime extrapolates from the last report while playing, so the
// heartbeat does not depend on the frontend's reporting cadence.
func (b *Bridge) CurrentTime() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.timeSec
	if b.playing && !b.timeAt.IsZero() {
		t += time.Since(b.timeAt).Seconds()
	}
	return t
}

func (b *Bridge) IsPlaying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}
