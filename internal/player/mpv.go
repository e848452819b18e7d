package player

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("player")

// MPV drives a running mpv instance over its JSON IPC socket
// (mpv --input-ipc-server=/path). Property observation keeps a local mirror
// of the playhead and pause state so CurrentTime and IsPlaying never block
// on the socket.
type MPV struct {
	conn   net.Conn
	events Events

	mu       sync.Mutex
	timePos  float64
	timeAt   time.Time
	paused   bool
	stalled  bool // paused-for-cache
	seeking  bool
	closed   bool
	writeErr error
}

// Observed property IDs; mpv echoes these back in property-change events.
const (
	obsTimePos = 1
	obsPause   = 2
	obsCache   = 3
)

type mpvCommand struct {
	Command []any `json:"command"`
}

type mpvEvent struct {
	Event string          `json:"event"`
	ID    int             `json:"id"`
	Name  string          `json:"name"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

// ConnectMPV dials the IPC socket and starts observing playback state.
func ConnectMPV(socketPath string, events Events) (*MPV, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial mpv socket %s: %w", socketPath, err)
	}
	m := &MPV{conn: conn, events: events, paused: true}

	for id, prop := range map[int]string{
		obsTimePos: "time-pos",
		obsPause:   "pause",
		obsCache:   "paused-for-cache",
	} {
		if err := m.send("observe_property", id, prop); err != nil {
			conn.Close()
			return nil, err
		}
	}

	go m.readLoop()
	return m, nil
}

func (m *MPV) Play() {
	if err := m.send("set_property", "pause", false); err != nil {
		log.Warnf("mpv play: %v", err)
	}
}

func (m *MPV) Pause() {
	if err := m.send("set_property", "pause", true); err != nil {
		log.Warnf("mpv pause: %v", err)
	}
}

func (m *MPV) SeekTo(seconds float64) {
	if err := m.send("seek", seconds, "absolute"); err != nil {
		log.Warnf("mpv seek: %v", err)
	}
}

// CurrentTime extrapolates from the last observed time-pos while playing,
// since property-change events arrive at tick granularity.
func (m *MPV) CurrentTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.timePos
	if !m.paused && !m.stalled && !m.timeAt.IsZero() {
		t += time.Since(m.timeAt).Seconds()
	}
	return t
}

func (m *MPV) IsPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.paused
}

func (m *MPV) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.conn.Close()
}

func (m *MPV) send(args ...any) error {
	b, _ := json.Marshal(mpvCommand{Command: args})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if _, err := m.conn.Write(append(b, '\n')); err != nil {
		m.writeErr = err
		return err
	}
	return nil
}

func (m *MPV) readLoop() {
	sc := bufio.NewScanner(m.conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var ev mpvEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		switch ev.Event {
		case "property-change":
			m.handleProperty(ev)
		case "seek":
			m.mu.Lock()
			m.seeking = true
			m.mu.Unlock()
		case "playback-restart":
			// Fired when playback resumes after a seek completes.
			m.mu.Lock()
			wasSeeking := m.seeking
			m.seeking = false
			t := m.timePos
			m.mu.Unlock()
			if wasSeeking {
				m.events.seeked(t)
			}
		}
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if !closed {
		log.Warnf("mpv connection lost: %v", sc.Err())
	}
}

func (m *MPV) handleProperty(ev mpvEvent) {
	switch ev.ID {
	case obsTimePos:
		var t *float64
		if json.Unmarshal(ev.Data, &t) != nil || t == nil {
			return
		}
		m.mu.Lock()
		m.timePos = *t
		m.timeAt = time.Now()
		m.mu.Unlock()
	case obsPause:
		var paused bool
		if json.Unmarshal(ev.Data, &paused) != nil {
			return
		}
		m.mu.Lock()
		changed := m.paused != paused
		m.paused = paused
		t := m.timePos
		m.mu.Unlock()
		if !changed {
			return
		}
		if paused {
			m.events.pause(t)
		} else {
			m.events.play(t)
		}
	case obsCache:
		var stalled bool
		if json.Unmarshal(ev.Data, &stalled) != nil {
			return
		}
		m.mu.Lock()
		changed := m.stalled != stalled
		m.stalled = stalled
		m.mu.Unlock()
		if !changed {
			return
		}
		if stalled {
			m.events.bufferingStart()
		} else {
			m.events.bufferingEnd()
		}
	}
}
