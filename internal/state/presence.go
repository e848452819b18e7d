// Package state tracks the remote participant's presence for one session.
// A session has exactly two logical participants, so the tracker holds a
// single remote slot rather than a table. It is created and destroyed with
// the session; nothing here is process-global.
package state

import (
	"sync"
	"time"
)

// PeerStatus is the derived presence of the remote participant.
type PeerStatus struct {
	Identity string
	Online   bool
	LastSeen time.Time
}

// PeerTracker records join/leave notifications and fans status changes out
// to listeners.
type PeerTracker struct {
	mu        sync.Mutex
	peer      PeerStatus
	listeners []chan PeerStatus
}

func NewPeerTracker() *PeerTracker {
	return &PeerTracker{}
}

// MarkOnline records the remote identity as present. Returns true if this
// changed the tracked status (a fresh join rather than a repeat).
func (t *PeerTracker) MarkOnline(identity string) bool {
	t.mu.Lock()
	changed := !t.peer.Online || t.peer.Identity != identity
	t.peer = PeerStatus{Identity: identity, Online: true, LastSeen: time.Now()}
	status := t.peer
	t.mu.Unlock()
	if changed {
		t.notify(status)
	}
	return changed
}

// MarkOffline records the remote identity as gone. A leave for an identity
// that was never seen online is ignored.
func (t *PeerTracker) MarkOffline(identity string) bool {
	t.mu.Lock()
	if t.peer.Identity != identity || !t.peer.Online {
		t.mu.Unlock()
		return false
	}
	t.peer.Online = false
	status := t.peer
	t.mu.Unlock()
	t.notify(status)
	return true
}

// Status returns the last known remote status. The identity stays known
// after the peer goes offline.
func (t *PeerTracker) Status() PeerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

func (t *PeerTracker) Subscribe() chan PeerStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerStatus, 8)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTracker) Unsubscribe(ch chan PeerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Close drops all listeners.
func (t *PeerTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, listener := range t.listeners {
		close(listener)
	}
	t.listeners = nil
}

func (t *PeerTracker) notify(status PeerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.listeners {
		select {
		case ch <- status:
		default:
		}
	}
}
