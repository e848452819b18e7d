package sync

import (
	"fmt"
	"time"

	"duet/internal/player"
	"duet/internal/proto"
)

// Protocol constants. These are part of the protocol, not tunables: both
// peers must agree on them for convergence to behave.
const (
	// HeartbeatInterval is how often a playing peer emits time_sync.
	HeartbeatInterval = 3 * time.Second

	// DriftTolerance is the maximum playhead divergence a heartbeat
	// leaves uncorrected. Above it the local player hard-seeks to the
	// remote time; there is no gradual rate adjustment.
	DriftTolerance = 500 * time.Millisecond

	// EchoSuppressWindow is how long after a programmatic player command
	// the player's own echo events are ignored. Without it a remote
	// seek would be re-emitted as a local action and bounce between the
	// peers forever.
	EchoSuppressWindow = 250 * time.Millisecond
)

// NoticeKind names a user-visible condition the reconciler raises.
type NoticeKind string

const (
	// NoticeWaitingForPeer is active while the remote side is buffering.
	NoticeWaitingForPeer NoticeKind = "waiting_for_peer"

	// NoticeHashMatch fires once when the peers confirm they have the
	// same file.
	NoticeHashMatch NoticeKind = "hash_match"

	// NoticeHashMismatch stays active until dismissed. Advisory only;
	// playback is never blocked on it.
	NoticeHashMismatch NoticeKind = "hash_mismatch"
)

// Notice is a user-visible condition change. Active false clears the
// condition.
type Notice struct {
	Kind   NoticeKind
	Active bool
	Detail string
}

// Reconciler decides local player commands from remote events and the
// player's observable state. It is the authority on the anti-feedback
// suppression window: every command it issues stamps the window, and the
// orchestrator checks Suppressing before re-emitting player callbacks.
//
// Methods are not safe for concurrent use; the session event loop
// serializes all calls.
type Reconciler struct {
	player   player.Player
	onNotice func(Notice)
	now      func() time.Time // stubbed in tests

	localBuffering bool
	peerBuffering  bool

	localHash     string
	localFileName string
	mismatch      bool
	matchNotified bool

	suppressUntil time.Time
	lastApplied   proto.PlaybackState
	lastAppliedAt time.Time
}

// NewReconciler creates a reconciler driving p. onNotice may be nil.
func NewReconciler(p player.Player, onNotice func(Notice)) *Reconciler {
	return &Reconciler{player: p, onNotice: onNotice, now: time.Now}
}

// SetLocalFile arms local-file identity checking. Called at session start
// and again whenever the file is re-fingerprinted.
func (r *Reconciler) SetLocalFile(hash, fileName string) {
	r.localHash = hash
	r.localFileName = fileName
	r.matchNotified = false
}

// LocalFile returns the armed fingerprint, empty in cloud mode.
func (r *Reconciler) LocalFile() (hash, fileName string) {
	return r.localHash, r.localFileName
}

// SetLocalBuffering records the local engine entering or leaving a stall.
func (r *Reconciler) SetLocalBuffering(buffering bool) {
	r.localBuffering = buffering
}

// PeerBuffering reports whether the remote side last declared a stall.
func (r *Reconciler) PeerBuffering() bool { return r.peerBuffering }

// HashMismatch reports whether the last exchanged fingerprints differed.
func (r *Reconciler) HashMismatch() bool { return r.mismatch }

// DismissMismatch clears the mismatch notice. The underlying flag stays so
// a repeated identical file_hash does not resurrect the notice.
func (r *Reconciler) DismissMismatch() {
	r.notify(Notice{Kind: NoticeHashMismatch, Active: false})
}

// Suppressing reports whether player callbacks should currently be treated
// as echoes of a programmatic command rather than user actions.
func (r *Reconciler) Suppressing() bool {
	return r.now().Before(r.suppressUntil)
}

func (r *Reconciler) markSuppress() {
	r.suppressUntil = r.now().Add(EchoSuppressWindow)
}

// ApplyPlaybackState applies an authoritative transition. The peer who
// acted is right: no comparison against local time is made. A duplicate of
// the event just applied, arriving inside the suppression window, is
// dropped so redelivery cannot double-seek.
func (r *Reconciler) ApplyPlaybackState(ps proto.PlaybackState) {
	if ps == r.lastApplied && r.now().Before(r.lastAppliedAt.Add(EchoSuppressWindow)) {
		return
	}
	r.lastApplied = ps
	r.lastAppliedAt = r.now()
	r.markSuppress()

	switch ps.State {
	case proto.VerbPlaying:
		r.player.SeekTo(ps.Time)
		r.player.Play()
	case proto.VerbPaused:
		// Pause before seeking: seeking a playing engine shows a flash
		// of playback at the new position.
		r.player.Pause()
		r.player.SeekTo(ps.Time)
	case proto.VerbSeeked:
		r.player.SeekTo(ps.Time)
	}
}

// ApplyBufferState coordinates stalls. A buffering peer pauses us so
// neither side outruns the other; recovery resumes us only if we are not
// stalled ourselves.
func (r *Reconciler) ApplyBufferState(bs proto.BufferState) {
	r.peerBuffering = bs.IsBuffering
	if bs.IsBuffering {
		r.markSuppress()
		r.player.Pause()
		r.notify(Notice{Kind: NoticeWaitingForPeer, Active: true})
		return
	}
	r.notify(Notice{Kind: NoticeWaitingForPeer, Active: false})
	if !r.localBuffering {
		r.markSuppress()
		r.player.Play()
	}
}

// ApplyTimeSync performs drift correction against a heartbeat, then
// reconciles play/pause independently. Drift within tolerance leaves the
// playhead alone; beyond it the local player hard-seeks to the remote
// time. A failed seek is not retried here: the next heartbeat is the retry.
func (r *Reconciler) ApplyTimeSync(ts proto.TimeSync) {
	driftMs := (r.player.CurrentTime() - ts.Time) * 1000
	if driftMs < 0 {
		driftMs = -driftMs
	}
	if driftMs > float64(DriftTolerance.Milliseconds()) {
		r.markSuppress()
		r.player.SeekTo(ts.Time)
	}

	switch {
	case ts.State == proto.VerbPlaying && !r.player.IsPlaying():
		if !r.localBuffering && !r.peerBuffering {
			r.markSuppress()
			r.player.Play()
		}
	case ts.State == proto.VerbPaused && r.player.IsPlaying():
		r.markSuppress()
		r.player.Pause()
	}
}

// ApplyFileHash compares the peer's fingerprint with ours. Cloud sessions
// (no local file armed) ignore the event. Mismatch is advisory: the
// warning persists until dismissed but playback continues.
func (r *Reconciler) ApplyFileHash(fh proto.FileHash) {
	if r.localHash == "" {
		return
	}
	if fh.Hash == r.localHash {
		r.mismatch = false
		r.notify(Notice{Kind: NoticeHashMismatch, Active: false})
		if !r.matchNotified {
			r.matchNotified = true
			r.notify(Notice{Kind: NoticeHashMatch, Active: true, Detail: r.localFileName})
		}
		return
	}
	r.mismatch = true
	r.notify(Notice{
		Kind:   NoticeHashMismatch,
		Active: true,
		Detail: fmt.Sprintf("peer is watching %q, which differs from local %q", fh.FileName, r.localFileName),
	})
}

func (r *Reconciler) notify(n Notice) {
	if r.onNotice != nil {
		r.onNotice(n)
	}
}
