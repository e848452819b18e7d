// Package session orchestrates one watch-together session: it owns the
// event loop that serializes remote events, player callbacks and the
// heartbeat onto the reconciler, and it wires chat, presence and the
// media fingerprint into the same room subscription.
package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"duet/internal/chat"
	"duet/internal/media"
	"duet/internal/player"
	"duet/internal/proto"
	"duet/internal/state"
	dsync "duet/internal/sync"
	"duet/internal/transport"
)

var log = logging.Logger("session")

// Mode selects how the room key is derived and whether file identity
// checking applies.
type Mode string

const (
	// ModeCloud pairs peers watching the same cloud video. No file hashes
	// are exchanged.
	ModeCloud Mode = "cloud"

	// ModeLocal pairs peers by a user-chosen room name, each playing a
	// device-local copy of the file.
	ModeLocal Mode = "local"
)

// Options configures a session. An option set that yields no room key
// (cloud without a video ID, local without a room name) is not an error:
// the session runs solo and never connects.
type Options struct {
	Identity  string
	Mode      Mode
	VideoID   string // cloud mode
	RoomName  string // local mode
	MediaPath string // local mode, optional
}

func (o Options) roomKey() string {
	switch o.Mode {
	case ModeCloud:
		if o.VideoID == "" {
			return ""
		}
		return proto.CloudRoomKey(o.VideoID)
	case ModeLocal:
		if proto.NormalizeRoomName(o.RoomName) == "" {
			return ""
		}
		return proto.LocalRoomKey(o.RoomName)
	}
	return ""
}

// noticeBacklog caps how many notices RecentNotices retains.
const noticeBacklog = 32

// Session is one running watch-together session. Construct with New,
// attach a player, then Start. All protocol work happens on a single
// event-loop goroutine; the exported methods are safe to call from any
// goroutine.
type Session struct {
	opts   Options
	joiner transport.Joiner

	pl     player.Player
	engine *dsync.Engine
	rec    *dsync.Reconciler
	chat   *chat.Log
	peers  *state.PeerTracker

	ctx    context.Context
	cancel context.CancelFunc

	events chan func()
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu           sync.Mutex
	notices      []dsync.Notice
	noticeCh     chan dsync.Notice
	peerChatOpen bool
}

// New prepares a session over the given transport. Nothing runs until
// Start.
func New(opts Options, joiner transport.Joiner) *Session {
	s := &Session{
		opts:     opts,
		joiner:   joiner,
		chat:     chat.NewLog(),
		peers:    state.NewPeerTracker(),
		events:   make(chan func(), 64),
		done:     make(chan struct{}),
		noticeCh: make(chan dsync.Notice, noticeBacklog),
	}
	s.engine = dsync.NewEngine(joiner, opts.roomKey(), opts.Identity)
	return s
}

// AttachPlayer installs the playback engine. Must be called before Start.
func (s *Session) AttachPlayer(p player.Player) {
	s.pl = p
	s.rec = dsync.NewReconciler(p, s.onNotice)
}

// PlayerEvents returns the callback set the player adapter must be wired
// with. The callbacks translate user actions into protocol events; echoes
// of programmatic commands are swallowed by the suppression window.
func (s *Session) PlayerEvents() player.Events {
	return player.Events{
		OnPlay: func(t float64) {
			s.do(func() {
				if s.rec.Suppressing() {
					return
				}
				s.engine.EmitPlaybackState(s.ctx, proto.VerbPlaying, t)
			})
		},
		OnPause: func(t float64) {
			s.do(func() {
				if s.rec.Suppressing() {
					return
				}
				s.engine.EmitPlaybackState(s.ctx, proto.VerbPaused, t)
			})
		},
		OnSeeked: func(t float64) {
			s.do(func() {
				if s.rec.Suppressing() {
					return
				}
				s.engine.EmitPlaybackState(s.ctx, proto.VerbSeeked, t)
			})
		},
		// Stalls are real regardless of what caused the playhead to move,
		// so buffering is never suppressed.
		OnBufferingStart: func() {
			s.do(func() {
				s.rec.SetLocalBuffering(true)
				s.engine.EmitBufferState(s.ctx, true)
			})
		},
		OnBufferingEnd: func() {
			s.do(func() {
				s.rec.SetLocalBuffering(false)
				s.engine.EmitBufferState(s.ctx, false)
			})
		},
	}
}

// Start fingerprints the local file if there is one, opens the room
// subscription and begins the event loop. On connect the session asks the
// peer for its current state so a late joiner lands mid-movie, not at 0:00.
func (s *Session) Start(ctx context.Context) error {
	if s.pl == nil {
		panic("session: Start before AttachPlayer")
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.opts.Mode == ModeLocal && s.opts.MediaPath != "" {
		if err := s.armLocalFile(); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go s.run()

	s.engine.SetHandlers(s.handlers())
	if err := s.engine.Open(ctx); err != nil {
		return err
	}

	if s.engine.Connected() {
		s.do(func() {
			s.announceFile()
			s.engine.EmitRequestState(s.ctx)
		})
	}
	return nil
}

func (s *Session) armLocalFile() error {
	hash, err := media.Fingerprint(s.opts.MediaPath)
	if err != nil {
		return err
	}
	name := filepath.Base(s.opts.MediaPath)
	s.rec.SetLocalFile(hash, name)

	// The file may still be downloading; re-announce when it settles.
	return media.Watch(s.ctx, s.opts.MediaPath, func(hash string) {
		s.do(func() {
			s.rec.SetLocalFile(hash, name)
			s.announceFile()
		})
	})
}

// announceFile publishes the local fingerprint, if one is armed. Called
// from the event loop only.
func (s *Session) announceFile() {
	hash, name := s.rec.LocalFile()
	if hash == "" {
		return
	}
	s.engine.EmitFileHash(s.ctx, hash, name)
}

func (s *Session) handlers() dsync.Handlers {
	return dsync.Handlers{
		PlaybackState: func(ev proto.Event, ps proto.PlaybackState) {
			s.do(func() { s.rec.ApplyPlaybackState(ps) })
		},
		BufferState: func(ev proto.Event, bs proto.BufferState) {
			s.do(func() { s.rec.ApplyBufferState(bs) })
		},
		TimeSync: func(ev proto.Event, ts proto.TimeSync) {
			s.do(func() { s.rec.ApplyTimeSync(ts) })
		},
		ChatMessage: func(ev proto.Event, cm proto.ChatMessage) {
			s.chat.Append(chat.Message{ID: cm.ID, From: ev.Sender, Text: cm.Text, Timestamp: ev.TS})
		},
		ChatUIState: func(ev proto.Event, cu proto.ChatUIState) {
			s.mu.Lock()
			s.peerChatOpen = cu.IsOpen
			s.mu.Unlock()
		},
		RequestState: func(ev proto.Event) {
			s.do(s.answerStateRequest)
		},
		FileHash: func(ev proto.Event, fh proto.FileHash) {
			s.do(func() { s.rec.ApplyFileHash(fh) })
		},
		Presence: func(pe transport.PresenceEvent) {
			if !pe.Online {
				s.peers.MarkOffline(pe.Key)
				return
			}
			if s.peers.MarkOnline(pe.Key) {
				log.Infof("peer %s joined", pe.Key)
				// The newcomer missed our startup announcement. Playback
				// state is not pushed here: the joiner asks for it with
				// request_state, which keeps a fresh 0:00 player from
				// overriding a session already in progress.
				s.do(s.announceFile)
			}
		},
	}
}

// answerStateRequest emits an authoritative snapshot of the local player.
// Called from the event loop only.
func (s *Session) answerStateRequest() {
	verb := proto.VerbPaused
	if s.pl.IsPlaying() {
		verb = proto.VerbPlaying
	}
	s.engine.EmitPlaybackState(s.ctx, verb, s.pl.CurrentTime())
	s.announceFile()
}

func (s *Session) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(dsync.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.events:
			fn()
		case <-ticker.C:
			if s.pl.IsPlaying() {
				s.engine.EmitTimeSync(s.ctx, s.pl.CurrentTime(), true)
			}
		}
	}
}

// do schedules fn on the event loop. After Close it is a no-op.
func (s *Session) do(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *Session) onNotice(n dsync.Notice) {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	if len(s.notices) > noticeBacklog {
		s.notices = s.notices[len(s.notices)-noticeBacklog:]
	}
	s.mu.Unlock()
	select {
	case s.noticeCh <- n:
	default:
	}
}

// SendChat appends a locally authored message to the transcript and relays
// it to the peer.
func (s *Session) SendChat(text string) chat.Message {
	msg := chat.New(s.opts.Identity, text)
	s.chat.Append(msg)
	s.do(func() { s.engine.EmitChatMessage(s.ctx, msg.ID, msg.Text) })
	return msg
}

// SetChatOpen relays the local chat panel state to the peer.
func (s *Session) SetChatOpen(open bool) {
	s.do(func() { s.engine.EmitChatUIState(s.ctx, open) })
}

// PeerChatOpen reports whether the peer last declared its chat panel open.
func (s *Session) PeerChatOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChatOpen
}

// DismissMismatch clears the file-mismatch warning.
func (s *Session) DismissMismatch() {
	s.do(func() { s.rec.DismissMismatch() })
}

// Chat exposes the transcript for UIs to subscribe to.
func (s *Session) Chat() *chat.Log { return s.chat }

// Peers exposes the remote-presence tracker.
func (s *Session) Peers() *state.PeerTracker { return s.peers }

// Notices streams reconciler notices. The channel is never closed; drain
// stops mattering once the session is closed.
func (s *Session) Notices() <-chan dsync.Notice { return s.noticeCh }

// RecentNotices returns the retained notice history, oldest first.
func (s *Session) RecentNotices() []dsync.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dsync.Notice(nil), s.notices...)
}

// Connected reports whether the room subscription is open.
func (s *Session) Connected() bool { return s.engine.Connected() }

// Close stops the event loop and tears down the subscription. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cancelIfStarted()
		s.engine.Close()
		s.wg.Wait()
		s.chat.Close()
		s.peers.Close()
	})
}

func (s *Session) cancelIfStarted() {
	if s.cancel != nil {
		s.cancel()
	}
}
