// Package player defines the playback engine boundary. The sync core only
// ever drives a Player through the five primitives below and observes it
// through the Events callbacks; everything else about decoding and
// rendering is the adapter's business.
package player

// Player is the local playback engine as the sync core sees it.
type Player interface {
	Play()
	Pause()
	SeekTo(seconds float64)
	CurrentTime() float64
	IsPlaying() bool
}

// Events are the callbacks a Player adapter fires. All of them originate
// from the engine itself, whether the cause was the local user or a
// programmatic command; the caller is responsible for telling those apart.
type Events struct {
	OnPlay           func(seconds float64)
	OnPause          func(seconds float64)
	OnSeeked         func(seconds float64)
	OnBufferingStart func()
	OnBufferingEnd   func()
}

func (e Events) play(t float64) {
	if e.OnPlay != nil {
		e.OnPlay(t)
	}
}

func (e Events) pause(t float64) {
	if e.OnPause != nil {
		e.OnPause(t)
	}
}

func (e Events) seeked(t float64) {
	if e.OnSeeked != nil {
		e.OnSeeked(t)
	}
}

func (e Events) bufferingStart() {
	if e.OnBufferingStart != nil {
		e.OnBufferingStart()
	}
}

func (e Events) bufferingEnd() {
	if e.OnBufferingEnd != nil {
		e.OnBufferingEnd()
	}
}
