package player

import (
	"fmt"
	"sync"
)

// Scripted is an in-memory Player for tests and dry runs. It records every
// command it receives and lets the caller play the part of the user by
// firing the same callbacks a real engine would.
type Scripted struct {
	mu       sync.Mutex
	events   Events
	time     float64
	playing  bool
	commands []string
}

func NewScripted() *Scripted {
	return &Scripted{}
}

// SetEvents installs the callback set, like handing a real adapter its
// event sink at construction.
func (s *Scripted) SetEvents(ev Events) {
	s.mu.Lock()
	s.events = ev
	s.mu.Unlock()
}

func (s *Scripted) Play() {
	s.mu.Lock()
	s.playing = true
	s.commands = append(s.commands, "play")
	s.mu.Unlock()
}

func (s *Scripted) Pause() {
	s.mu.Lock()
	s.playing = false
	s.commands = append(s.commands, "pause")
	s.mu.Unlock()
}

func (s *Scripted) SeekTo(seconds float64) {
	s.mu.Lock()
	s.time = seconds
	s.commands = append(s.commands, fmt.Sprintf("seek %.3f", seconds))
	s.mu.Unlock()
}

func (s *Scripted) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.time
}

func (s *Scripted) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// SetTime moves the playhead without recording a command, as if playback
// progressed on its own.
func (s *Scripted) SetTime(seconds float64) {
	s.mu.Lock()
	s.time = seconds
	s.mu.Unlock()
}

// Commands returns the recorded command sequence.
func (s *Scripted) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Reset clears the recorded command sequence.
func (s *Scripted) Reset() {
	s.mu.Lock()
	s.commands = nil
	s.mu.Unlock()
}

// UserPlay simulates the local user pressing play.
func (s *Scripted) UserPlay() {
	s.mu.Lock()
	s.playing = true
	t := s.time
	ev := s.events
	s.mu.Unlock()
	ev.play(t)
}

// UserPause simulates the local user pressing pause.
func (s *Scripted) UserPause() {
	s.mu.Lock()
	s.playing = false
	t := s.time
	ev := s.events
	s.mu.Unlock()
	ev.pause(t)
}

// UserSeek simulates the local user scrubbing.
func (s *Scripted) UserSeek(seconds float64) {
	s.mu.Lock()
	s.time = seconds
	ev := s.events
	s.mu.Unlock()
	ev.seeked(seconds)
}

// StartBuffering simulates the engine entering a stall.
func (s *Scripted) StartBuffering() {
	s.mu.Lock()
	ev := s.events
	s.mu.Unlock()
	ev.bufferingStart()
}

// EndBuffering simulates the engine recovering from a stall.
func (s *Scripted) EndBuffering() {
	s.mu.Lock()
	ev := s.events
	s.mu.Unlock()
	ev.bufferingEnd()
}
