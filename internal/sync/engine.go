// Package sync implements the two-party playback synchronization protocol:
// the engine that owns the room subscription and the reconciler that turns
// remote events into local player commands.
//
// The protocol has no leader and no vector clocks. Every playback_state
// event is applied unconditionally and the periodic time_sync heartbeat is
// the only drift-correcting mechanism. When both peers act within the same
// interval the last arrival wins, which can flicker; that is a known
// limitation of the protocol, not something this package papers over.
package sync

import (
	"context"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"

	"duet/internal/proto"
	"duet/internal/transport"
)

var log = logging.Logger("sync")

// Handlers receives decoded remote events, one callback per event kind. Nil
// callbacks drop their kind. The registry is mutable: SetHandlers swaps it
// and dispatch reads it per event, so handlers can be replaced while the
// subscription stays open.
type Handlers struct {
	PlaybackState func(proto.Event, proto.PlaybackState)
	BufferState   func(proto.Event, proto.BufferState)
	TimeSync      func(proto.Event, proto.TimeSync)
	ChatMessage   func(proto.Event, proto.ChatMessage)
	ChatUIState   func(proto.Event, proto.ChatUIState)
	RequestState  func(proto.Event)
	FileHash      func(proto.Event, proto.FileHash)
	Presence      func(transport.PresenceEvent)
}

// Engine owns exactly one room subscription. It filters self-originated
// events, dispatches the rest by kind, and exposes the emit primitives the
// orchestrator publishes through. Emits before Open or after Close are
// silently dropped; the protocol is best-effort and session-scoped, so
// nothing is queued.
type Engine struct {
	joiner   transport.Joiner
	roomKey  string
	identity string

	mu       sync.RWMutex
	handlers Handlers

	ch        transport.Channel
	connected atomic.Bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewEngine prepares an engine for the given room and identity. Nothing is
// subscribed until Open.
func NewEngine(j transport.Joiner, roomKey, identity string) *Engine {
	return &Engine{joiner: j, roomKey: roomKey, identity: identity}
}

// SetHandlers replaces the dispatch registry.
func (e *Engine) SetHandlers(h Handlers) {
	e.mu.Lock()
	e.handlers = h
	e.mu.Unlock()
}

// Open establishes the room subscription and announces local presence.
// With an empty room key or identity no subscription is attempted and the
// engine stays disconnected. A transport failure likewise leaves the engine
// disconnected; there is no retry at this layer.
func (e *Engine) Open(ctx context.Context) error {
	if e.roomKey == "" || e.identity == "" {
		log.Debugf("not opening: room key or identity missing")
		return nil
	}
	ch, err := e.joiner.Join(ctx, e.roomKey)
	if err != nil {
		log.Warnf("join %s failed: %v", e.roomKey, err)
		return err
	}
	e.ch = ch
	if err := ch.Track(ctx, e.identity); err != nil {
		log.Warnf("presence announce failed: %v", err)
	}
	e.connected.Store(true)

	e.wg.Add(2)
	go e.readLoop()
	go e.presenceLoop()
	log.Infof("connected to %s as %s", e.roomKey, e.identity)
	return nil
}

// Connected reports whether the room subscription is open.
func (e *Engine) Connected() bool { return e.connected.Load() }

// Identity returns the local identity events are filtered against.
func (e *Engine) Identity() string { return e.identity }

// Close tears the subscription down and waits for dispatch to drain.
// Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.connected.Store(false)
		if e.ch != nil {
			_ = e.ch.Close()
		}
		e.wg.Wait()
	})
}

// Emit publishes an event to the room. Dropped silently when disconnected.
func (e *Engine) Emit(ctx context.Context, ev proto.Event) {
	if !e.connected.Load() {
		return
	}
	if err := e.ch.Publish(ctx, ev.Encode()); err != nil {
		// Best effort; the heartbeat re-converges state if this mattered.
		log.Warnf("emit %s failed: %v", ev.Kind, err)
	}
}

func (e *Engine) EmitPlaybackState(ctx context.Context, state proto.Verb, seconds float64) {
	e.Emit(ctx, proto.NewPlaybackState(e.identity, state, seconds))
}

func (e *Engine) EmitBufferState(ctx context.Context, buffering bool) {
	e.Emit(ctx, proto.NewBufferState(e.identity, buffering))
}

func (e *Engine) EmitTimeSync(ctx context.Context, seconds float64, playing bool) {
	e.Emit(ctx, proto.NewTimeSync(e.identity, seconds, playing))
}

func (e *Engine) EmitChatMessage(ctx context.Context, id, text string) {
	e.Emit(ctx, proto.NewChatMessage(e.identity, id, text))
}

func (e *Engine) EmitChatUIState(ctx context.Context, open bool) {
	e.Emit(ctx, proto.NewChatUIState(e.identity, open))
}

func (e *Engine) EmitRequestState(ctx context.Context) {
	e.Emit(ctx, proto.NewRequestState(e.identity))
}

func (e *Engine) EmitFileHash(ctx context.Context, hash, fileName string) {
	e.Emit(ctx, proto.NewFileHash(e.identity, hash, fileName))
}

func (e *Engine) readLoop() {
	defer e.wg.Done()
	for msg := range e.ch.Messages() {
		ev, err := proto.Decode(msg.Data)
		if err != nil {
			// Malformed or foreign frame; not ours to complain about.
			log.Debugf("dropping frame: %v", err)
			continue
		}
		if ev.Sender == e.identity {
			continue // self-echo, the transport does not suppress loopback
		}
		e.dispatch(ev)
	}
}

func (e *Engine) presenceLoop() {
	defer e.wg.Done()
	for pe := range e.ch.PresenceEvents() {
		if pe.Key == e.identity {
			continue
		}
		e.mu.RLock()
		h := e.handlers.Presence
		e.mu.RUnlock()
		if h != nil {
			h(pe)
		}
	}
}

// dispatch decodes the payload for the event's kind and invokes the
// registered handler. Payloads that do not parse are dropped, as are
// unknown kinds: a newer peer may speak kinds this build has never heard of.
func (e *Engine) dispatch(ev proto.Event) {
	e.mu.RLock()
	h := e.handlers
	e.mu.RUnlock()

	switch ev.Kind {
	case proto.KindPlaybackState:
		var ps proto.PlaybackState
		if ev.DecodePayload(&ps) == nil && h.PlaybackState != nil {
			h.PlaybackState(ev, ps)
		}
	case proto.KindBufferState:
		var bs proto.BufferState
		if ev.DecodePayload(&bs) == nil && h.BufferState != nil {
			h.BufferState(ev, bs)
		}
	case proto.KindTimeSync:
		var ts proto.TimeSync
		if ev.DecodePayload(&ts) == nil && h.TimeSync != nil {
			h.TimeSync(ev, ts)
		}
	case proto.KindChatMessage:
		var cm proto.ChatMessage
		if ev.DecodePayload(&cm) == nil && h.ChatMessage != nil {
			h.ChatMessage(ev, cm)
		}
	case proto.KindChatUIState:
		var cu proto.ChatUIState
		if ev.DecodePayload(&cu) == nil && h.ChatUIState != nil {
			h.ChatUIState(ev, cu)
		}
	case proto.KindRequestState:
		if h.RequestState != nil {
			h.RequestState(ev)
		}
	case proto.KindFileHash:
		var fh proto.FileHash
		if ev.DecodePayload(&fh) == nil && h.FileHash != nil {
			h.FileHash(ev, fh)
		}
	default:
		log.Debugf("ignoring unknown event kind %q from %s", ev.Kind, ev.Sender)
	}
}
