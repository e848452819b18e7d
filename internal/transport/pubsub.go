package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("transport")

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// DefaultPresenceTTL is how long a tracked participant stays online without
// a fresh announcement. Announcements repeat at half this interval.
const DefaultPresenceTTL = 20 * time.Second

// Presence announcement types on the room's presence topic.
const (
	presOnline  = "online"
	presBeat    = "beat"
	presOffline = "offline"
)

type presenceMsg struct {
	Type string `json:"type"` // online|beat|offline
	Key  string `json:"key"`
	TS   int64  `json:"ts"`
}

// NodeConfig configures the libp2p host backing all room channels of this
// process.
type NodeConfig struct {
	KeyFile     string   // persistent Ed25519 identity, created on first run
	ListenPort  int      // 0 = ephemeral
	MdnsTag     string   // LAN discovery tag; both peers must agree
	StaticPeers []string // multiaddrs (with /p2p/ components) to dial on start
	PresenceTTL time.Duration
}

// Node owns one libp2p host and a GossipSub router. Join opens a Channel
// per room on top of them.
type Node struct {
	host host.Host
	ps   *pubsub.PubSub
	cfg  NodeConfig
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk, or generates a
// new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, fmt.Errorf("save identity key: %w", err)
	}
	return priv, nil
}

// NewNode starts the libp2p host, LAN discovery and the GossipSub router.
func NewNode(ctx context.Context, cfg NodeConfig) (*Node, error) {
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}

	priv, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	if cfg.MdnsTag != "" {
		md := mdns.NewMdnsService(h, cfg.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = h.Close()
			return nil, err
		}
	}

	for _, s := range cfg.StaticPeers {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Warnf("bad static peer %q: %v", s, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnf("static peer %q has no /p2p component: %v", s, err)
			continue
		}
		go func(pi peer.AddrInfo) {
			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := h.Connect(dialCtx, pi); err != nil {
				log.Warnf("dial static peer %s: %v", pi.ID, err)
			}
		}(*pi)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Infof("node up: %s", h.ID())
	return &Node{host: h, ps: ps, cfg: cfg}, nil
}

// ID returns the transport-level peer ID. Distinct from the session
// identity; the protocol never looks at it.
func (n *Node) ID() string { return n.host.ID().String() }

// Addrs returns the host's listen multiaddrs with the /p2p suffix, suitable
// for the other side's static_peers config.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

// Close shuts down the host. Channels joined from this node become unusable.
func (n *Node) Close() error { return n.host.Close() }

// Join subscribes to a room. Two topics back each room: the event topic for
// protocol frames and a presence topic for online/offline announcements.
// GossipSub delivers published frames to local subscribers too, so the
// channel is non-suppressing exactly like the Hub.
func (n *Node) Join(ctx context.Context, roomKey string) (Channel, error) {
	evTopic, err := n.ps.Join(roomKey)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", roomKey, err)
	}
	evSub, err := evTopic.Subscribe()
	if err != nil {
		_ = evTopic.Close()
		return nil, err
	}
	prTopic, err := n.ps.Join(roomKey + ".presence")
	if err != nil {
		evSub.Cancel()
		_ = evTopic.Close()
		return nil, err
	}
	prSub, err := prTopic.Subscribe()
	if err != nil {
		evSub.Cancel()
		_ = evTopic.Close()
		_ = prTopic.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &roomChannel{
		evTopic: evTopic,
		prTopic: prTopic,
		evSub:   evSub,
		prSub:   prSub,
		ttl:     n.cfg.PresenceTTL,
		msgs:    make(chan Message, 64),
		pres:    make(chan PresenceEvent, 16),
		seen:    make(map[string]time.Time),
		cancel:  cancel,
	}
	go c.readLoop(cctx)
	// The presence channel is closed once both writers are done.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.presenceLoop(cctx) }()
	go func() { defer wg.Done(); c.pruneLoop(cctx) }()
	go func() { wg.Wait(); close(c.pres) }()
	log.Debugf("joined room %s", roomKey)
	return c, nil
}

type roomChannel struct {
	evTopic *pubsub.Topic
	prTopic *pubsub.Topic
	evSub   *pubsub.Subscription
	prSub   *pubsub.Subscription
	ttl     time.Duration

	msgs chan Message
	pres chan PresenceEvent

	mu       sync.Mutex
	key      string // local identity once tracked
	seen     map[string]time.Time
	beatOnce sync.Once
	closed   bool

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *roomChannel) Publish(ctx context.Context, data []byte) error {
	return c.evTopic.Publish(ctx, data)
}

func (c *roomChannel) Track(ctx context.Context, key string) error {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
	if err := c.announce(ctx, presOnline, key); err != nil {
		return err
	}
	c.beatOnce.Do(func() { go c.beatLoop(key) })
	return nil
}

func (c *roomChannel) Messages() <-chan Message { return c.msgs }

func (c *roomChannel) PresenceEvents() <-chan PresenceEvent { return c.pres }

func (c *roomChannel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		key := c.key
		c.mu.Unlock()

		if key != "" {
			// Best effort; the TTL prune on the other side covers the
			// case where this frame is lost.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.announce(ctx, presOffline, key)
			cancel()
		}
		c.cancel()
		c.evSub.Cancel()
		c.prSub.Cancel()
		_ = c.evTopic.Close()
		_ = c.prTopic.Close()
	})
	return nil
}

func (c *roomChannel) announce(ctx context.Context, typ, key string) error {
	b, _ := json.Marshal(presenceMsg{Type: typ, Key: key, TS: time.Now().UnixMilli()})
	return c.prTopic.Publish(ctx, b)
}

func (c *roomChannel) beatLoop(key string) {
	t := time.NewTicker(c.ttl / 2)
	defer t.Stop()
	for range t.C {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.announce(ctx, presBeat, key)
		cancel()
	}
}

func (c *roomChannel) readLoop(ctx context.Context) {
	defer close(c.msgs)
	for {
		m, err := c.evSub.Next(ctx)
		if err != nil {
			return
		}
		select {
		case c.msgs <- Message{Data: m.Data}:
		default:
			log.Warn("room message dropped, receiver not draining")
		}
	}
}

func (c *roomChannel) presenceLoop(ctx context.Context) {
	for {
		m, err := c.prSub.Next(ctx)
		if err != nil {
			return
		}
		var pm presenceMsg
		if err := json.Unmarshal(m.Data, &pm); err != nil || pm.Key == "" {
			continue
		}
		switch pm.Type {
		case presOnline, presBeat:
			c.mu.Lock()
			_, known := c.seen[pm.Key]
			c.seen[pm.Key] = time.Now()
			c.mu.Unlock()
			if !known {
				c.emitPresence(PresenceEvent{Key: pm.Key, Online: true})
			}
		case presOffline:
			c.mu.Lock()
			_, known := c.seen[pm.Key]
			delete(c.seen, pm.Key)
			c.mu.Unlock()
			if known {
				c.emitPresence(PresenceEvent{Key: pm.Key, Online: false})
			}
		}
	}
}

// pruneLoop expires participants whose announcements stopped without an
// offline frame (crash, network partition).
func (c *roomChannel) pruneLoop(ctx context.Context) {
	t := time.NewTicker(c.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cutoff := time.Now().Add(-c.ttl)
			var gone []string
			c.mu.Lock()
			for key, last := range c.seen {
				if last.Before(cutoff) {
					delete(c.seen, key)
					gone = append(gone, key)
				}
			}
			c.mu.Unlock()
			for _, key := range gone {
				c.emitPresence(PresenceEvent{Key: key, Online: false})
			}
		}
	}
}

func (c *roomChannel) emitPresence(ev PresenceEvent) {
	select {
	case c.pres <- ev:
	default:
	}
}
