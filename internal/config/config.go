// Package config loads and validates the JSON configuration file. Missing
// fields fall back to defaults, so a minimal file only names what differs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"duet/internal/session"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Room     Room     `json:"room"`
	Player   Player   `json:"player"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// Name is the display identity events are tagged with. Both sides of a
	// session must use distinct names or self-echo filtering eats the
	// peer's events too.
	Name    string `json:"name"`
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort     int      `json:"listen_port"` // 0 = ephemeral
	MdnsTag        string   `json:"mdns_tag"`
	StaticPeers    []string `json:"static_peers"` // multiaddrs with /p2p/ component
	PresenceTTLSec int      `json:"presence_ttl_seconds"`
}

type Room struct {
	Mode      string `json:"mode"`       // cloud | local
	VideoID   string `json:"video_id"`   // cloud mode
	RoomName  string `json:"room_name"`  // local mode
	MediaFile string `json:"media_file"` // local mode, optional
}

type Player struct {
	Kind       string `json:"kind"`        // mpv | bridge
	MpvSocket  string `json:"mpv_socket"`  // kind=mpv
	BridgeAddr string `json:"bridge_addr"` // kind=bridge
}

type Log struct {
	Level string `json:"level"` // debug | info | warn | error
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort:     0,
			MdnsTag:        "duet-mdns",
			PresenceTTLSec: 20,
		},
		Room: Room{
			Mode: string(session.ModeCloud),
		},
		Player: Player{
			Kind:       "mpv",
			MpvSocket:  defaultMpvSocket(),
			BridgeAddr: "127.0.0.1:9110",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func defaultMpvSocket() string {
	if os.PathSeparator == '\\' {
		return `\\.\pipe\mpv-duet`
	}
	return filepath.Join(os.TempDir(), "mpv-duet.sock")
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.Name) == "" {
		return errors.New("identity.name is required")
	}
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if c.P2P.PresenceTTLSec <= 0 {
		return errors.New("p2p.presence_ttl_seconds must be > 0")
	}
	for _, s := range c.P2P.StaticPeers {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("p2p.static_peers: %q: %w", s, err)
		}
	}

	// Room
	switch session.Mode(c.Room.Mode) {
	case session.ModeCloud:
		if strings.TrimSpace(c.Room.RoomName) != "" || strings.TrimSpace(c.Room.MediaFile) != "" {
			return errors.New("room.room_name and room.media_file apply to mode local only")
		}
	case session.ModeLocal:
		if strings.TrimSpace(c.Room.RoomName) == "" {
			return errors.New("room.room_name is required in mode local")
		}
	default:
		return fmt.Errorf("room.mode must be %q or %q", session.ModeCloud, session.ModeLocal)
	}

	// Player
	switch c.Player.Kind {
	case "mpv":
		if strings.TrimSpace(c.Player.MpvSocket) == "" {
			return errors.New("player.mpv_socket is required for player.kind mpv")
		}
	case "bridge":
		if strings.TrimSpace(c.Player.BridgeAddr) == "" {
			return errors.New("player.bridge_addr is required for player.kind bridge")
		}
	default:
		return errors.New(`player.kind must be "mpv" or "bridge"`)
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

// SessionOptions derives the session configuration from the room section.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Identity:  c.Identity.Name,
		Mode:      session.Mode(c.Room.Mode),
		VideoID:   c.Room.VideoID,
		RoomName:  c.Room.RoomName,
		MediaPath: c.Room.MediaFile,
	}
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.Name = defaultName()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

func defaultName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "viewer"
}
