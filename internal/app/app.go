// Package app wires config, transport, player and session into a running
// headless client and owns its lifecycle.
package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"duet/internal/config"
	"duet/internal/player"
	"duet/internal/session"
	"duet/internal/transport"
)

var log = logging.Logger("app")

// Options carries everything Run needs.
type Options struct {
	CfgPath string
	Cfg     config.Config
}

// Run starts the client and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Cfg
	if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}

	node, err := transport.NewNode(ctx, transport.NodeConfig{
		KeyFile:     cfg.Identity.KeyFile,
		ListenPort:  cfg.P2P.ListenPort,
		MdnsTag:     cfg.P2P.MdnsTag,
		StaticPeers: cfg.P2P.StaticPeers,
		PresenceTTL: time.Duration(cfg.P2P.PresenceTTLSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()
	log.Infof("node %s up", node.ID())
	for _, a := range node.Addrs() {
		log.Debugf("listening on %s", a)
	}

	s := session.New(cfg.SessionOptions(), node)

	pl, closePlayer, err := buildPlayer(cfg.Player, s.PlayerEvents())
	if err != nil {
		return err
	}
	defer closePlayer()
	s.AttachPlayer(pl)

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer s.Close()

	if s.Connected() {
		log.Infof("in room as %s, waiting for the other side", cfg.Identity.Name)
	} else {
		log.Infof("no room configured, playing solo")
	}

	go echoChat(ctx, s, cfg.Identity.Name)
	go echoNotices(ctx, s)
	go echoPresence(ctx, s)
	go readChatInput(ctx, s)

	<-ctx.Done()
	return nil
}

func buildPlayer(cfg config.Player, events player.Events) (player.Player, func(), error) {
	switch cfg.Kind {
	case "mpv":
		m, err := player.ConnectMPV(cfg.MpvSocket, events)
		if err != nil {
			return nil, nil, fmt.Errorf("connect mpv: %w", err)
		}
		return m, func() { m.Close() }, nil
	case "bridge":
		b := player.NewBridge(cfg.BridgeAddr, events)
		if err := b.Start(); err != nil {
			return nil, nil, fmt.Errorf("start player bridge: %w", err)
		}
		return b, func() { b.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown player kind %q", cfg.Kind)
}

// echoChat prints remote chat messages to stdout.
func echoChat(ctx context.Context, s *session.Session, self string) {
	ch := s.Chat().Subscribe()
	defer s.Chat().Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.From == self {
				continue
			}
			fmt.Printf("[%s] %s\n", msg.From, msg.Text)
		}
	}
}

func echoNotices(ctx context.Context, s *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-s.Notices():
			if !n.Active {
				continue
			}
			switch {
			case n.Detail != "":
				fmt.Printf("* %s: %s\n", n.Kind, n.Detail)
			default:
				fmt.Printf("* %s\n", n.Kind)
			}
		}
	}
}

func echoPresence(ctx context.Context, s *session.Session) {
	ch := s.Peers().Subscribe()
	defer s.Peers().Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			if st.Online {
				fmt.Printf("* %s joined\n", st.Identity)
			} else {
				fmt.Printf("* %s left\n", st.Identity)
			}
		}
	}
}

// readChatInput turns stdin lines into chat messages. EOF just stops chat
// input; the session keeps running.
func readChatInput(ctx context.Context, s *session.Session) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		s.SendChat(text)
	}
}
