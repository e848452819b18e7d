// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"duet/internal/app"
	"duet/internal/config"
	"duet/internal/session"
)

var (
	cfgPath  = flag.String("config", "duet.json", "Path to the configuration file (created if missing)")
	name     = flag.String("name", "", "Override identity.name")
	videoID  = flag.String("video", "", "Watch a cloud video: sets room.mode=cloud and room.video_id")
	roomName = flag.String("room", "", "Join a local-file room: sets room.mode=local and room.room_name")
	media    = flag.String("file", "", "Path to the local media file (local mode)")
	plKind   = flag.String("player", "", "Override player.kind (mpv or bridge)")
	logLevel = flag.String("log-level", "", "Override log.level")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("duet v%s\n", appVersion)
		return
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", *cfgPath)
	}

	applyOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{CfgPath: *cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Session failed: %v", err)
	}
}

// applyOverrides folds command-line flags into the loaded config. Flags win
// over the file; -video and -room also switch the room mode.
func applyOverrides(cfg *config.Config) {
	if *name != "" {
		cfg.Identity.Name = *name
	}
	if *videoID != "" {
		cfg.Room = config.Room{Mode: string(session.ModeCloud), VideoID: *videoID}
	}
	if *roomName != "" {
		cfg.Room = config.Room{Mode: string(session.ModeLocal), RoomName: *roomName, MediaFile: cfg.Room.MediaFile}
	}
	if *media != "" {
		cfg.Room.MediaFile = *media
	}
	if *plKind != "" {
		cfg.Player.Kind = *plKind
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
}
