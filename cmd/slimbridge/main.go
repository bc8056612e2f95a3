// SPDX-License-Identifier: MIT

// Command slimbridge runs one SlimProto controller per configured virtual
// player, under a supervision tree. Each controller discovers (or is told)
// the LMS server, keeps the control channel alive, and drives its
// collaborators as the server directs playback.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/slimbridge-go/internal/config"
	"github.com/tomtom215/slimbridge-go/internal/menu"
	"github.com/tomtom215/slimbridge-go/internal/mime"
	"github.com/tomtom215/slimbridge-go/internal/player"
	"github.com/tomtom215/slimbridge-go/internal/slimproto"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	GitCommit = "none"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "slimbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("slimbridge", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", config.DefaultPath, "path to the configuration file")
	logLevel := flags.String("log-level", "", "override the configured log level")
	setup := flags.Bool("setup", false, "run the interactive setup wizard and exit")
	accessible := flags.Bool("accessible", false, "screen-reader friendly setup prompts")
	listPlayers := flags.Bool("list-players", false, "print the configured players and exit")
	version := flags.BoolP("version", "v", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if *version {
		fmt.Printf("slimbridge %s (%s)\n", Version, GitCommit)
		return nil
	}
	if *setup {
		return menu.Setup(*configPath, *accessible)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	if *listPlayers {
		return printPlayers(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := suture.New("slimbridge", suture.Spec{
		EventHook: func(ev suture.Event) {
			log.Warn("supervisor event", "event", ev.String())
		},
	})

	for key, p := range cfg.Players {
		ctrl, err := buildController(cfg, p, log)
		if err != nil {
			return fmt.Errorf("player %s: %w", key, err)
		}
		sup.Add(ctrl)
		log.Info("player registered", "player", p.Name)
	}

	log.Info("starting", "version", Version, "server", cfg.Server, "players", len(cfg.Players))
	err = sup.Serve(ctx)
	if err != nil && ctx.Err() != nil {
		// Normal shutdown path.
		log.Info("stopped")
		return nil
	}
	return err
}

// buildController maps a player config section onto a controller. The
// collaborator set is the discard chain: the control channel is fully
// driven, decoded audio is not produced here.
func buildController(cfg *config.Config, p config.PlayerConfig, log *slog.Logger) (*slimproto.Controller, error) {
	mac, err := p.HardwareAddr()
	if err != nil {
		return nil, err
	}
	return slimproto.New(slimproto.Config{
		Name:         p.Name,
		MAC:          mac,
		ServerAddr:   cfg.Server,
		Mode:         p.Mode,
		SampleRate:   p.SampleRate,
		Codecs:       p.Codecs,
		SendICY:      p.SendICY,
		RawAudio:     rawAudio(p.RawAudioFormat),
		L24Trunc:     p.L24Format != "",
		OutputBuf:    p.OutputbufSize,
		StreamBuf:    p.StreambufSize,
		StreamLength: p.StreamLength,
		BridgeHost:   cfg.Bridge.Host,
		BridgePort:   cfg.Bridge.Port,
	}, player.Discard(log), log)
}

// rawAudio picks the advertised container for uncompressed audio. When both
// wav and aif are allowed, wav wins.
func rawAudio(s string) mime.RawAudio {
	switch {
	case s == "":
		return mime.RawL16
	case containsToken(s, "wav"):
		return mime.RawWAV
	case containsToken(s, "aif"):
		return mime.RawAIFF
	default:
		return mime.RawL16
	}
}

func containsToken(list, want string) bool {
	for _, tok := range strings.Split(list, ",") {
		if strings.TrimSpace(tok) == want {
			return true
		}
	}
	return false
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           lvl,
	})
	return slog.New(handler), nil
}

func printPlayers(cfg *config.Config) error {
	keys := make([]string, 0, len(cfg.Players))
	for k := range cfg.Players {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := cfg.Players[k]
		mac, err := p.HardwareAddr()
		if err != nil {
			return err
		}
		fmt.Printf("%-16s %s  %02x:%02x:%02x:%02x:%02x:%02x  mode=%s\n",
			k, p.Name, mac[0], mac[1], mac[2], mac[3], mac[4], mac[5], p.Mode)
	}
	return nil
}
