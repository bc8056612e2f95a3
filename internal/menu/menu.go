// SPDX-License-Identifier: MIT

// Package menu provides the interactive first-run setup wizard, built on
// charmbracelet/huh. It collects the minimum viable configuration and
// writes the YAML file the daemon loads on startup.
package menu

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"gopkg.in/yaml.v3"

	"github.com/tomtom215/slimbridge-go/internal/config"
)

// Setup runs the wizard and writes the resulting configuration to path.
// The accessible flag switches huh into screen-reader friendly prompts.
func Setup(path string, accessible bool) error {
	var (
		server     = "?"
		bridgeHost string
		bridgePort = "8080"
		playerName = "SlimBridge"
		mode       = "flc"
		sendICY    = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("LMS server address").
				Description("IP address of the server, or ? to discover it on the LAN").
				Value(&server),
			huh.NewInput().
				Title("Bridge host").
				Description("Address the hardware players reach this machine at").
				Value(&bridgeHost).
				Validate(notEmpty),
			huh.NewInput().
				Title("Bridge port").
				Value(&bridgePort).
				Validate(validPort),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Player name").
				Value(&playerName).
				Validate(notEmpty),
			huh.NewSelect[string]().
				Title("Processing mode").
				Options(
					huh.NewOption("FLAC (compressed, lossless)", "flc"),
					huh.NewOption("PCM (uncompressed)", "pcm"),
					huh.NewOption("MP3 (compressed, lossy)", "mp3"),
					huh.NewOption("Pass-through", "thru"),
				).
				Value(&mode),
			huh.NewConfirm().
				Title("Forward ICY metadata?").
				Value(&sendICY),
		),
	).WithAccessible(accessible)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	port, _ := strconv.Atoi(bridgePort)
	cfg := config.Config{
		Server: server,
		Bridge: config.BridgeConfig{Host: bridgeHost, Port: port},
		Players: map[string]config.PlayerConfig{
			"default": {
				Name:    playerName,
				Mode:    mode,
				SendICY: sendICY,
			},
		},
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeConfig(path, &cfg)
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func notEmpty(s string) error {
	if s == "" {
		return fmt.Errorf("required")
	}
	return nil
}

func validPort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("not a valid port")
	}
	return nil
}
