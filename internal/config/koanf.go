// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the default location of the configuration file.
const DefaultPath = "/etc/slimbridge/config.yaml"

// envPrefix scopes the environment overrides (SLIMBRIDGE_*).
const envPrefix = "SLIMBRIDGE"

// Load reads the configuration from the YAML file and applies SLIMBRIDGE_*
// environment overrides on top, then fills defaults and validates.
//
// Override examples:
//
//	SLIMBRIDGE_SERVER=192.168.1.5
//	SLIMBRIDGE_BRIDGE_PORT=9000
//	SLIMBRIDGE_PLAYERS_KITCHEN_SAMPLE_RATE=48000
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := k.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// envProvider maps SLIMBRIDGE_SECTION_FIELD variables onto config keys.
// Player fields need one extra level: SLIMBRIDGE_PLAYERS_<ID>_<FIELD> maps
// to players.<id>.<field>, recognised by matching the known field suffixes.
func envProvider() koanf.Provider {
	playerFields := []string{
		"_name", "_mac", "_mode", "_sample_rate", "_codecs", "_send_icy",
		"_raw_audio_format", "_l24_format", "_outputbuf_size",
		"_streambuf_size", "_stream_length",
	}
	return env.Provider(".", env.Opt{
		Prefix: envPrefix + "_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix+"_"))

			if rest, ok := strings.CutPrefix(key, "players_"); ok {
				for _, field := range playerFields {
					if id, ok := strings.CutSuffix(rest, field); ok && id != "" {
						return "players." + id + "." + strings.TrimPrefix(field, "_"), value
					}
				}
				return "players." + rest, value
			}
			if rest, ok := strings.CutPrefix(key, "bridge_"); ok {
				return "bridge." + rest, value
			}
			return key, value
		},
	})
}
