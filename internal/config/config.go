// SPDX-License-Identifier: MIT

// Package config defines the daemon configuration: the server binding, the
// bridge endpoint advertised in track URLs, and one section per virtual
// player.
package config

import (
	"crypto/md5"
	"fmt"
	"net"
	"strings"
)

// Config is the complete daemon configuration.
type Config struct {
	// Server is the LMS address, or "?" to auto-discover on the LAN.
	Server string `yaml:"server" koanf:"server"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" koanf:"log_level"`

	// Bridge is the HTTP endpoint the hardware players pull audio from;
	// it appears in every track URL handed upstream.
	Bridge BridgeConfig `yaml:"bridge" koanf:"bridge"`

	// Players contains one section per virtual player, keyed by a config
	// identifier.
	Players map[string]PlayerConfig `yaml:"players" koanf:"players"`
}

// BridgeConfig locates the upstream bridge.
type BridgeConfig struct {
	Host string `yaml:"host" koanf:"host"`
	Port int    `yaml:"port" koanf:"port"`
}

// PlayerConfig configures one virtual player.
type PlayerConfig struct {
	Name           string `yaml:"name" koanf:"name"`
	MAC            string `yaml:"mac" koanf:"mac"` // derived from the name when empty
	Mode           string `yaml:"mode" koanf:"mode"`
	SampleRate     int    `yaml:"sample_rate" koanf:"sample_rate"`
	Codecs         string `yaml:"codecs" koanf:"codecs"`
	SendICY        bool   `yaml:"send_icy" koanf:"send_icy"`
	RawAudioFormat string `yaml:"raw_audio_format" koanf:"raw_audio_format"` // wav and/or aif
	L24Format      string `yaml:"l24_format" koanf:"l24_format"`             // trunc16 | trunc16_pcm | ""
	OutputbufSize  int    `yaml:"outputbuf_size" koanf:"outputbuf_size"`
	StreambufSize  int    `yaml:"streambuf_size" koanf:"streambuf_size"`
	StreamLength   int    `yaml:"stream_length" koanf:"stream_length"`
}

// Defaults fills zero values with working defaults.
func (c *Config) Defaults() {
	if c.Server == "" {
		c.Server = "?"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Bridge.Port == 0 {
		c.Bridge.Port = 8080
	}
	for key, p := range c.Players {
		if p.Name == "" {
			p.Name = key
		}
		if p.Mode == "" {
			p.Mode = "flc"
		}
		if p.SampleRate == 0 {
			p.SampleRate = 48000
		}
		if p.Codecs == "" {
			p.Codecs = "flc,pcm,mp3,aac"
		}
		if p.OutputbufSize == 0 {
			p.OutputbufSize = 4 * 1024 * 1024
		}
		if p.StreambufSize == 0 {
			p.StreambufSize = 2 * 1024 * 1024
		}
		c.Players[key] = p
	}
}

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	if len(c.Players) == 0 {
		return fmt.Errorf("players: at least one player must be configured")
	}
	if c.Bridge.Host == "" {
		return fmt.Errorf("bridge.host: required")
	}
	if c.Bridge.Port < 1 || c.Bridge.Port > 65535 {
		return fmt.Errorf("bridge.port: %d out of range", c.Bridge.Port)
	}
	for key, p := range c.Players {
		if err := p.validate(); err != nil {
			return fmt.Errorf("players.%s: %w", key, err)
		}
	}
	return nil
}

func (p PlayerConfig) validate() error {
	if p.MAC != "" {
		if _, err := net.ParseMAC(p.MAC); err != nil {
			return fmt.Errorf("mac: %w", err)
		}
	}
	if p.SampleRate < 8000 || p.SampleRate > 384000 {
		return fmt.Errorf("sample_rate: %d out of range", p.SampleRate)
	}
	switch p.L24Format {
	case "", "trunc16", "trunc16_pcm":
	default:
		return fmt.Errorf("l24_format: unknown value %q", p.L24Format)
	}
	for _, tok := range strings.Split(p.RawAudioFormat, ",") {
		switch strings.TrimSpace(tok) {
		case "", "wav", "aif":
		default:
			return fmt.Errorf("raw_audio_format: unknown value %q", tok)
		}
	}
	if p.OutputbufSize < 64*1024 {
		return fmt.Errorf("outputbuf_size: %d too small", p.OutputbufSize)
	}
	return nil
}

// HardwareAddr resolves the player's MAC: the configured one, or a stable
// address derived from the player name. Derived addresses hash the name and
// set the locally-administered bit so they can never collide with real
// hardware.
func (p PlayerConfig) HardwareAddr() ([6]byte, error) {
	var mac [6]byte
	if p.MAC != "" {
		hw, err := net.ParseMAC(p.MAC)
		if err != nil {
			return mac, fmt.Errorf("mac %q: %w", p.MAC, err)
		}
		if len(hw) != 6 {
			return mac, fmt.Errorf("mac %q: not 48-bit", p.MAC)
		}
		copy(mac[:], hw)
		return mac, nil
	}
	sum := md5.Sum([]byte(p.Name))
	copy(mac[:], sum[:6])
	mac[0] = mac[0]&0xfe | 0x02
	return mac, nil
}
