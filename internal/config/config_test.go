// SPDX-License-Identifier: MIT

package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	c := &Config{
		Server: "192.168.1.5",
		Bridge: BridgeConfig{Host: "192.168.1.10", Port: 8080},
		Players: map[string]PlayerConfig{
			"kitchen": {Name: "Kitchen"},
		},
	}
	c.Defaults()
	return c
}

func TestDefaults(t *testing.T) {
	c := &Config{
		Bridge:  BridgeConfig{Host: "h"},
		Players: map[string]PlayerConfig{"a": {}},
	}
	c.Defaults()

	if c.Server != "?" {
		t.Errorf("Server = %q, want ?", c.Server)
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", c.LogLevel)
	}
	if c.Bridge.Port != 8080 {
		t.Errorf("Bridge.Port = %d, want 8080", c.Bridge.Port)
	}

	p := c.Players["a"]
	if p.Name != "a" {
		t.Errorf("player Name = %q, want key fallback", p.Name)
	}
	if p.Mode != "flc" {
		t.Errorf("player Mode = %q, want flc", p.Mode)
	}
	if p.SampleRate != 48000 {
		t.Errorf("player SampleRate = %d, want 48000", p.SampleRate)
	}
	if p.OutputbufSize != 4*1024*1024 {
		t.Errorf("player OutputbufSize = %d", p.OutputbufSize)
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"no players", func(c *Config) { c.Players = nil }, "players"},
		{"no bridge host", func(c *Config) { c.Bridge.Host = "" }, "bridge.host"},
		{"bad bridge port", func(c *Config) { c.Bridge.Port = 99999 }, "bridge.port"},
		{"bad mac", func(c *Config) {
			p := c.Players["kitchen"]
			p.MAC = "zz:zz"
			c.Players["kitchen"] = p
		}, "mac"},
		{"bad sample rate", func(c *Config) {
			p := c.Players["kitchen"]
			p.SampleRate = 100
			c.Players["kitchen"] = p
		}, "sample_rate"},
		{"bad l24", func(c *Config) {
			p := c.Players["kitchen"]
			p.L24Format = "pad32"
			c.Players["kitchen"] = p
		}, "l24_format"},
		{"bad raw audio", func(c *Config) {
			p := c.Players["kitchen"]
			p.RawAudioFormat = "ogg"
			c.Players["kitchen"] = p
		}, "raw_audio_format"},
		{"tiny outputbuf", func(c *Config) {
			p := c.Players["kitchen"]
			p.OutputbufSize = 100
			c.Players["kitchen"] = p
		}, "outputbuf_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mod(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("Validate() accepted bad config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestHardwareAddrConfigured(t *testing.T) {
	p := PlayerConfig{MAC: "aa:bb:cc:dd:ee:01"}
	mac, err := p.HardwareAddr()
	if err != nil {
		t.Fatalf("HardwareAddr() error = %v", err)
	}
	want := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	if mac != want {
		t.Errorf("mac = %x, want %x", mac, want)
	}
}

func TestHardwareAddrDerived(t *testing.T) {
	p := PlayerConfig{Name: "Kitchen"}
	first, err := p.HardwareAddr()
	if err != nil {
		t.Fatalf("HardwareAddr() error = %v", err)
	}
	second, _ := p.HardwareAddr()
	if first != second {
		t.Error("derived MAC is not stable")
	}
	if first[0]&0x02 == 0 {
		t.Error("derived MAC is not locally administered")
	}
	if first[0]&0x01 != 0 {
		t.Error("derived MAC is a multicast address")
	}

	other, _ := PlayerConfig{Name: "Bedroom"}.HardwareAddr()
	if first == other {
		t.Error("different names derived the same MAC")
	}
}
