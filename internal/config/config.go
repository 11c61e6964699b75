// Package config loads the lobby's YAML configuration tree. Keys match
// spec §6 exactly; missing numeric keys fall back to the hard caps the
// spec names (1000, 10, 100, 64) rather than zero.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Hard-cap fallbacks applied when the corresponding YAML key is absent/zero.
const (
	HardCapMaxPlayer        = 1000
	HardCapMaxChannel       = 10
	HardCapMaxChannelPlayer = 100
	HardCapMaxServer        = 64
)

// Lobby holds the settings shared by the account server and session server.
type Lobby struct {
	// Network
	AddrListen  string `yaml:"addr_listen"`
	AddrAccount string `yaml:"addr_account"`
	AddrServer  string `yaml:"addr_server"`

	// Capacity
	MaxPlayer        int `yaml:"max_player"`
	MaxChannel       int `yaml:"max_channel"`
	MaxChannelPlayer int `yaml:"max_channel_player"`
	MaxServer        int `yaml:"max_server"`

	// Feeds
	EnablePlayerList bool `yaml:"enable_player_list"`
	EnableGameList   bool `yaml:"enable_game_list"`
	EnableChannel    bool `yaml:"enable_channel"`
	NeedPlayerList   bool `yaml:"need_player_list"`
	NeedGameList     bool `yaml:"need_game_list"`
	NeedMessage      bool `yaml:"need_message"`

	// Protocol version this server enforces on Login.
	VersionMajor int `yaml:"version_major"`
	VersionMinor int `yaml:"version_minor"`

	// Flood protection settings, carried from the teacher's listener config
	// (see SPEC_FULL.md "Supplemented features"). They are loaded but nothing
	// reads them: no accept path enforces them.
	FloodProtection    bool `yaml:"flood_protection"`
	MaxConnectionPerIP int  `yaml:"max_connection_per_ip"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Metrics
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Lobby config with the spec's hard-cap fallbacks and
// sane network defaults.
func Default() Lobby {
	return Lobby{
		AddrListen:         "0.0.0.0:5555",
		AddrAccount:        "127.0.0.1:5556",
		AddrServer:         "0.0.0.0:5557",
		MaxPlayer:          HardCapMaxPlayer,
		MaxChannel:         HardCapMaxChannel,
		MaxChannelPlayer:   HardCapMaxChannelPlayer,
		MaxServer:          HardCapMaxServer,
		EnablePlayerList:   true,
		EnableGameList:     true,
		EnableChannel:      true,
		NeedPlayerList:     false,
		NeedGameList:       false,
		NeedMessage:        false,
		VersionMajor:       1,
		VersionMinor:       0,
		FloodProtection:    true,
		MaxConnectionPerIP: 50,
		LogLevel:           "info",
		MetricsAddr:        "127.0.0.1:9090",
	}
}

// Load reads a YAML file at path, overlaying it onto Default(). A missing
// file is not an error; Default() is returned unchanged. Zero-valued
// capacity fields after the overlay fall back to the spec's hard caps.
func Load(path string) (Lobby, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyHardCaps(&cfg)
	return cfg, nil
}

func applyHardCaps(cfg *Lobby) {
	if cfg.MaxPlayer <= 0 {
		cfg.MaxPlayer = HardCapMaxPlayer
	}
	if cfg.MaxChannel <= 0 {
		cfg.MaxChannel = HardCapMaxChannel
	}
	if cfg.MaxChannelPlayer <= 0 {
		cfg.MaxChannelPlayer = HardCapMaxChannelPlayer
	}
	if cfg.MaxServer <= 0 {
		cfg.MaxServer = HardCapMaxServer
	}
}
