// Package config holds the runtime settings. Sources stack in order:
// built-in defaults, then a JSON file if one exists, then command-line
// flags. Later sources win.
package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tronsfer/tronsfer/internal/presence"
)

type Config struct {
	Nickname      string   `json:"nickname"`
	BrokerURL     string   `json:"broker_url"`
	PresenceTopic string   `json:"presence_topic"`
	STUNServers   []string `json:"stun_servers"`

	AutoAccept       bool `json:"auto_accept"`
	MediaVault       bool `json:"media_vault"`
	AutoVanish       bool `json:"auto_vanish"`
	SmartCompression bool `json:"smart_compression"`

	VaultPath string `json:"vault_path"`
	Verbose   bool   `json:"verbose"`
}

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

func (c *Config) LoadDefaults() {
	c.Nickname = ""
	c.BrokerURL = presence.DefaultBrokerURL
	c.PresenceTopic = presence.DefaultTopic
	c.STUNServers = append([]string{}, defaultSTUNServers...)
	c.AutoAccept = false
	c.MediaVault = true
	c.AutoVanish = false
	c.SmartCompression = true
	c.VaultPath = defaultVaultPath()
	c.Verbose = false
}

// Load builds a Config from defaults overlaid with the JSON file at
// path. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = append([]string{}, defaultSTUNServers...)
	}
	return cfg, nil
}

// Save writes the config back as indented JSON, creating the parent
// directory if needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultPath() string {
	return filepath.Join(configDir(), "config.json")
}

func defaultVaultPath() string {
	return filepath.Join(configDir(), "vault.sqlite3")
}

func configDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "tronsfer")
}
