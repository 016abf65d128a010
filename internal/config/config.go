package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full fanrelay configuration. A single YAML document
// configures both long-lived processes; each subcommand reads the sections
// it needs.
type Config struct {
	// Site is the observed origin. All interception allow-lists are scoped
	// to this origin; it is fixed at startup and never changes at runtime.
	Site SiteConfig `yaml:"site"`

	// Backend is the hub the agent maintains its persistent socket to.
	Backend BackendConfig `yaml:"backend"`

	// Bridge is the loopback listener page-side processes connect to.
	Bridge BridgeConfig `yaml:"bridge"`

	// Hub configures the `fanrelay hub` server process.
	Hub HubConfig `yaml:"hub"`

	// DataDir holds the local cache database and persisted state.
	DataDir string `yaml:"data_dir"`
}

// SiteConfig identifies the observed site.
type SiteConfig struct {
	Origin   string `yaml:"origin"`    // e.g. "https://onlyfans.com"
	WSPrefix string `yaml:"ws_prefix"` // e.g. "wss://ws2.onlyfans.com/ws3/"
}

// BackendConfig holds the agent's connection settings.
type BackendConfig struct {
	URL               string        `yaml:"url"`      // base URL, e.g. "ws://localhost:8000"
	UserID            string        `yaml:"user_id"`  // initial identity, may be corrected by the backend
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
}

// BridgeConfig holds the relay bridge listener settings.
type BridgeConfig struct {
	Addr string `yaml:"addr"` // loopback only, e.g. "127.0.0.1:8791"
}

// HubConfig holds the hub server settings.
type HubConfig struct {
	Addr string `yaml:"addr"` // e.g. ":8000"
	// CreatorID, when set, overrides the userId echoed back in
	// connection_ack so every extension converges on one identity.
	CreatorID string `yaml:"creator_id"`
	// CommandRate limits backend-issued commands per user (per minute).
	CommandRate int `yaml:"command_rate"`
}

// LoadFromBytes loads configuration from YAML bytes with environment
// variable expansion, then applies defaults.
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	return c, nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

func (c *Config) applyDefaults() {
	if c.Site.Origin == "" {
		c.Site.Origin = "https://onlyfans.com"
	}
	if c.Site.WSPrefix == "" {
		c.Site.WSPrefix = "wss://ws2.onlyfans.com/ws3/"
	}
	if c.Backend.URL == "" {
		c.Backend.URL = "ws://localhost:8000"
	}
	if c.Backend.KeepaliveInterval == 0 {
		c.Backend.KeepaliveInterval = 20 * time.Second
	}
	if c.Backend.ReconnectDelay == 0 {
		c.Backend.ReconnectDelay = 5 * time.Second
	}
	if c.Backend.UserID == "" {
		c.Backend.UserID = "demo_user"
	}
	if c.Bridge.Addr == "" {
		c.Bridge.Addr = "127.0.0.1:8791"
	}
	if c.Hub.Addr == "" {
		c.Hub.Addr = ":8000"
	}
	if c.Hub.CommandRate == 0 {
		c.Hub.CommandRate = 60
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}
