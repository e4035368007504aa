// Package config loads relaynet's YAML configuration: transport tunables,
// the server's storage directory, and named loss profiles used to drive the
// lossy shim during manual or scripted exercises. The typed analogue of
// original_source's tests/profiles.json, generalized to cover the whole
// daemon and CLI.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults match spec.md's tunables and are used for any field left unset
// in a loaded file, and by Default, which callers use when no file is
// supplied at all.
const (
	DefaultListenAddr    = "0.0.0.0:9000"
	DefaultServerDir     = "server_files"
	DefaultMSS           = 1200
	DefaultWindowSize    = 5
	DefaultTimerInterval = 450 * time.Millisecond
	DefaultChunkSize     = 16 * 1024
	DefaultMetricsAddr   = ""
)

// Profile is a named (loss_rate, max_delay) pair driving the lossy shim.
type Profile struct {
	LossRate float64       `yaml:"loss_rate"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// Config is relaynet's top-level configuration, as loaded from YAML.
type Config struct {
	ListenAddr    string             `yaml:"listen_addr"`
	ServerDir     string             `yaml:"server_dir"`
	MetricsAddr   string             `yaml:"metrics_addr"`
	WindowSize    int                `yaml:"window_size"`
	MSS           int                `yaml:"mss"`
	TimerInterval time.Duration      `yaml:"timer_interval"`
	ChunkSize     int                `yaml:"chunk_size"`
	Profiles      map[string]Profile `yaml:"profiles"`
}

// Default returns a Config populated entirely with spec defaults.
func Default() Config {
	return Config{
		ListenAddr:    DefaultListenAddr,
		ServerDir:     DefaultServerDir,
		MetricsAddr:   DefaultMetricsAddr,
		WindowSize:    DefaultWindowSize,
		MSS:           DefaultMSS,
		TimerInterval: DefaultTimerInterval,
		ChunkSize:     DefaultChunkSize,
	}
}

// Load reads and parses the YAML file at path, filling in spec defaults for
// any field the file leaves zero-valued.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	// Unmarshal into a copy so fields the file doesn't mention keep their
	// defaults instead of being zeroed.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.ServerDir == "" {
		cfg.ServerDir = DefaultServerDir
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.MSS == 0 {
		cfg.MSS = DefaultMSS
	}
	if cfg.TimerInterval == 0 {
		cfg.TimerInterval = DefaultTimerInterval
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	return cfg, nil
}

// Profile looks up a named loss profile, returning ok=false if it isn't
// defined.
func (c Config) Profile(name string) (Profile, bool) {
	p, ok := c.Profiles[name]
	return p, ok
}
