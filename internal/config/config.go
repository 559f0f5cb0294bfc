// Package config holds harvest's explicit configuration.
//
// A Config is built once at startup and passed by pointer to the components
// that need it. There is no package-level instance.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

const gib = 1 << 30

// Config is the persistent daemon configuration.
type Config struct {
	Feed     FeedConfig     `yaml:"feed"`
	Filters  FiltersConfig  `yaml:"filters"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	State    StateConfig    `yaml:"state"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
}

// FeedConfig locates the RSS feed.
type FeedConfig struct {
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// FiltersConfig is the admission policy.
type FiltersConfig struct {
	PrivilegedOnly  bool   `yaml:"freeleech_only"`
	MinSeeders      int    `yaml:"min_seeders"`
	PrivilegeMarker string `yaml:"freeleech_marker"`
}

// UnlimitedPerCycle disables the per-cycle acquisition cap.
const UnlimitedPerCycle = -1

// PipelineConfig controls cycle cadence.
type PipelineConfig struct {
	Interval time.Duration `yaml:"check_interval"`
	// MaxPerCycle caps acquisitions per cycle. 0 acquires nothing;
	// UnlimitedPerCycle removes the cap.
	MaxPerCycle int `yaml:"max_per_cycle"`
}

// StorageConfig is the content directory and its budget.
type StorageConfig struct {
	ContentDir    string  `yaml:"download_path"`
	BudgetGB      float64 `yaml:"max_size_gb"`
	UnknownSizeGB float64 `yaml:"unknown_size_gb"` // reserved when a size cannot be parsed
}

// BudgetBytes returns the budget in bytes.
func (s StorageConfig) BudgetBytes() int64 {
	return int64(s.BudgetGB * gib)
}

// UnknownSizeBytes returns the unknown-size reserve in bytes.
func (s StorageConfig) UnknownSizeBytes() int64 {
	return int64(s.UnknownSizeGB * gib)
}

// StateConfig selects the repository backend.
type StateConfig struct {
	Backend string `yaml:"backend"` // "json" or "sqlite"
	Path    string `yaml:"path"`
}

// AgentConfig describes the download agent.
type AgentConfig struct {
	Type              string        `yaml:"type"` // "qbittorrent" or "transmission"
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password,omitempty"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
}

// LoggingConfig controls the operator log and the event log.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`      // "" = stderr only
	EventLog string `yaml:"event_log"` // "" = no JSONL event log
}

// ServerConfig is the ops HTTP endpoint.
type ServerConfig struct {
	Addr        string `yaml:"addr"` // "" = disabled
	EventBuffer int    `yaml:"event_buffer"`
}

// Agent types.
const (
	AgentQBittorrent  = "qbittorrent"
	AgentTransmission = "transmission"
)

// Default returns the stock configuration.
func Default() *Config {
	home := homeDir()
	return &Config{
		Feed: FeedConfig{
			Timeout:   30 * time.Second,
			UserAgent: "harvest/1.0",
		},
		Filters: FiltersConfig{
			PrivilegedOnly:  true,
			MinSeeders:      0,
			PrivilegeMarker: "[FreeLeech]",
		},
		Pipeline: PipelineConfig{
			Interval:    5 * time.Minute,
			MaxPerCycle: 5,
		},
		Storage: StorageConfig{
			ContentDir:    filepath.Join(home, "downloads"),
			BudgetGB:      450,
			UnknownSizeGB: 1,
		},
		State: StateConfig{
			Backend: "json",
			Path:    filepath.Join(home, "torrents.json"),
		},
		Agent: AgentConfig{
			Type:              AgentQBittorrent,
			URL:               "http://localhost:8080",
			Username:          "admin",
			Timeout:           15 * time.Second,
			RequestsPerSecond: 5,
		},
		Logging: LoggingConfig{
			Level:    "info",
			File:     filepath.Join(home, "logs", "harvest.log"),
			EventLog: filepath.Join(home, "logs", "events.jsonl"),
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:9137",
			EventBuffer: 1000,
		},
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".harvest"
	}
	return filepath.Join(home, ".harvest")
}

// Path resolves the config file location: explicit flag value, then
// $HARVEST_CONFIG, then ~/.harvest/config.yml.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("HARVEST_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(homeDir(), "config.yml")
}

// Load reads path over the defaults. A missing file yields the defaults.
// envFiles are applied next, then the process environment, and the result
// is validated.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := cfg.LoadEnvFile(f); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return os.WriteFile(path, buf.Bytes(), 0o600) // may hold the agent password
}

// envKeys maps environment variables to the fields they override.
var envKeys = map[string]func(*Config, string){
	"HARVEST_FEED_URL":       func(c *Config, v string) { c.Feed.URL = v },
	"HARVEST_AGENT_URL":      func(c *Config, v string) { c.Agent.URL = v },
	"HARVEST_AGENT_USERNAME": func(c *Config, v string) { c.Agent.Username = v },
	"HARVEST_AGENT_PASSWORD": func(c *Config, v string) { c.Agent.Password = v },
}

// ApplyEnv overlays values from the process environment.
func (c *Config) ApplyEnv() {
	for key, set := range envKeys {
		if v := os.Getenv(key); v != "" {
			set(c, v)
		}
	}
}

// LoadEnvFile applies HARVEST_* assignments from a shell-style file
// (`export KEY=value` or `KEY=value` lines). Unknown keys are ignored.
func (c *Config) LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if set, known := envKeys[strings.TrimSpace(key)]; known {
			set(c, value)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read env file: %w", err)
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(bad bool, format string, args ...any) {
		if bad {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Feed.URL == "", "feed.url is required")
	check(c.Storage.BudgetGB <= 0, "storage.max_size_gb must be positive, got %v", c.Storage.BudgetGB)
	check(c.Storage.UnknownSizeGB < 0, "storage.unknown_size_gb must not be negative")
	check(c.Storage.ContentDir == "", "storage.download_path is required")
	check(c.Pipeline.Interval <= 0, "pipeline.check_interval must be positive, got %s", c.Pipeline.Interval)
	check(c.Pipeline.MaxPerCycle < UnlimitedPerCycle, "pipeline.max_per_cycle must be %d (unlimited) or more, got %d", UnlimitedPerCycle, c.Pipeline.MaxPerCycle)
	check(c.Filters.MinSeeders < 0, "filters.min_seeders must not be negative")
	check(c.Agent.Type != AgentQBittorrent && c.Agent.Type != AgentTransmission,
		"agent.type %q is not one of %s, %s", c.Agent.Type, AgentQBittorrent, AgentTransmission)
	check(c.Agent.URL == "", "agent.url is required")
	check(c.Agent.RequestsPerSecond < 0, "agent.requests_per_second must not be negative")
	check(c.State.Backend != "json" && c.State.Backend != "sqlite",
		"state.backend %q is not one of json, sqlite", c.State.Backend)
	check(c.State.Path == "", "state.path is required")
	check(c.Server.EventBuffer < 0, "server.event_buffer must not be negative")

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
