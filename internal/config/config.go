package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// RuntimeIdentity is reported to clients in the runtime:runtime reply.
type RuntimeIdentity struct {
	Type              string `yaml:"type"`
	ID                string `yaml:"id"`
	Label             string `yaml:"label"`
	Namespace         string `yaml:"namespace"`
	Repository        string `yaml:"repository"`
	RepositoryVersion string `yaml:"repository_version"`
}

// TelemetryConfig mirrors otel.Config in YAML form.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout" or "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// RateLimitConfig bounds WebSocket upgrades per remote address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// Schedule starts, stops or restarts the network of a graph on a cron expression.
type Schedule struct {
	Name   string `yaml:"name"`
	Graph  string `yaml:"graph"`
	Cron   string `yaml:"cron"`
	Action string `yaml:"action"` // "start", "stop" or "restart"
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins lists accepted Origin patterns for browser WebSocket clients.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// AuthToken, when set, must be presented as a bearer token (or the token
	// query parameter) on /ws, /events and /metrics. Protocol capabilities
	// are still granted per secret.
	AuthToken string `yaml:"auth_token"`

	// BaseDir is assigned to graphs created over the protocol.
	BaseDir string `yaml:"base_dir"`

	// DefaultGraph is a graph file (.json, .yaml) registered as the main
	// graph and started at boot.
	DefaultGraph string `yaml:"default_graph"`

	// FilterData enables per-graph edge filtering of network data events.
	FilterData bool `yaml:"filter_data"`

	// DebounceMillis is the coalescing delay for subgraph port re-announcement.
	DebounceMillis int `yaml:"debounce_ms"`

	// LibraryPrefixes are stripped from graph:clear library names.
	LibraryPrefixes []string `yaml:"library_prefixes"`

	// Capabilities overrides the advertised capability set.
	Capabilities []string `yaml:"capabilities"`

	// MaxClientQueue bounds queued outbound messages per WebSocket client.
	MaxClientQueue int `yaml:"max_client_queue"`

	Runtime   RuntimeIdentity `yaml:"runtime"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Schedules []Schedule      `yaml:"schedules"`
}

var validScheduleActions = map[string]bool{"start": true, "stop": true, "restart": true}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PermissionsPath is where per-secret capability grants live.
func PermissionsPath(homeDir string) string {
	return filepath.Join(homeDir, "permissions.yaml")
}

// DatabasePath is the component source store location.
func DatabasePath(homeDir string) string {
	return filepath.Join(homeDir, "components.db")
}

func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|graph=%s|filter=%t|debounce=%d|caps=%v|schedules=%d",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.DefaultGraph, c.FilterData, c.DebounceMillis, c.Capabilities, len(c.Schedules))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:3569",
		LogLevel:        "info",
		DebounceMillis:  10,
		LibraryPrefixes: []string{"noflo-"},
		MaxClientQueue:  256,
		Runtime: RuntimeIdentity{
			Type:      "flowrt",
			Namespace: "default",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "flowrt",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("FLOWRT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".flowrt")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir, applying defaults and FLOWRT_*
// environment overrides. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create flowrt home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateSchedules(cfg.Schedules); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:3569"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DebounceMillis <= 0 {
		cfg.DebounceMillis = 10
	}
	if cfg.MaxClientQueue <= 0 {
		cfg.MaxClientQueue = 256
	}
	if strings.TrimSpace(cfg.Runtime.Type) == "" {
		cfg.Runtime.Type = "flowrt"
	}
	if strings.TrimSpace(cfg.Runtime.Namespace) == "" {
		cfg.Runtime.Namespace = "default"
	}
	if cfg.DefaultGraph != "" && !filepath.IsAbs(cfg.DefaultGraph) {
		cfg.DefaultGraph = filepath.Join(cfg.HomeDir, cfg.DefaultGraph)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = cfg.HomeDir
	}
	for i := range cfg.Schedules {
		cfg.Schedules[i].Action = strings.ToLower(strings.TrimSpace(cfg.Schedules[i].Action))
		if cfg.Schedules[i].Action == "" {
			cfg.Schedules[i].Action = "start"
		}
		if cfg.Schedules[i].Name == "" {
			cfg.Schedules[i].Name = cfg.Schedules[i].Action + ":" + cfg.Schedules[i].Graph
		}
	}
}

func validateSchedules(schedules []Schedule) error {
	for _, s := range schedules {
		if strings.TrimSpace(s.Graph) == "" {
			return fmt.Errorf("schedule %q: graph is required", s.Name)
		}
		if !validScheduleActions[s.Action] {
			return fmt.Errorf("schedule %q: unknown action %q", s.Name, s.Action)
		}
		if _, err := scheduleParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("schedule %q: invalid cron %q: %w", s.Name, s.Cron, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FLOWRT_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FLOWRT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FLOWRT_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("FLOWRT_BASE_DIR"); raw != "" {
		cfg.BaseDir = raw
	}
	if raw := os.Getenv("FLOWRT_DEFAULT_GRAPH"); raw != "" {
		cfg.DefaultGraph = raw
	}
	if raw := os.Getenv("FLOWRT_FILTER_DATA"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.FilterData = v
		}
	}
	if raw := os.Getenv("FLOWRT_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DebounceMillis = v
		}
	}
	if raw := os.Getenv("FLOWRT_RUNTIME_ID"); raw != "" {
		cfg.Runtime.ID = raw
	}
	if raw := os.Getenv("FLOWRT_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
		cfg.Telemetry.Enabled = raw != "none"
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
