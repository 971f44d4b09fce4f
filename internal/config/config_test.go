package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/flowrt/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromFlowrtHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "rt")
	writeConfig(t, home, "bind_addr: 127.0.0.1:4000\nfilter_data: true\nruntime:\n  label: Test runtime\n")
	t.Setenv("FLOWRT_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home = %q, want %q", cfg.HomeDir, home)
	}
	if cfg.BindAddr != "127.0.0.1:4000" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if !cfg.FilterData {
		t.Fatal("expected filter_data=true")
	}
	if cfg.Runtime.Label != "Test runtime" {
		t.Fatalf("label = %q", cfg.Runtime.Label)
	}
	if cfg.Runtime.Type != "flowrt" || cfg.Runtime.Namespace != "default" {
		t.Fatalf("runtime defaults not applied: %#v", cfg.Runtime)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DebounceMillis != 10 {
		t.Fatalf("debounce = %d, want 10", cfg.DebounceMillis)
	}
	if len(cfg.LibraryPrefixes) != 1 || cfg.LibraryPrefixes[0] != "noflo-" {
		t.Fatalf("library prefixes = %v", cfg.LibraryPrefixes)
	}
	if cfg.BaseDir != home {
		t.Fatalf("base_dir = %q, want %q", cfg.BaseDir, home)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: info\n")
	t.Setenv("FLOWRT_LOG_LEVEL", "debug")
	t.Setenv("FLOWRT_FILTER_DATA", "true")
	t.Setenv("FLOWRT_DEFAULT_GRAPH", "graphs/main.json")
	t.Setenv("FLOWRT_DEBOUNCE_MS", "25")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.LogLevel)
	}
	if !cfg.FilterData {
		t.Fatal("expected env filter_data override")
	}
	if cfg.DebounceMillis != 25 {
		t.Fatalf("debounce = %d", cfg.DebounceMillis)
	}
	if cfg.DefaultGraph != filepath.Join(home, "graphs/main.json") {
		t.Fatalf("default graph not resolved against home: %q", cfg.DefaultGraph)
	}
}

func TestLoad_ParseError(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: [unterminated\n")
	if _, err := config.LoadFrom(home); err == nil || !strings.Contains(err.Error(), "parse config.yaml") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoad_Schedules(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
schedules:
  - graph: main
    cron: "*/5 * * * *"
  - name: nightly-stop
    graph: main
    cron: "@daily"
    action: STOP
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Schedules) != 2 {
		t.Fatalf("schedules = %d", len(cfg.Schedules))
	}
	if cfg.Schedules[0].Action != "start" || cfg.Schedules[0].Name != "start:main" {
		t.Fatalf("default action/name not applied: %#v", cfg.Schedules[0])
	}
	if cfg.Schedules[1].Action != "stop" {
		t.Fatalf("action not normalised: %#v", cfg.Schedules[1])
	}
}

func TestLoad_RejectsInvalidSchedule(t *testing.T) {
	cases := map[string]string{
		"bad cron":   "schedules:\n  - graph: main\n    cron: \"not a cron\"\n",
		"bad action": "schedules:\n  - graph: main\n    cron: \"@hourly\"\n    action: pause\n",
		"no graph":   "schedules:\n  - cron: \"@hourly\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	a, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.FilterData = !a.FilterData
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected fingerprint to change")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
}
