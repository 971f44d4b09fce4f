package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/flowrt/internal/audit"
	"github.com/basket/flowrt/internal/config"
	"github.com/basket/flowrt/internal/graph"
	"github.com/basket/flowrt/internal/otel"
	"github.com/basket/flowrt/internal/policy"
	"github.com/basket/flowrt/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkHomeDir,
		checkDatabase,
		checkAuditTrail,
		checkPermissions,
		checkDefaultGraph,
		checkTelemetry,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint=%s, schedules=%d", cfg.Fingerprint(), len(cfg.Schedules)),
	}
}

func checkHomeDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home Directory", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Home Directory", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Home Directory", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	st, err := store.Open(config.DatabasePath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	sources, err := st.ListSources(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("stored sources=%d", len(sources)),
	}
}

// checkAuditTrail warns when the newest audit entry is a fatal startup
// failure.
func checkAuditTrail(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Audit Trail", Status: "SKIP", Message: "Config missing"}
	}
	st, err := store.Open(config.DatabasePath(cfg.HomeDir))
	if err != nil {
		return CheckResult{Name: "Audit Trail", Status: "SKIP", Message: "Database unavailable"}
	}
	defer st.Close()

	entries, err := st.RecentAudit(ctx, 100)
	if err != nil {
		return CheckResult{Name: "Audit Trail", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	denies := 0
	for _, e := range entries {
		if e.Decision == audit.Deny {
			denies++
		}
	}
	if len(entries) > 0 && entries[0].Decision == audit.Fatal {
		return CheckResult{
			Name:    "Audit Trail",
			Status:  "WARN",
			Message: fmt.Sprintf("Last startup failed: %s", entries[0].Reason),
			Detail:  entries[0].CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return CheckResult{
		Name:    "Audit Trail",
		Status:  "PASS",
		Message: fmt.Sprintf("%d recent entries", len(entries)),
		Detail:  fmt.Sprintf("denied=%d", denies),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	caps := cfg.Capabilities
	if len(caps) == 0 {
		caps = policy.DefaultCapabilities
	}
	path := config.PermissionsPath(cfg.HomeDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Permissions",
			Status:  "WARN",
			Message: "permissions.yaml missing, every command will be denied",
			Detail:  path,
		}
	}
	perms, err := policy.LoadPermissions(path, caps)
	if err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: err.Error(), Detail: path}
	}
	if len(perms.DefaultPermissions) == 0 && len(perms.Permissions) == 0 {
		return CheckResult{Name: "Permissions", Status: "WARN", Message: "No capabilities granted", Detail: path}
	}
	return CheckResult{
		Name:    "Permissions",
		Status:  "PASS",
		Message: fmt.Sprintf("%d secrets, %d default capabilities", len(perms.Permissions), len(perms.DefaultPermissions)),
	}
}

func checkDefaultGraph(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Default Graph", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.DefaultGraph == "" {
		return CheckResult{Name: "Default Graph", Status: "SKIP", Message: "No default graph configured"}
	}
	g, err := graph.LoadFile(cfg.DefaultGraph)
	if err != nil {
		return CheckResult{Name: "Default Graph", Status: "FAIL", Message: err.Error(), Detail: cfg.DefaultGraph}
	}
	return CheckResult{
		Name:    "Default Graph",
		Status:  "PASS",
		Message: fmt.Sprintf("%d nodes, %d edges", len(g.Nodes()), len(g.Edges())),
		Detail:  cfg.DefaultGraph,
	}
}

func checkTelemetry(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Config missing"}
	}
	t := cfg.Telemetry
	if !t.Enabled {
		return CheckResult{Name: "Telemetry", Status: "SKIP", Message: "Telemetry disabled"}
	}
	switch t.Exporter {
	case otel.ExporterStdout, otel.ExporterNone:
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("Exporter %q", t.Exporter)}
	case otel.ExporterOTLPHTTP, "":
		if t.Endpoint == "" {
			return CheckResult{Name: "Telemetry", Status: "WARN", Message: "otlp-http exporter without endpoint, localhost:4318 applies"}
		}
		return CheckResult{Name: "Telemetry", Status: "PASS", Message: fmt.Sprintf("Exporting to %s", t.Endpoint)}
	}
	return CheckResult{Name: "Telemetry", Status: "FAIL", Message: fmt.Sprintf("Unknown exporter %q", t.Exporter)}
}

// checkBindAddr tries to listen on the configured address. An address in use
// usually means a runtime is already serving, so it only warns.
func checkBindAddr(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: "SKIP", Message: "Config missing"}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return CheckResult{Name: "Bind Address", Status: "FAIL", Message: fmt.Sprintf("Invalid bind_addr %q: %v", cfg.BindAddr, err)}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s unavailable: %v", cfg.BindAddr, err),
			Detail:  "a runtime may already be running; see `flowrt status`",
		}
	}
	ln.Close()

	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) && cfg.AuthToken == "" {
		return CheckResult{
			Name:    "Bind Address",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is reachable off-host without auth_token", cfg.BindAddr),
		}
	}
	return CheckResult{Name: "Bind Address", Status: "PASS", Message: fmt.Sprintf("%s available", cfg.BindAddr)}
}
