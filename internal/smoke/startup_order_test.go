package smoke

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestSmoke_StartupPhasesFollowRequiredOrder(t *testing.T) {
	bin := buildFlowrtBinary(t)
	home := t.TempDir()
	writeHomeFile(t, home, "permissions.yaml", "default_permissions:\n  - protocol:runtime\n")

	d := startDaemon(t, bin, home)
	d.waitForPhase(t, "listener_bound")
	d.stop()

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}

	phases := map[string]int{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		phase, _ := entry["phase"].(string)
		if phase == "" {
			continue
		}
		if _, exists := phases[phase]; !exists {
			phases[phase] = lineNo
		}
	}
	required := []string{
		"config_loaded",
		"schema_migrated",
		"policy_loaded",
		"scheduler_started",
		"listener_bound",
	}
	for _, phase := range required {
		if _, ok := phases[phase]; !ok {
			t.Fatalf("missing startup phase %q in logs\noutput=%s", phase, d.out.String())
		}
	}
	for i := 1; i < len(required); i++ {
		prev := required[i-1]
		cur := required[i]
		if phases[prev] >= phases[cur] {
			t.Fatalf("phase ordering invalid: %s(%d) >= %s(%d)", prev, phases[prev], cur, phases[cur])
		}
	}
	if !strings.Contains(string(data), `"msg":"shutdown complete"`) {
		t.Fatalf("expected graceful shutdown in logs")
	}
}

func TestSmoke_StartupFailureEmitsReasonCode(t *testing.T) {
	bin := buildFlowrtBinary(t)
	home := t.TempDir()
	writeHomeFile(t, home, "permissions.yaml", "default_permissions:\n  - protocol:teleport\n")

	cmd := exec.Command(bin, "serve")
	cmd.Env = append(os.Environ(),
		"FLOWRT_HOME="+home,
		"FLOWRT_BIND_ADDR="+pickFreeAddr(t),
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		t.Fatalf("expected startup failure for unknown capability")
	}

	logData, _ := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	combined := string(logData) + "\n" + out.String()
	for _, want := range []string{
		`"reason_code":"E_POLICY_LOAD"`,
		`"msg":"startup failure"`,
		`"component":"runtime"`,
		`"level":"ERROR"`,
	} {
		if !strings.Contains(combined, want) {
			t.Fatalf("expected %s in output/logs\ncombined=%s", want, combined)
		}
	}

	auditData, _ := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if !strings.Contains(string(auditData), `"decision":"fatal"`) {
		t.Fatalf("expected fatal audit record, got %s", auditData)
	}
}
