package smoke

import (
	"bytes"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func moduleRoot(t *testing.T) string {
	t.Helper()

	cmd := exec.Command("go", "env", "GOMOD")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("go env GOMOD: %v", err)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		t.Fatalf("go env GOMOD returned %q; expected path to go.mod", gomod)
	}
	return filepath.Dir(gomod)
}

func buildFlowrtBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("smoke tests build the binary")
	}
	root := moduleRoot(t)
	outPath := filepath.Join(t.TempDir(), "flowrt")
	cmd := exec.Command("go", "build", "-o", outPath, "./cmd/flowrt")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("build binary: %v\n%s", err, buf.String())
	}
	return outPath
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick free addr: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func writeHomeFile(t *testing.T, home, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// daemon is a `flowrt serve` process bound to addr with FLOWRT_HOME=home.
type daemon struct {
	cmd  *exec.Cmd
	out  *bytes.Buffer
	home string
	addr string
}

func startDaemon(t *testing.T, bin, home string, env ...string) *daemon {
	t.Helper()
	addr := pickFreeAddr(t)
	cmd := exec.Command(bin, "serve", "--quiet")
	cmd.Env = append(os.Environ(), "FLOWRT_HOME="+home, "FLOWRT_BIND_ADDR="+addr)
	cmd.Env = append(cmd.Env, env...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	d := &daemon{cmd: cmd, out: &out, home: home, addr: addr}
	t.Cleanup(d.stop)
	return d
}

// waitForPhase polls the system log until the startup phase appears.
func (d *daemon) waitForPhase(t *testing.T, phase string) {
	t.Helper()
	logPath := filepath.Join(d.home, "logs", "system.jsonl")
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), `"phase":"`+phase+`"`) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("phase %q not logged\noutput=%s", phase, d.out.String())
}

func (d *daemon) stop() {
	if d.cmd.ProcessState != nil {
		return
	}
	_ = d.cmd.Process.Signal(os.Interrupt)
	waitDone := make(chan error, 1)
	go func() { waitDone <- d.cmd.Wait() }()
	select {
	case <-time.After(5 * time.Second):
		_ = d.cmd.Process.Kill()
		<-waitDone
	case <-waitDone:
	}
}

func TestSmoke_BuildsFlowrtBinary(t *testing.T) {
	bin := buildFlowrtBinary(t)
	st, err := os.Stat(bin)
	if err != nil {
		t.Fatalf("stat binary: %v", err)
	}
	if st.Size() == 0 {
		t.Fatalf("expected non-empty binary")
	}

	out, err := exec.Command(bin, "version").CombinedOutput()
	if err != nil {
		t.Fatalf("flowrt version: %v\n%s", err, out)
	}
	if !strings.HasPrefix(string(out), "flowrt ") {
		t.Fatalf("unexpected version output %q", out)
	}
}
