package smoke

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const smokeToken = "smoke-token"

type envelope struct {
	Protocol string          `json:"protocol"`
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload"`
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", &websocket.DialOptions{
		Subprotocols: []string{"noflo"},
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// readUntil skips messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(envelope) bool) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg envelope
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestSmoke_DefaultGraphRoundTrip(t *testing.T) {
	bin := buildFlowrtBinary(t)
	home := t.TempDir()
	writeHomeFile(t, home, "permissions.yaml", "permissions:\n  operator:\n"+
		"    - protocol:runtime\n    - protocol:network\n    - network:status\n    - network:data\n")
	writeHomeFile(t, home, "config.yaml", "default_graph: echo.yaml\nruntime:\n  namespace: smoke\n")
	writeHomeFile(t, home, "echo.yaml", `processes:
  R:
    component: core/Repeat
inports:
  in:
    process: R
    port: in
outports:
  out:
    process: R
    port: out
`)

	d := startDaemon(t, bin, home, "FLOWRT_AUTH_TOKEN="+smokeToken)
	d.waitForPhase(t, "listener_bound")

	conn := dialWS(t, d.addr, smokeToken)
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, map[string]any{
		"protocol": "runtime", "command": "getruntime", "payload": map[string]any{"secret": "operator"},
	}); err != nil {
		t.Fatalf("write getruntime: %v", err)
	}
	rt := readUntil(t, conn, func(m envelope) bool { return m.Protocol == "runtime" && m.Command == "runtime" })
	var info struct {
		Graph string `json:"graph"`
	}
	_ = json.Unmarshal(rt.Payload, &info)
	if info.Graph != "smoke/echo" {
		t.Fatalf("runtime main graph = %q (%s)", info.Graph, rt.Payload)
	}

	if err := wsjson.Write(ctx, conn, map[string]any{
		"protocol": "runtime", "command": "packet",
		"payload": map[string]any{"graph": "smoke/echo", "port": "in", "event": "data", "payload": "ping", "secret": "operator"},
	}); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	out := readUntil(t, conn, func(m envelope) bool {
		return m.Protocol == "runtime" && m.Command == "packet" && strings.Contains(string(m.Payload), `"port":"out"`)
	})
	if !strings.Contains(string(out.Payload), `"payload":"ping"`) {
		t.Fatalf("unexpected outport packet %s", out.Payload)
	}

	// Anonymous clients hold no capabilities.
	if err := wsjson.Write(ctx, conn, map[string]any{
		"protocol": "network", "command": "getstatus", "payload": map[string]any{"graph": "smoke/echo"},
	}); err != nil {
		t.Fatalf("write getstatus: %v", err)
	}
	denied := readUntil(t, conn, func(m envelope) bool { return m.Command == "error" })
	if !strings.Contains(string(denied.Payload), "network:getstatus is not permitted") {
		t.Fatalf("unexpected error %s", denied.Payload)
	}

	statusCmd := exec.Command(bin, "status", "--json")
	statusCmd.Env = append(os.Environ(), "FLOWRT_HOME="+home, "FLOWRT_BIND_ADDR="+d.addr)
	body, err := statusCmd.CombinedOutput()
	if err != nil {
		t.Fatalf("flowrt status: %v\n%s", err, body)
	}
	var health struct {
		Healthy   bool   `json:"healthy"`
		MainGraph string `json:"main_graph"`
		Networks  []struct {
			Graph   string `json:"graph"`
			Started bool   `json:"started"`
		} `json:"networks"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode status: %v\n%s", err, body)
	}
	if !health.Healthy || len(health.Networks) != 1 || health.Networks[0].Graph != "smoke/echo" || !health.Networks[0].Started {
		t.Fatalf("status = %s", body)
	}
}
