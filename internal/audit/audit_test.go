package audit_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/flowrt/internal/audit"
	"github.com/basket/flowrt/internal/shared"
	"github.com/basket/flowrt/internal/store"
)

func initTrail(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	if err := audit.Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })
	return filepath.Join(home, "logs", "audit.jsonl")
}

func readEntries(t *testing.T, path string) []audit.Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()
	var out []audit.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e audit.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordContext_AppendsDenyWithTrace(t *testing.T) {
	path := initTrail(t)
	ctx := shared.WithTraceID(context.Background(), "trace-42")

	audit.RecordContext(ctx, audit.Deny, "graph:addnode", "missing_capability", "policy-abc", "secret:1a2b3c4d")
	audit.Record(audit.Fatal, "runtime.startup", "E_POLICY_LOAD", "", "unknown capability")

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	first := entries[0]
	if first.Decision != audit.Deny || first.Capability != "graph:addnode" || first.TraceID != "trace-42" {
		t.Fatalf("first entry = %+v", first)
	}
	if first.PolicyVersion != "policy-abc" || first.Timestamp.IsZero() {
		t.Fatalf("first entry = %+v", first)
	}
	if entries[1].Decision != audit.Fatal || entries[1].Reason != "E_POLICY_LOAD" {
		t.Fatalf("second entry = %+v", entries[1])
	}
}

func TestWrite_RedactsSecrets(t *testing.T) {
	path := initTrail(t)
	audit.Write(context.Background(), audit.Entry{
		Decision:   audit.Deny,
		Capability: "runtime:packet",
		Reason:     `payload {"secret":"hunter2"}`,
		Subject:    "Bearer abcdefghijklmnopqrstuvwxyz",
	})
	e := readEntries(t, path)[0]
	if e.Reason != `payload {"secret":[REDACTED]}` || e.Subject != "Bearer [REDACTED]" {
		t.Fatalf("entry not redacted: %+v", e)
	}
}

func TestWrite_MirrorsIntoAuditTable(t *testing.T) {
	initTrail(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "flowrt.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	audit.Write(context.Background(), audit.Entry{
		Timestamp:     at,
		Decision:      audit.Deny,
		Capability:    "network:start",
		Reason:        "missing_capability",
		PolicyVersion: "v1",
		Subject:       "anonymous",
	})

	rows, err := st.RecentAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %+v", rows)
	}
	r := rows[0]
	if r.Action != "network:start" || r.Subject != "anonymous" || !r.CreatedAt.Equal(at) {
		t.Fatalf("row = %+v", r)
	}
}

func TestDenyCount(t *testing.T) {
	before := audit.DenyCount()
	audit.Record(audit.Deny, "network:start", "missing_capability", "policy-x", "anonymous")
	audit.Record(audit.Fatal, "runtime.startup", "E_STORE_OPEN", "", "")
	if got := audit.DenyCount() - before; got != 1 {
		t.Fatalf("deny delta = %d, want 1", got)
	}
}
