// Package audit keeps the append-only trail of denied commands and fatal
// startup failures. Entries go to logs/audit.jsonl and, once a database is
// attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/flowrt/internal/shared"
)

// Decisions written by the runtime.
const (
	Deny  = "deny"
	Fatal = "fatal"
)

// Entry is one audit record. Capability is the checked "<protocol>:<command>"
// pair (or "runtime.startup"); Subject identifies the caller without
// revealing its secret.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	TraceID       string    `json:"trace_id,omitempty"`
	Decision      string    `json:"decision"`
	Capability    string    `json:"capability"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
	Subject       string    `json:"subject,omitempty"`
}

type trail struct {
	mu   sync.Mutex
	file *os.File
	db   *sql.DB
}

var (
	std    trail
	denies atomic.Int64
)

// Init opens logs/audit.jsonl under homeDir. Calling it again is a no-op.
func Init(homeDir string) error {
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	std.file = f
	return nil
}

// SetDB mirrors subsequent entries into the audit_log table of d.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	std.db = d
	std.mu.Unlock()
}

func Close() error {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.db = nil
	if std.file == nil {
		return nil
	}
	err := std.file.Close()
	std.file = nil
	return err
}

// DenyCount is the number of deny entries since startup.
func DenyCount() int64 {
	return denies.Load()
}

// Record writes an entry without a trace id.
func Record(decision, capability, reason, policyVersion, subject string) {
	RecordContext(context.Background(), decision, capability, reason, policyVersion, subject)
}

// RecordContext writes an entry carrying the trace id from ctx.
func RecordContext(ctx context.Context, decision, capability, reason, policyVersion, subject string) {
	Write(ctx, Entry{
		TraceID:       shared.TraceID(ctx),
		Decision:      decision,
		Capability:    capability,
		Reason:        reason,
		PolicyVersion: policyVersion,
		Subject:       subject,
	})
}

// Write appends e to every attached sink. Reason and subject are redacted
// first; a zero timestamp becomes now.
func Write(ctx context.Context, e Entry) {
	if e.Decision == Deny {
		denies.Add(1)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)

	std.mu.Lock()
	defer std.mu.Unlock()
	if std.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = std.file.Write(append(b, '\n'))
		}
	}
	if std.db != nil {
		_, _ = std.db.ExecContext(ctx,
			`INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);`,
			e.TraceID, e.Subject, e.Capability, e.Decision, e.Reason, e.PolicyVersion, e.Timestamp)
	}
}
