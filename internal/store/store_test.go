package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/flowrt/internal/store"
)

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "components.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s, dbPath
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	s, _ := openTestStore(t)
	db := s.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	for _, table := range []string{"schema_migrations", "component_sources", "schedules", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_ReopenKeepsSources(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()
	src := store.Source{Library: "math", Name: "GetRandom", Language: "javascript", Code: "exports.getComponent = ...", Tests: "tests"}
	if err := s.PutSource(ctx, src); err != nil {
		t.Fatalf("put source: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.GetSource(ctx, "math", "GetRandom")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if got.Code != src.Code || got.Language != "javascript" || got.Tests != "tests" {
		t.Fatalf("unexpected source: %+v", got)
	}
	if got.FullName() != "math/GetRandom" {
		t.Fatalf("unexpected full name %q", got.FullName())
	}
}

func TestStore_PutSourceReplaces(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if err := s.PutSource(ctx, store.Source{Library: "a", Name: "B", Language: "json", Code: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSource(ctx, store.Source{Library: "a", Name: "B", Language: "yaml", Code: "x: 1"}); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListSources(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Language != "yaml" {
		t.Fatalf("unexpected sources: %+v", list)
	}
	if _, err := s.GetSource(ctx, "a", "Missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutSource(ctx, store.Source{Name: "x"}); err == nil {
		t.Fatal("expected error for source without language")
	}
}

func TestStore_DueSchedules(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	for _, sc := range []store.Schedule{
		{Name: "due", Graph: "main", CronExpr: "* * * * *", Action: "start", Enabled: true, NextRunAt: &past},
		{Name: "later", Graph: "main", CronExpr: "0 * * * *", Action: "stop", Enabled: true, NextRunAt: &future},
		{Name: "off", Graph: "main", CronExpr: "* * * * *", Action: "restart", Enabled: false, NextRunAt: &past},
	} {
		if err := s.UpsertSchedule(ctx, sc); err != nil {
			t.Fatalf("upsert %s: %v", sc.Name, err)
		}
	}

	due, err := s.DueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].Name != "due" {
		t.Fatalf("unexpected due schedules: %+v", due)
	}

	next := time.Now().Add(time.Minute)
	if err := s.UpdateScheduleRun(ctx, "due", time.Now(), next); err != nil {
		t.Fatalf("update run: %v", err)
	}
	due, err = s.DueSchedules(ctx, time.Now())
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected nothing due after run, got %+v", due)
	}

	// Redefining a schedule keeps its run state.
	if err := s.UpsertSchedule(ctx, store.Schedule{Name: "due", Graph: "other", CronExpr: "* * * * *", Action: "start", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Name != "due" || all[0].Graph != "other" || all[0].LastRunAt == nil {
		t.Fatalf("unexpected schedules: %+v", all)
	}

	if err := s.DeleteSchedule(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_RecentAudit(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	if _, err := s.DB().ExecContext(ctx, `INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version) VALUES ('t', 's', 'protocol:graph', 'deny', 'missing_capability', 'policy-1');`); err != nil {
		t.Fatal(err)
	}
	entries, err := s.RecentAudit(ctx, 10)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Decision != "deny" || entries[0].Action != "protocol:graph" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	purged, err := s.PurgeAuditLog(ctx, -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged row, got %d", purged)
	}
}
