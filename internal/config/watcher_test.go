package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/flowrt/internal/config"
)

func startWatcher(t *testing.T, homeDir string) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

func TestWatcher_CoalescesPermissionsBurst(t *testing.T) {
	homeDir := t.TempDir()
	permPath := config.PermissionsPath(homeDir)
	if err := os.WriteFile(permPath, []byte("default_permissions: []\n"), 0o644); err != nil {
		t.Fatalf("write initial permissions: %v", err)
	}
	w := startWatcher(t, homeDir)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(permPath, []byte("default_permissions: [protocol:graph]\n"), 0o644); err != nil {
			t.Fatalf("write permissions: %v", err)
		}
	}

	select {
	case ev := <-w.Events():
		if !ev.IsPermissions() {
			t.Fatalf("expected permissions.yaml event, got %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for permissions.yaml change event")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ReportsConfigCreate(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir)

	if err := os.WriteFile(config.ConfigPath(homeDir), []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	select {
	case ev := <-w.Events():
		if ev.IsPermissions() || filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config.yaml event")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir)

	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}
