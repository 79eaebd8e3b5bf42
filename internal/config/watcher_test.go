package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/koatty/serve/internal/config"
	"github.com/koatty/serve/internal/logging"
)

// rewrite replaces the file's content in place.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("rewrite %s: %v", path, err)
	}
}

func TestWatch_DeliversNewSnapshot(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, "port: 3000\n")

	got := make(chan *config.Config, 4)
	w, err := config.Watch(path, logging.New(nil), func(c *config.Config) { got <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	rewrite(t, path, "port: 3001\n")

	select {
	case cfg := <-got:
		if cfg.Port != 3001 {
			t.Errorf("reloaded port = %d, want 3001", cfg.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload delivered within 5s")
	}
}

func TestWatch_InvalidSnapshotDropped(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, "port: 3000\n")

	got := make(chan *config.Config, 4)
	w, err := config.Watch(path, logging.New(nil), func(c *config.Config) { got <- c })
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	rewrite(t, path, "log_level: loud\n")

	select {
	case cfg := <-got:
		t.Errorf("invalid snapshot delivered: %+v", cfg)
	case <-time.After(1 * time.Second):
		// Expected: the broken file never reaches the callback.
	}
}

func TestWatch_CloseIdempotent(t *testing.T) {
	clearEnv(t)
	path := writeTemp(t, "port: 3000\n")

	w, err := config.Watch(path, logging.New(nil), func(*config.Config) {})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
