package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"emperror.dev/errors"
)

func TestNewAtPath_Defaults(t *testing.T) {
	c, err := NewAtPath("/tmp/config.yml")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Integration.Workers != 8 {
		t.Fatalf("expected 8 workers by default, got %d", c.Integration.Workers)
	}
	if c.Cache.Driver != "memory" {
		t.Fatalf("expected memory cache driver, got %q", c.Cache.Driver)
	}
	if c.Scheduler.Thresholds.ErrorRate != 0.2 {
		t.Fatalf("expected default error rate threshold 0.2, got %v", c.Scheduler.Thresholds.ErrorRate)
	}
	if c.Scheduler.RealtimeIntervalDuration() != 30*time.Second {
		t.Fatalf("unexpected realtime interval %s", c.Scheduler.RealtimeIntervalDuration())
	}
	if c.Path() != "/tmp/config.yml" {
		t.Fatalf("unexpected path %q", c.Path())
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	content := `
debug: true
integration:
  workers: 3
scheduler:
  realtime_interval: 10
  thresholds:
    drift_score: 0.75
`
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(p)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !c.Debug {
		t.Fatalf("expected debug to be enabled")
	}
	if c.Integration.Workers != 3 {
		t.Fatalf("expected 3 workers, got %d", c.Integration.Workers)
	}
	if c.Scheduler.RealtimeIntervalDuration() != 10*time.Second {
		t.Fatalf("expected 10s interval, got %s", c.Scheduler.RealtimeIntervalDuration())
	}
	if c.Scheduler.Thresholds.DriftScore != 0.75 {
		t.Fatalf("expected drift score 0.75, got %v", c.Scheduler.Thresholds.DriftScore)
	}
	// Untouched sections keep their defaults.
	if c.Scheduler.BatchCheckInterval != 60 {
		t.Fatalf("expected default batch interval, got %d", c.Scheduler.BatchCheckInterval)
	}
}

func TestLoad_UnknownCacheDriver(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(p, []byte("cache:\n  driver: memcached\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err == nil {
		t.Fatalf("expected an error for unknown cache driver")
	}
}

func TestExpand_File(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "secret")
	if err := os.WriteFile(p, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SECRET_DIR", dir)

	v, err := Expand("file://${SECRET_DIR}/secret")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if v != "hunter2" {
		t.Fatalf("expected trimmed file contents, got %q", v)
	}
}

func TestWriteToDisk_PreservesComments(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	original := "# engine configuration\nintegration:\n  # pool size\n  workers: 2\n"
	if err := os.WriteFile(p, []byte(original), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	c.Integration.Workers = 12
	if err := WriteToDisk(c); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	if !strings.Contains(out, "# pool size") {
		t.Fatalf("expected comment to be preserved, got:\n%s", out)
	}
	if !strings.Contains(out, "workers: 12") {
		t.Fatalf("expected updated worker count, got:\n%s", out)
	}
}

func TestSetPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	original := "# engine configuration\nscheduler:\n  # seconds between ticks\n  realtime_interval: 30\n"
	if err := os.WriteFile(p, []byte(original), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := SetPath(p, "scheduler.thresholds.error_rate", "0.35")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.Scheduler.Thresholds.ErrorRate != 0.35 || c.Scheduler.RealtimeInterval != 30 {
		t.Fatalf("unexpected scheduler configuration %+v", c.Scheduler)
	}
	if _, err := SetPath(p, "cache.redis.address", "redis.internal:6379"); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "# seconds between ticks") {
		t.Fatalf("expected comment to be preserved, got:\n%s", b)
	}
	loaded, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Scheduler.Thresholds.ErrorRate != 0.35 || loaded.Cache.Redis.Address != "redis.internal:6379" {
		t.Fatalf("expected both edits on disk, got %+v %+v", loaded.Scheduler.Thresholds, loaded.Cache.Redis)
	}
}

func TestSetPath_RejectsBadEdits(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	original := "integration:\n  workers: 2\n"
	if err := os.WriteFile(p, []byte(original), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := SetPath(p, "integration.wrokers", "4"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := SetPath(p, "integration.workers", "many"); err == nil {
		t.Fatalf("expected a non-numeric worker count to be rejected")
	}
	if _, err := SetPath(p, "cache.driver", "disk"); err == nil {
		t.Fatalf("expected an unknown cache driver to be rejected")
	}

	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != original {
		t.Fatalf("expected the file to be untouched, got:\n%s", b)
	}
}

func TestSetPath_CreatesMissingFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "config.yml")
	if _, err := SetPath(p, "integration.workers", "16"); err != nil {
		t.Fatal(err)
	}
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.Integration.Workers != 16 || c.Cache.Driver != "memory" {
		t.Fatalf("expected the edit over the defaults, got %+v", c.Integration)
	}
}

func TestLocation_FallsBackToUTC(t *testing.T) {
	c := &Configuration{}
	if c.Location() != time.UTC {
		t.Fatalf("expected UTC for empty timezone")
	}
	c.System.Timezone = "Not/AZone"
	if c.Location() != time.UTC {
		t.Fatalf("expected UTC for invalid timezone")
	}
}
