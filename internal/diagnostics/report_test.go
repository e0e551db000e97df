package diagnostics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/internal/database"
	"github.com/priyxstudio/franchise/internal/models"
	"github.com/priyxstudio/franchise/modules"
	"github.com/priyxstudio/franchise/scheduler"
	"github.com/priyxstudio/franchise/store"
)

func TestGenerateReport(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenInMemory(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.NewAtPath("/tmp/config.yml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Cache.Redis.Password = "hunter2"
	cfg.System.RootDirectory = t.TempDir()

	syncs := scheduler.NewSyncStore(db)
	if err := syncs.Succeeded(ctx, "nightly_labor_cost", time.Date(2026, 5, 1, 2, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	central := store.NewCentral(db)
	if err := central.Notify(ctx, &models.Notification{Level: store.LevelWarning, Title: "drift_score threshold exceeded"}); err != nil {
		t.Fatal(err)
	}

	report, err := GenerateReport(ctx, Sources{
		Config:        cfg,
		Installations: modules.NewGormStore(db),
		Syncs:         syncs,
		Notifications: central,
	}, 5)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{"| Versions", "| Installations", "total: 0", "nightly_labor_cost: runs=1", "drift_score threshold exceeded", "{redacted}"} {
		if !strings.Contains(report, want) {
			t.Fatalf("expected report to contain %q, got:\n%s", want, report)
		}
	}
	if strings.Contains(report, "hunter2") {
		t.Fatalf("expected the redis password to be redacted")
	}
}
