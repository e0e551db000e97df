package platform

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/google/uuid"

	"github.com/priyxstudio/franchise/config"
	"github.com/priyxstudio/franchise/integration"
	"github.com/priyxstudio/franchise/internal/database"
	"github.com/priyxstudio/franchise/modules"
	"github.com/priyxstudio/franchise/store"
)

func TestMain(m *testing.M) {
	log.SetHandler(discard.Default)
	os.Exit(m.Run())
}

const rulesYAML = `
rules:
  - id: attendance_to_payroll
    source_module: attendance
    target_module: payroll
    integration_type: realtime
    event_types: [attendance.recorded]
    data_mapping:
      attendance.work_hours: payroll.work_hours
    conditions:
      work_hours: "> 0"
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func newTestPlatform(t *testing.T) *Platform {
	t.Helper()
	dir := t.TempDir()
	manifests := filepath.Join(dir, "manifests")
	if err := os.Mkdir(manifests, 0o700); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(manifests, "attendance.json"), `{"module_id": "attendance", "name": "Attendance", "version": "1.0.0", "dependencies": []}`)
	writeFile(t, filepath.Join(manifests, "payroll.json"), `{"module_id": "payroll", "name": "Payroll", "version": "1.2.0", "dependencies": ["attendance"], "default_settings": {"currency": "EUR"}}`)
	writeFile(t, filepath.Join(dir, "rules.yml"), rulesYAML)

	cfg, err := config.NewAtPath(filepath.Join(dir, "config.yml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Catalog.ManifestDirectory = manifests
	cfg.Integration.RulesFile = filepath.Join(dir, "rules.yml")
	cfg.Scheduler.Thresholds.MemoryPercent = 0

	db, err := database.OpenInMemory(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(context.Background(), cfg, WithDatabase(db))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	return p
}

func TestPlatform_EndToEnd(t *testing.T) {
	ctx := context.Background()
	p := newTestPlatform(t)

	if len(p.Catalog.List()) != 2 {
		t.Fatalf("expected 2 manifests in the catalog")
	}
	if _, ok := p.Engine.Rule("attendance_to_payroll"); !ok {
		t.Fatalf("expected the rule from the rules file to be registered")
	}

	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	for _, st := range p.LoopStatus() {
		if !st.Running {
			t.Fatalf("expected loop %s to be running", st.Name)
		}
	}

	var mu sync.Mutex
	var got []integration.Delivery
	p.Engine.Handle("payroll", "calculator", func(_ context.Context, d integration.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, d)
		return nil
	})

	branch := modules.Branch("1")
	for _, id := range []string{"attendance", "payroll"} {
		if _, err := p.Modules.Install(ctx, id, branch, "owner"); err != nil {
			t.Fatal(err)
		}
		if _, err := p.Modules.Activate(ctx, id, branch, "owner"); err != nil {
			t.Fatal(err)
		}
	}

	err := p.Engine.Emit(ctx, integration.Event{
		Type:     "attendance.recorded",
		ModuleID: "attendance",
		ScopeID:  "1",
		Data:     map[string]interface{}{"work_hours": 8.5, "employee_id": 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Dispatcher.Drain()

	mu.Lock()
	if len(got) != 1 || got[0].Payload["work_hours"] != 8.5 || len(got[0].Payload) != 1 {
		mu.Unlock()
		t.Fatalf("expected one payroll delivery of {work_hours: 8.5}, got %+v", got)
	}
	mu.Unlock()

	if n, _ := p.Store.Count(ctx, "attendance"); n != 1 {
		t.Fatalf("expected the raw event in the central store, got %d", n)
	}
	if n, _ := p.Store.Count(ctx, "payroll"); n != 1 {
		t.Fatalf("expected the delivery in the payroll collection, got %d", n)
	}
	if _, err := p.Cache.Get(ctx, "attendance", "payroll"); err != nil {
		t.Fatalf("expected the payload in the result cache, got %v", err)
	}

	if _, err := p.Modules.MarkError(ctx, "payroll", branch, "pricing backend unreachable"); err != nil {
		t.Fatal(err)
	}
	p.Dispatcher.Drain()
	notes, err := p.Store.Notifications(ctx, store.NotificationFilter{Level: store.LevelError})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Message != "pricing backend unreachable" {
		t.Fatalf("expected a module error notification, got %+v", notes)
	}

	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
	for _, st := range p.LoopStatus() {
		if st.Running {
			t.Fatalf("expected loop %s to be stopped", st.Name)
		}
	}
}

func TestPlatform_MissingFilesAreTolerated(t *testing.T) {
	cfg, err := config.NewAtPath(filepath.Join(t.TempDir(), "config.yml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Catalog.ManifestDirectory = filepath.Join(t.TempDir(), "missing")
	cfg.Integration.RulesFile = filepath.Join(t.TempDir(), "missing.yml")

	db, err := database.OpenInMemory(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(context.Background(), cfg, WithDatabase(db))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(p.Catalog.List()) != 0 || len(p.Engine.Rules()) != 0 {
		t.Fatalf("expected an empty catalog and no rules")
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}
}

func TestPlatform_InvalidRulesFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "rules.yml"), "rules:\n  - id: broken\n    source_module: a\n    target_module: b\n    integration_type: batch\n")

	cfg, err := config.NewAtPath(filepath.Join(dir, "config.yml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Catalog.ManifestDirectory = ""
	cfg.Integration.RulesFile = filepath.Join(dir, "rules.yml")

	db, err := database.OpenInMemory(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), cfg, WithDatabase(db)); err == nil {
		t.Fatalf("expected a batch rule without schedule to be rejected")
	}
}
