package modules

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/franela/goblin"
	"github.com/google/uuid"

	"github.com/priyxstudio/franchise/internal/database"
	"github.com/priyxstudio/franchise/manifest"
)

func TestMain(m *testing.M) {
	log.SetHandler(discard.Default)
	os.Exit(m.Run())
}

type recorder struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

func (r *recorder) OnLifecycle(_ context.Context, ev LifecycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func newCatalog(t *testing.T, manifests ...*manifest.Manifest) *manifest.Catalog {
	t.Helper()
	c := manifest.NewCatalog()
	for _, m := range manifests {
		if err := c.Publish(m); err != nil {
			t.Fatalf("failed to publish %s: %v", m.ModuleID, err)
		}
	}
	return c
}

func newTestManager(t *testing.T, catalog *manifest.Catalog, opts ...Option) *Manager {
	t.Helper()
	db, err := database.OpenInMemory(uuid.NewString())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return NewManager(catalog, NewGormStore(db), opts...)
}

func abCatalog(t *testing.T) *manifest.Catalog {
	return newCatalog(t,
		&manifest.Manifest{
			ModuleID:         "a",
			Name:             "A",
			Version:          "1.0.0",
			DefaultSettings:  map[string]interface{}{"enabled_features": []interface{}{"clock_in"}, "grace_minutes": 5.0},
			PermissionLevels: map[string][]string{"manager": {"a.view", "a.edit"}, "staff": {"a.view"}},
		},
		&manifest.Manifest{ModuleID: "b", Name: "B", Version: "1.0.0", Dependencies: []string{"a"}},
	)
}

func TestLifecycleScenario(t *testing.T) {
	g := goblin.Goblin(t)

	g.Describe("Module lifecycle with a dependency", func() {
		var m *Manager
		var rec *recorder
		ctx := context.Background()
		branch := Branch("1")

		g.BeforeEach(func() {
			rec = &recorder{}
			m = newTestManager(t, abCatalog(t), WithObserver(rec))
		})

		g.It("blocks uninstalling a dependency until its dependents are gone", func() {
			_, err := m.Install(ctx, "a", branch, "owner")
			g.Assert(err).IsNil()
			_, err = m.Activate(ctx, "a", branch, "owner")
			g.Assert(err).IsNil()
			_, err = m.Install(ctx, "b", branch, "owner")
			g.Assert(err).IsNil()
			_, err = m.Activate(ctx, "b", branch, "owner")
			g.Assert(err).IsNil()

			err = m.Uninstall(ctx, "a", branch, "owner")
			var has *HasDependentsError
			g.Assert(errors.As(err, &has)).IsTrue()
			g.Assert(has.Blocking).Equal([]string{"b"})

			_, err = m.Deactivate(ctx, "b", branch, "owner")
			g.Assert(err).IsNil()
			g.Assert(m.Uninstall(ctx, "b", branch, "owner")).IsNil()
			g.Assert(m.Uninstall(ctx, "a", branch, "owner")).IsNil()

			all, err := m.ListInstallations(ctx, Filter{})
			g.Assert(err).IsNil()
			g.Assert(len(all)).Equal(0)
		})

		g.It("refuses to activate a module before its dependencies", func() {
			_, err := m.Install(ctx, "b", branch, "owner")
			g.Assert(err).IsNil()

			_, err = m.Activate(ctx, "b", branch, "owner")
			var dep *DependencyNotSatisfiedError
			g.Assert(errors.As(err, &dep)).IsTrue()
			g.Assert(dep.Missing).Equal([]string{"a"})
			g.Assert(errors.Is(err, ErrDependencyNotSatisfied)).IsTrue()
		})

		g.It("only counts dependencies activated in the same scope", func() {
			_, err := m.Install(ctx, "a", Branch("2"), "owner")
			g.Assert(err).IsNil()
			_, err = m.Activate(ctx, "a", Branch("2"), "owner")
			g.Assert(err).IsNil()
			_, err = m.Install(ctx, "b", branch, "owner")
			g.Assert(err).IsNil()

			_, err = m.Activate(ctx, "b", branch, "owner")
			g.Assert(errors.Is(err, ErrDependencyNotSatisfied)).IsTrue()
		})

		g.It("leaves the record untouched on a second install", func() {
			first, err := m.Install(ctx, "a", branch, "owner")
			g.Assert(err).IsNil()

			_, err = m.Install(ctx, "a", branch, "intruder")
			g.Assert(errors.Is(err, ErrAlreadyInstalled)).IsTrue()

			got, err := m.GetInstallation(ctx, "a", branch)
			g.Assert(err).IsNil()
			g.Assert(got.InstalledBy).Equal("owner")
			g.Assert(got.CreatedAt.Equal(first.CreatedAt)).IsTrue()
			g.Assert(got.Status).Equal(StatusInstalled)
		})

		g.It("announces every committed transition in order", func() {
			_, _ = m.Install(ctx, "a", branch, "owner")
			_, _ = m.Activate(ctx, "a", branch, "owner")
			_, _ = m.Deactivate(ctx, "a", branch, "owner")
			_ = m.Uninstall(ctx, "a", branch, "owner")

			g.Assert(rec.types()).Equal([]string{EventInstalled, EventActivated, EventDeactivated, EventUninstalled})
		})
	})
}

func TestInstall_UnknownModule(t *testing.T) {
	m := newTestManager(t, abCatalog(t))
	_, err := m.Install(context.Background(), "payroll", Branch("1"), "owner")
	if !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
	if Code(err) != "unknown_module" {
		t.Fatalf("unexpected code %q", Code(err))
	}
}

func TestInstall_InvalidScope(t *testing.T) {
	m := newTestManager(t, abCatalog(t))
	_, err := m.Install(context.Background(), "a", Scope{Type: "region", ID: "eu"}, "owner")
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("expected ErrInvalidScope, got %v", err)
	}
}

func TestInstall_CopiesDefaultsAndPermissions(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, abCatalog(t))
	if _, err := m.Install(ctx, "a", Brand("acme"), "owner"); err != nil {
		t.Fatal(err)
	}

	settings, err := m.GetSettings(ctx, "a", Brand("acme"))
	if err != nil {
		t.Fatal(err)
	}
	if settings["grace_minutes"] != 5.0 {
		t.Fatalf("expected default grace_minutes, got %v", settings["grace_minutes"])
	}

	ok, err := m.HasPermission(ctx, "a", Brand("acme"), "staff", "a.view")
	if err != nil || !ok {
		t.Fatalf("expected staff to hold a.view, got %v %v", ok, err)
	}
	ok, _ = m.HasPermission(ctx, "a", Brand("acme"), "staff", "a.edit")
	if ok {
		t.Fatalf("expected staff not to hold a.edit")
	}
}

func TestDeactivate_RequiresActivated(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, abCatalog(t))
	if _, err := m.Install(ctx, "a", Branch("1"), "owner"); err != nil {
		t.Fatal(err)
	}
	_, err := m.Deactivate(ctx, "a", Branch("1"), "owner")
	if !errors.Is(err, ErrNotActivated) {
		t.Fatalf("expected ErrNotActivated, got %v", err)
	}
	_, err = m.Deactivate(ctx, "b", Branch("1"), "owner")
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestActivate_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, abCatalog(t))
	_, _ = m.Install(ctx, "a", Branch("1"), "owner")
	if _, err := m.Activate(ctx, "a", Branch("1"), "owner"); err != nil {
		t.Fatal(err)
	}
	_, err := m.Activate(ctx, "a", Branch("1"), "owner")
	var tr *InvalidTransitionError
	if !errors.As(err, &tr) || tr.From != StatusActivated {
		t.Fatalf("expected InvalidTransitionError from activated, got %v", err)
	}
}

func TestSideStates(t *testing.T) {
	ctx := context.Background()
	branch := Branch("9")
	m := newTestManager(t, abCatalog(t))
	_, _ = m.Install(ctx, "a", branch, "owner")

	if _, err := m.SetMaintenance(ctx, "a", branch, "owner", "upgrade"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected maintenance to be refused from installed, got %v", err)
	}

	_, _ = m.Activate(ctx, "a", branch, "owner")
	inst, err := m.SetMaintenance(ctx, "a", branch, "owner", "upgrade")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != StatusMaintenance || inst.PreviousStatus != StatusActivated || inst.StatusReason != "upgrade" {
		t.Fatalf("unexpected installation %+v", inst)
	}

	if err := m.Uninstall(ctx, "a", branch, "owner"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected uninstall to be refused in maintenance, got %v", err)
	}
	if _, err := m.Activate(ctx, "a", branch, "owner"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected activate to be refused in maintenance, got %v", err)
	}
	if active, _ := m.IsActivated(ctx, "a", branch); active {
		t.Fatalf("expected module in maintenance not to count as activated")
	}

	inst, err = m.ClearState(ctx, "a", branch, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != StatusDeactivated || inst.StatusReason != "" {
		t.Fatalf("expected cleared state to land in deactivated, got %+v", inst)
	}
	if _, err := m.ClearState(ctx, "a", branch, "owner"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected clearing a normal state to fail, got %v", err)
	}
}

type graceModule struct {
	activated   []Scope
	deactivated []Scope
}

func (graceModule) Name() string        { return "A" }
func (graceModule) Description() string { return "test module" }

func (graceModule) ValidateSettings(s map[string]interface{}) error {
	if v, ok := s["grace_minutes"].(float64); ok && v < 0 {
		return errors.New("grace_minutes must not be negative")
	}
	return nil
}

func (g *graceModule) Activate(_ context.Context, scope Scope, _ map[string]interface{}) error {
	g.activated = append(g.activated, scope)
	return nil
}

func (g *graceModule) Deactivate(_ context.Context, scope Scope) error {
	g.deactivated = append(g.deactivated, scope)
	return nil
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	branch := Branch("3")
	m := newTestManager(t, abCatalog(t))
	mod := &graceModule{}
	if err := m.Register(mod); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(mod); err == nil {
		t.Fatalf("expected a second registration to fail")
	}
	_, _ = m.Install(ctx, "a", branch, "owner")

	out, err := m.UpdateSettings(ctx, "a", branch, map[string]interface{}{"grace_minutes": 10.0, "rounding": "quarter"}, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if out["grace_minutes"] != 10.0 || out["rounding"] != "quarter" {
		t.Fatalf("unexpected settings %v", out)
	}

	_, err = m.UpdateSettings(ctx, "a", branch, map[string]interface{}{"grace_minutes": -1.0}, "owner")
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}

	stored, _ := m.GetSettings(ctx, "a", branch)
	if stored["grace_minutes"] != 10.0 {
		t.Fatalf("expected rejected update not to be stored, got %v", stored["grace_minutes"])
	}

	out, err = m.UpdateSettings(ctx, "a", branch, map[string]interface{}{"rounding": nil}, "owner")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := out["rounding"]; ok {
		t.Fatalf("expected nil to remove the stored key, got %v", out)
	}

	_, _ = m.Activate(ctx, "a", branch, "owner")
	_, _ = m.Deactivate(ctx, "a", branch, "owner")
	if len(mod.activated) != 1 || len(mod.deactivated) != 1 {
		t.Fatalf("expected activation hooks to run once each, got %d/%d", len(mod.activated), len(mod.deactivated))
	}
}

func TestRestore_MovesBrokenInstallationsToError(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenInMemory(uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	store := NewGormStore(db)
	branch := Branch("1")

	first := NewManager(abCatalog(t), store)
	for _, id := range []string{"a", "b"} {
		if _, err := first.Install(ctx, id, branch, "owner"); err != nil {
			t.Fatal(err)
		}
		if _, err := first.Activate(ctx, id, branch, "owner"); err != nil {
			t.Fatal(err)
		}
	}
	// Simulate a crash that left a dependency in a non activated state.
	a, _ := store.Find(ctx, "a", branch)
	a.Status = StatusDeactivated
	if err := store.UpdateStatus(ctx, a); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	second := NewManager(abCatalog(t), store, WithObserver(rec))
	if err := second.Restore(ctx); err != nil {
		t.Fatal(err)
	}

	b, err := second.GetInstallation(ctx, "b", branch)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != StatusError || b.StatusReason == "" {
		t.Fatalf("expected b in error with a reason, got %+v", b)
	}
	if types := rec.types(); len(types) != 1 || types[0] != EventError {
		t.Fatalf("expected one error event, got %v", types)
	}
}

func TestConcurrentInstall_OnlyOneSucceeds(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, abCatalog(t))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Install(ctx, "a", Branch("1"), "owner"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyInstalled) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if succeeded != 1 {
		t.Fatalf("expected exactly one install to succeed, got %d", succeeded)
	}
}

func TestConcurrentActivateAndUninstall_KeepDependencyGraph(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, abCatalog(t))

	for i := 0; i < 50; i++ {
		scope := Branch(strconv.Itoa(i))
		for _, step := range []func() error{
			func() error { _, err := m.Install(ctx, "a", scope, "owner"); return err },
			func() error { _, err := m.Activate(ctx, "a", scope, "owner"); return err },
			func() error { _, err := m.Install(ctx, "b", scope, "owner"); return err },
		} {
			if err := step(); err != nil {
				t.Fatal(err)
			}
		}

		var wg sync.WaitGroup
		var activateErr, uninstallErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, activateErr = m.Activate(ctx, "b", scope, "owner")
		}()
		go func() {
			defer wg.Done()
			uninstallErr = m.Uninstall(ctx, "a", scope, "owner")
		}()
		wg.Wait()

		switch {
		case activateErr == nil && uninstallErr == nil:
			t.Fatalf("%s: b was activated while a was uninstalled", scope)
		case activateErr == nil:
			if !errors.Is(uninstallErr, ErrHasDependents) {
				t.Fatalf("%s: expected ErrHasDependents, got %v", scope, uninstallErr)
			}
		case uninstallErr == nil:
			if !errors.Is(activateErr, ErrDependencyNotSatisfied) {
				t.Fatalf("%s: expected ErrDependencyNotSatisfied, got %v", scope, activateErr)
			}
		default:
			t.Fatalf("%s: expected one operation to succeed, got %v and %v", scope, activateErr, uninstallErr)
		}

		b, err := m.GetInstallation(ctx, "b", scope)
		if err != nil {
			t.Fatal(err)
		}
		if b.Status == StatusActivated {
			if a, err := m.GetInstallation(ctx, "a", scope); err != nil || a.Status != StatusActivated {
				t.Fatalf("%s: b is activated without an activated a (%v)", scope, err)
			}
		}
	}
}

func TestResultOf(t *testing.T) {
	r := ResultOf(nil, &HasDependentsError{ModuleID: "a", Scope: Branch("1"), Blocking: []string{"b"}})
	if r.Success || r.Code != "has_dependents" {
		t.Fatalf("unexpected result %+v", r)
	}
	if blocking, ok := r.Details["blocking"].([]string); !ok || blocking[0] != "b" {
		t.Fatalf("expected blocking details, got %v", r.Details)
	}
	if r := ResultOf("ok", nil); !r.Success || r.Data != "ok" {
		t.Fatalf("unexpected result %+v", r)
	}
	if Code(errors.New("boom")) != "internal" {
		t.Fatalf("expected internal code for unknown errors")
	}
}
