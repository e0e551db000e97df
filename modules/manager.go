package modules

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"

	"github.com/priyxstudio/franchise/internal/metrics"
	"github.com/priyxstudio/franchise/manifest"
)

// Manager owns the installation lifecycle of every module in every scope.
// Mutations within one scope are serialized; different scopes proceed
// independently.
type Manager struct {
	catalog *manifest.Catalog
	store   Store
	locks   scopeLocks

	mu        sync.RWMutex
	modules   map[string]Module
	observers []Observer

	clock   func() time.Time
	metrics *metrics.Collector
	logger  *log.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver registers an observer notified of every committed transition.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, o)
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		m.clock = fn
	}
}

// WithMetrics records lifecycle operations on the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// NewManager creates a new module manager
func NewManager(catalog *manifest.Catalog, store Store, opts ...Option) *Manager {
	m := &Manager{
		catalog: catalog,
		store:   store,
		modules: make(map[string]Module),
		clock:   time.Now,
		logger:  log.WithField("component", "modules"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddObserver registers an observer after construction.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Register registers a runtime module implementation with the manager
func (m *Manager) Register(module Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := manifest.NormalizeID(module.Name())
	if _, exists := m.modules[name]; exists {
		return errors.Errorf("modules: %s is already registered", name)
	}

	m.modules[name] = module
	m.logger.WithField("module_id", name).Info("module implementation registered")
	return nil
}

// Get retrieves a registered module implementation by id
func (m *Manager) Get(moduleID string) (Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	module, exists := m.modules[manifest.NormalizeID(moduleID)]
	return module, exists
}

// List returns all registered module implementations sorted by name
func (m *Manager) List() []Module {
	m.mu.RLock()
	result := make([]Module, 0, len(m.modules))
	for _, module := range m.modules {
		result = append(result, module)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// Install creates an installed record for the module in the scope using the
// manifest default settings and permission levels.
func (m *Manager) Install(ctx context.Context, moduleID string, scope Scope, actor string) (_ *Installation, err error) {
	defer m.observe("install", time.Now(), &err)

	id, mf, err := m.prepare(moduleID, scope)
	if err != nil {
		return nil, err
	}

	var inst *Installation
	err = m.withScope(scope, func() error {
		if _, err := m.store.Find(ctx, id, scope); err == nil {
			return errors.WithMessagef(ErrAlreadyInstalled, "%s in %s", id, scope)
		} else if !errors.Is(err, ErrNotInstalled) {
			return err
		}

		ts := now(m.clock)
		inst = &Installation{
			ModuleID:    id,
			Scope:       scope,
			Status:      StatusInstalled,
			Version:     mf.Version,
			Settings:    mf.Defaults(),
			InstalledBy: actor,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if err := m.store.Create(ctx, inst, mf.PermissionLevels); err != nil {
			if errors.Is(err, ErrAlreadyInstalled) {
				return errors.WithMessagef(ErrAlreadyInstalled, "%s in %s", id, scope)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(log.Fields{"module_id": id, "scope": scope.String(), "actor": actor}).Info("module installed")
	m.notify(ctx, EventInstalled, inst, actor)
	return inst.clone(), nil
}

// Activate moves an installed or deactivated module to activated. Every
// dependency of the module must already be activated in the same scope.
func (m *Manager) Activate(ctx context.Context, moduleID string, scope Scope, actor string) (_ *Installation, err error) {
	defer m.observe("activate", time.Now(), &err)

	id, mf, err := m.prepare(moduleID, scope)
	if err != nil {
		return nil, err
	}

	var inst *Installation
	err = m.withScope(scope, func() error {
		cur, err := m.find(ctx, id, scope)
		if err != nil {
			return err
		}
		if cur.Status != StatusInstalled && cur.Status != StatusDeactivated {
			return &InvalidTransitionError{ModuleID: id, From: cur.Status, To: StatusActivated}
		}

		snap, err := m.store.Snapshot(ctx, scope)
		if err != nil {
			return err
		}
		if missing := UnsatisfiedDependencies(mf, snap); len(missing) > 0 {
			return &DependencyNotSatisfiedError{ModuleID: id, Scope: scope, Missing: missing}
		}

		ts := now(m.clock)
		cur.PreviousStatus = cur.Status
		cur.Status = StatusActivated
		cur.StatusReason = ""
		cur.ActivatedAt = &ts
		cur.UpdatedAt = ts
		if err := m.store.UpdateStatus(ctx, cur); err != nil {
			return err
		}
		inst = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	if hook, ok := m.activator(id); ok {
		if herr := hook.Activate(ctx, scope, m.effective(mf, inst.Settings)); herr != nil {
			m.logger.WithError(herr).WithFields(log.Fields{"module_id": id, "scope": scope.String()}).Error("module activation hook failed")
			if _, merr := m.MarkError(ctx, id, scope, "activation hook failed: "+herr.Error()); merr != nil {
				m.logger.WithError(merr).WithField("module_id", id).Error("failed to move module into error state")
			}
			return nil, errors.Wrapf(herr, "modules: failed to activate %s in %s", id, scope)
		}
	}

	m.logger.WithFields(log.Fields{"module_id": id, "scope": scope.String(), "actor": actor}).Info("module activated")
	m.notify(ctx, EventActivated, inst, actor)
	return inst.clone(), nil
}

// Deactivate moves an activated module to deactivated. Dependents are not
// checked; deactivation is reversible.
func (m *Manager) Deactivate(ctx context.Context, moduleID string, scope Scope, actor string) (_ *Installation, err error) {
	defer m.observe("deactivate", time.Now(), &err)

	id, _, err := m.prepare(moduleID, scope)
	if err != nil {
		return nil, err
	}

	var inst *Installation
	err = m.withScope(scope, func() error {
		cur, err := m.find(ctx, id, scope)
		if err != nil {
			return err
		}
		if cur.Status != StatusActivated {
			return errors.WithMessagef(ErrNotActivated, "%s in %s is %s", id, scope, cur.Status)
		}

		cur.PreviousStatus = cur.Status
		cur.Status = StatusDeactivated
		cur.UpdatedAt = now(m.clock)
		if err := m.store.UpdateStatus(ctx, cur); err != nil {
			return err
		}
		inst = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.runDeactivateHook(ctx, id, scope)
	m.logger.WithFields(log.Fields{"module_id": id, "scope": scope.String(), "actor": actor}).Info("module deactivated")
	m.notify(ctx, EventDeactivated, inst, actor)
	return inst.clone(), nil
}

// Uninstall permanently removes the installation with its settings and
// permissions. It fails while any other activated module in the scope depends
// on it, and while the installation is in a side state.
func (m *Manager) Uninstall(ctx context.Context, moduleID string, scope Scope, actor string) (err error) {
	defer m.observe("uninstall", time.Now(), &err)

	id, _, err := m.prepare(moduleID, scope)
	if err != nil {
		return err
	}

	var inst *Installation
	err = m.withScope(scope, func() error {
		cur, err := m.find(ctx, id, scope)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, StatusAvailable) {
			return &InvalidTransitionError{ModuleID: id, From: cur.Status, To: StatusAvailable}
		}

		snap, err := m.store.Snapshot(ctx, scope)
		if err != nil {
			return err
		}
		if blocking := Dependents(id, snap, m.catalog.Graph()); len(blocking) > 0 {
			return &HasDependentsError{ModuleID: id, Scope: scope, Blocking: blocking}
		}

		if err := m.store.Delete(ctx, cur); err != nil {
			return err
		}
		inst = cur
		return nil
	})
	if err != nil {
		return err
	}

	if inst.Status == StatusActivated {
		m.runDeactivateHook(ctx, id, scope)
	}
	m.logger.WithFields(log.Fields{"module_id": id, "scope": scope.String(), "actor": actor}).Info("module uninstalled")
	inst.PreviousStatus = inst.Status
	inst.Status = StatusAvailable
	m.notify(ctx, EventUninstalled, inst, actor)
	return nil
}

// GetInstallation returns the installation of the module in the scope.
func (m *Manager) GetInstallation(ctx context.Context, moduleID string, scope Scope) (*Installation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	inst, err := m.find(ctx, manifest.NormalizeID(moduleID), scope)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ListInstallations returns every installation matching the filter.
func (m *Manager) ListInstallations(ctx context.Context, filter Filter) ([]*Installation, error) {
	if filter.ModuleID != "" {
		filter.ModuleID = manifest.NormalizeID(filter.ModuleID)
	}
	return m.store.List(ctx, filter)
}

// IsActivated reports whether the module is activated in the scope.
func (m *Manager) IsActivated(ctx context.Context, moduleID string, scope Scope) (bool, error) {
	inst, err := m.store.Find(ctx, manifest.NormalizeID(moduleID), scope)
	if err != nil {
		if errors.Is(err, ErrNotInstalled) {
			return false, nil
		}
		return false, err
	}
	return inst.Status == StatusActivated, nil
}

// GetSettings returns the effective settings of the installation: the
// manifest defaults overlaid with the stored values.
func (m *Manager) GetSettings(ctx context.Context, moduleID string, scope Scope) (map[string]interface{}, error) {
	id, mf, err := m.prepare(moduleID, scope)
	if err != nil {
		return nil, err
	}
	inst, err := m.find(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	return m.effective(mf, inst.Settings), nil
}

// UpdateSettings merges overrides into the stored settings of the
// installation and returns the resulting effective settings. A nil value
// removes the stored key so the manifest default applies again.
func (m *Manager) UpdateSettings(ctx context.Context, moduleID string, scope Scope, overrides map[string]interface{}, actor string) (_ map[string]interface{}, err error) {
	defer m.observe("update_settings", time.Now(), &err)

	id, mf, err := m.prepare(moduleID, scope)
	if err != nil {
		return nil, err
	}

	var inst *Installation
	var effective map[string]interface{}
	err = m.withScope(scope, func() error {
		cur, err := m.find(ctx, id, scope)
		if err != nil {
			return err
		}

		stored := make(map[string]interface{}, len(cur.Settings)+len(overrides))
		for k, v := range cur.Settings {
			stored[k] = v
		}
		for k, v := range overrides {
			if v == nil {
				delete(stored, k)
				continue
			}
			stored[k] = v
		}

		effective = m.effective(mf, stored)
		if module, ok := m.Get(id); ok {
			if verr := module.ValidateSettings(effective); verr != nil {
				return errors.WithMessagef(ErrInvalidSettings, "%s: %s", id, verr.Error())
			}
		}

		cur.Settings = stored
		cur.UpdatedAt = now(m.clock)
		if err := m.store.ReplaceSettings(ctx, cur); err != nil {
			return err
		}
		inst = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(log.Fields{"module_id": id, "scope": scope.String(), "actor": actor}).Info("module settings updated")
	m.notify(ctx, EventSettingsUpdated, inst, actor)
	return effective, nil
}

// SetMaintenance moves an activated or deactivated module into maintenance.
func (m *Manager) SetMaintenance(ctx context.Context, moduleID string, scope Scope, actor, reason string) (*Installation, error) {
	return m.enterSideState(ctx, "maintenance", moduleID, scope, actor, StatusMaintenance, reason, EventMaintenance)
}

// MarkError moves an activated or deactivated module into the error state.
func (m *Manager) MarkError(ctx context.Context, moduleID string, scope Scope, reason string) (*Installation, error) {
	return m.enterSideState(ctx, "mark_error", moduleID, scope, "", StatusError, reason, EventError)
}

func (m *Manager) enterSideState(ctx context.Context, op, moduleID string, scope Scope, actor string, to Status, reason, event string) (_ *Installation, err error) {
	defer m.observe(op, time.Now(), &err)

	id, _, err := m.prepare(moduleID, scope)
	if err != nil {
		return nil, err
	}

	var inst *Installation
	err = m.withScope(scope, func() error {
		cur, err := m.find(ctx, id, scope)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, to) {
			return &InvalidTransitionError{ModuleID: id, From: cur.Status, To: to}
		}

		cur.PreviousStatus = cur.Status
		cur.Status = to
		cur.StatusReason = reason
		cur.UpdatedAt = now(m.clock)
		if err := m.store.UpdateStatus(ctx, cur); err != nil {
			return err
		}
		inst = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	if inst.PreviousStatus == StatusActivated {
		m.runDeactivateHook(ctx, id, scope)
	}
	m.logger.WithFields(log.Fields{"module_id": id, "scope": scope.String(), "status": string(to), "reason": reason}).Warn("module entered side state")
	m.notify(ctx, event, inst, actor)
	return inst.clone(), nil
}

// ClearState leaves the error or maintenance state. The installation always
// lands in deactivated so the next activation re-checks dependencies.
func (m *Manager) ClearState(ctx context.Context, moduleID string, scope Scope, actor string) (_ *Installation, err error) {
	defer m.observe("clear_state", time.Now(), &err)

	id, _, err := m.prepare(moduleID, scope)
	if err != nil {
		return nil, err
	}

	var inst *Installation
	err = m.withScope(scope, func() error {
		cur, err := m.find(ctx, id, scope)
		if err != nil {
			return err
		}
		if !cur.Status.IsSideState() {
			return &InvalidTransitionError{ModuleID: id, From: cur.Status, To: StatusDeactivated}
		}

		cur.PreviousStatus = cur.Status
		cur.Status = StatusDeactivated
		cur.StatusReason = ""
		cur.UpdatedAt = now(m.clock)
		if err := m.store.UpdateStatus(ctx, cur); err != nil {
			return err
		}
		inst = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithFields(log.Fields{"module_id": id, "scope": scope.String(), "actor": actor}).Info("module state cleared")
	m.notify(ctx, EventStateCleared, inst, actor)
	return inst.clone(), nil
}

// Permissions returns the role to permissions map recorded for the
// installation.
func (m *Manager) Permissions(ctx context.Context, moduleID string, scope Scope) (map[string][]string, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	inst, err := m.find(ctx, manifest.NormalizeID(moduleID), scope)
	if err != nil {
		return nil, err
	}
	return m.store.Permissions(ctx, inst)
}

// HasPermission reports whether role holds permission on the installation.
func (m *Manager) HasPermission(ctx context.Context, moduleID string, scope Scope, role, permission string) (bool, error) {
	perms, err := m.Permissions(ctx, moduleID, scope)
	if err != nil {
		return false, err
	}
	for _, p := range perms[role] {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

// Restore re-announces every activated installation to the observers at
// boot. Installations whose manifest is gone or whose dependencies are no
// longer activated are moved into the error state instead.
func (m *Manager) Restore(ctx context.Context) error {
	active, err := m.store.List(ctx, Filter{Status: StatusActivated})
	if err != nil {
		return errors.WithMessage(err, "modules: failed to restore installations")
	}

	scopes := make(map[Scope]struct{})
	for _, inst := range active {
		scopes[inst.Scope] = struct{}{}
	}

	var restored, failed []*Installation
	for scope := range scopes {
		err := m.withScope(scope, func() error {
			ok, broken, err := m.restoreScope(ctx, scope)
			restored = append(restored, ok...)
			failed = append(failed, broken...)
			return err
		})
		if err != nil {
			return err
		}
	}

	for _, inst := range failed {
		m.logger.WithFields(log.Fields{"module_id": inst.ModuleID, "scope": inst.Scope.String(), "reason": inst.StatusReason}).Warn("activated module could not be restored")
		m.notify(ctx, EventError, inst, "")
	}
	for _, inst := range restored {
		if hook, ok := m.activator(inst.ModuleID); ok {
			if herr := hook.Activate(ctx, inst.Scope, inst.Settings); herr != nil {
				m.logger.WithError(herr).WithField("module_id", inst.ModuleID).Error("module activation hook failed during restore")
			}
		}
		m.notify(ctx, EventRestored, inst, "")
	}
	m.logger.WithFields(log.Fields{"restored": len(restored), "failed": len(failed)}).Info("restored activated modules")
	return nil
}

// restoreScope must be called with the scope lock held. Breaking one module
// can break its dependents, so checks repeat until nothing changes.
func (m *Manager) restoreScope(ctx context.Context, scope Scope) (restored, failed []*Installation, err error) {
	installs, err := m.store.List(ctx, Filter{ScopeType: scope.Type, ScopeID: scope.ID})
	if err != nil {
		return nil, nil, err
	}
	snap := make(Snapshot, len(installs))
	for _, inst := range installs {
		snap[inst.ModuleID] = inst.Status
	}

	for changed := true; changed; {
		changed = false
		for _, inst := range installs {
			if inst.Status != StatusActivated {
				continue
			}
			var reason string
			if mf, ok := m.catalog.Get(inst.ModuleID); !ok {
				reason = "manifest not found"
			} else if missing := UnsatisfiedDependencies(mf, snap); len(missing) > 0 {
				reason = "dependencies not activated: " + strings.Join(missing, ", ")
			}
			if reason == "" {
				continue
			}

			inst.PreviousStatus = inst.Status
			inst.Status = StatusError
			inst.StatusReason = reason
			inst.UpdatedAt = now(m.clock)
			if err := m.store.UpdateStatus(ctx, inst); err != nil {
				return nil, nil, err
			}
			snap[inst.ModuleID] = StatusError
			failed = append(failed, inst.clone())
			changed = true
		}
	}

	for _, inst := range installs {
		if inst.Status == StatusActivated {
			if mf, ok := m.catalog.Get(inst.ModuleID); ok {
				inst.Settings = m.effective(mf, inst.Settings)
			}
			restored = append(restored, inst.clone())
		}
	}
	return restored, failed, nil
}

func (m *Manager) prepare(moduleID string, scope Scope) (string, *manifest.Manifest, error) {
	id := manifest.NormalizeID(moduleID)
	if err := scope.Validate(); err != nil {
		return id, nil, err
	}
	mf, ok := m.catalog.Get(id)
	if !ok {
		return id, nil, errors.WithMessagef(ErrUnknownModule, "%s", id)
	}
	return id, mf, nil
}

func (m *Manager) find(ctx context.Context, id string, scope Scope) (*Installation, error) {
	inst, err := m.store.Find(ctx, id, scope)
	if err != nil {
		if errors.Is(err, ErrNotInstalled) {
			return nil, errors.WithMessagef(ErrNotInstalled, "%s in %s", id, scope)
		}
		return nil, err
	}
	return inst, nil
}

func (m *Manager) withScope(scope Scope, fn func() error) error {
	unlock := m.locks.Lock(scope)
	defer unlock()
	return fn()
}

func (m *Manager) effective(mf *manifest.Manifest, stored map[string]interface{}) map[string]interface{} {
	out := mf.Defaults()
	for k, v := range stored {
		out[k] = v
	}
	return out
}

func (m *Manager) activator(id string) (Activator, bool) {
	module, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	a, ok := module.(Activator)
	return a, ok
}

func (m *Manager) runDeactivateHook(ctx context.Context, id string, scope Scope) {
	if hook, ok := m.activator(id); ok {
		if err := hook.Deactivate(ctx, scope); err != nil {
			m.logger.WithError(err).WithFields(log.Fields{"module_id": id, "scope": scope.String()}).Warn("module deactivation hook failed")
		}
	}
}

func (m *Manager) notify(ctx context.Context, event string, inst *Installation, actor string) {
	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()

	ev := LifecycleEvent{
		Type:         event,
		ModuleID:     inst.ModuleID,
		Scope:        inst.Scope,
		Actor:        actor,
		Installation: inst.clone(),
		Timestamp:    m.clock(),
	}
	for _, o := range observers {
		o.OnLifecycle(ctx, ev)
	}
}

func (m *Manager) observe(op string, start time.Time, err *error) {
	m.metrics.RecordTransition(op, time.Since(start), *err)
}

func (i *Installation) clone() *Installation {
	c := *i
	c.Settings = make(map[string]interface{}, len(i.Settings))
	for k, v := range i.Settings {
		c.Settings[k] = v
	}
	if i.ActivatedAt != nil {
		t := *i.ActivatedAt
		c.ActivatedAt = &t
	}
	return &c
}
