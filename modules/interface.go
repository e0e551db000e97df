package modules

import (
	"context"
)

// Module is the runtime side of an installable module. Registering one with
// the Manager is optional; modules without a registration are managed purely
// from their manifest.
type Module interface {
	// Name returns the module id the implementation belongs to.
	Name() string

	// Description returns a human-readable description of what this module does
	Description() string

	// ValidateSettings checks the effective settings (manifest defaults merged
	// with the installation overrides) before they are stored.
	ValidateSettings(settings map[string]interface{}) error
}

// Activator is implemented by modules that need to run code when they are
// activated or deactivated in a scope. Hooks run after the transition is
// committed and outside of the scope lock.
type Activator interface {
	Activate(ctx context.Context, scope Scope, settings map[string]interface{}) error
	Deactivate(ctx context.Context, scope Scope) error
}

// Observer receives every committed lifecycle transition.
type Observer interface {
	OnLifecycle(ctx context.Context, ev LifecycleEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, ev LifecycleEvent)

func (f ObserverFunc) OnLifecycle(ctx context.Context, ev LifecycleEvent) {
	f(ctx, ev)
}
