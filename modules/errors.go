package modules

import (
	"fmt"
	"strings"

	"emperror.dev/errors"
)

var (
	// ErrUnknownModule is returned when no manifest exists for a module.
	ErrUnknownModule = errors.New("modules: unknown module")

	// ErrAlreadyInstalled is returned when installing a module that already
	// has an installation in the scope.
	ErrAlreadyInstalled = errors.New("modules: module is already installed")

	// ErrNotInstalled is returned when a module has no installation in the
	// scope.
	ErrNotInstalled = errors.New("modules: module is not installed")

	// ErrNotActivated is returned when deactivating a module that is not
	// activated.
	ErrNotActivated = errors.New("modules: module is not activated")

	// ErrDependencyNotSatisfied is matched by every DependencyNotSatisfiedError.
	ErrDependencyNotSatisfied = errors.New("modules: dependencies not satisfied")

	// ErrHasDependents is matched by every HasDependentsError.
	ErrHasDependents = errors.New("modules: module has activated dependents")

	// ErrInvalidTransition is matched by every InvalidTransitionError.
	ErrInvalidTransition = errors.New("modules: invalid lifecycle transition")

	// ErrInvalidScope is returned for scopes with an unknown type or missing id.
	ErrInvalidScope = errors.New("modules: invalid scope")

	// ErrInvalidSettings is returned when a registered module rejects settings.
	ErrInvalidSettings = errors.New("modules: invalid settings")
)

// DependencyNotSatisfiedError is returned by Activate when at least one
// dependency of the module is not activated in the same scope.
type DependencyNotSatisfiedError struct {
	ModuleID string
	Scope    Scope
	Missing  []string
}

func (e *DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("modules: cannot activate %s in %s, dependencies not activated: %s", e.ModuleID, e.Scope, strings.Join(e.Missing, ", "))
}

func (e *DependencyNotSatisfiedError) Is(target error) bool {
	return target == ErrDependencyNotSatisfied
}

// HasDependentsError is returned by Uninstall when activated modules in the
// same scope still depend on the module.
type HasDependentsError struct {
	ModuleID string
	Scope    Scope
	Blocking []string
}

func (e *HasDependentsError) Error() string {
	return fmt.Sprintf("modules: cannot uninstall %s in %s, required by: %s", e.ModuleID, e.Scope, strings.Join(e.Blocking, ", "))
}

func (e *HasDependentsError) Is(target error) bool {
	return target == ErrHasDependents
}

// InvalidTransitionError is returned when the current status of an
// installation does not allow the requested transition.
type InvalidTransitionError struct {
	ModuleID string
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("modules: %s cannot move from %s to %s", e.ModuleID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
