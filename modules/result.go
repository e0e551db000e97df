package modules

import (
	"emperror.dev/errors"
)

// Result is the response envelope handed to transport layers. Error is the
// human readable message and Code a stable identifier for it.
type Result struct {
	Success bool                   `json:"success"`
	Data    interface{}            `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ResultOf wraps the outcome of a lifecycle call.
func ResultOf(data interface{}, err error) Result {
	if err == nil {
		return Result{Success: true, Data: data}
	}
	r := Result{Error: err.Error(), Code: Code(err)}

	var dep *DependencyNotSatisfiedError
	var has *HasDependentsError
	var tr *InvalidTransitionError
	switch {
	case errors.As(err, &dep):
		r.Details = map[string]interface{}{"missing": dep.Missing}
	case errors.As(err, &has):
		r.Details = map[string]interface{}{"blocking": has.Blocking}
	case errors.As(err, &tr):
		r.Details = map[string]interface{}{"from": tr.From, "to": tr.To}
	}
	return r
}

// Code returns the stable error code of a lifecycle error, or "internal" for
// errors outside of the lifecycle taxonomy.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownModule):
		return "unknown_module"
	case errors.Is(err, ErrAlreadyInstalled):
		return "already_installed"
	case errors.Is(err, ErrNotInstalled):
		return "not_installed"
	case errors.Is(err, ErrNotActivated):
		return "not_activated"
	case errors.Is(err, ErrDependencyNotSatisfied):
		return "dependency_not_satisfied"
	case errors.Is(err, ErrHasDependents):
		return "has_dependents"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidScope):
		return "invalid_scope"
	case errors.Is(err, ErrInvalidSettings):
		return "invalid_settings"
	default:
		return "internal"
	}
}
