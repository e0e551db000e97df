package integration

import (
	"fmt"

	"emperror.dev/errors"
)

var (
	// ErrMalformedPayload is returned by Emit when an event is missing its
	// type or module, or its data does not match the registered payload.
	ErrMalformedPayload = errors.New("integration: malformed event payload")

	// ErrUnknownRule is returned when enabling or disabling a rule that was
	// never registered.
	ErrUnknownRule = errors.New("integration: unknown rule")

	// ErrInvalidRule is returned when registering a rule with missing fields,
	// an unknown integration type, a bad schedule or unparsable conditions.
	ErrInvalidRule = errors.New("integration: invalid rule")
)

// HandlerFailure describes a handler or listener that returned an error or
// panicked. It is logged and counted, never returned to the emitter.
type HandlerFailure struct {
	RuleID  string
	Handler string
	Cause   error
}

func (e *HandlerFailure) Error() string {
	if e.RuleID == "" {
		return fmt.Sprintf("integration: listener %s failed: %s", e.Handler, e.Cause)
	}
	return fmt.Sprintf("integration: handler %s for rule %s failed: %s", e.Handler, e.RuleID, e.Cause)
}

func (e *HandlerFailure) Unwrap() error {
	return e.Cause
}
