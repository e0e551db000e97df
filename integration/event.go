package integration

import (
	"strings"
	"time"

	"github.com/priyxstudio/franchise/modules"
)

// Event is a domain event flowing between modules.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"event_type"`
	ModuleID  string                 `json:"module_id"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	ScopeType string                 `json:"scope_type,omitempty"`
	ScopeID   string                 `json:"scope_id,omitempty"`

	// Payload is the typed form of Data for event types with a registered
	// schema. It is populated by Emit.
	Payload Payload `json:"-"`
}

const (
	EventBatchCompleted     = "integration.batch_completed"
	EventThresholdExceeded  = "alert.threshold_exceeded"
	EventThresholdRecovered = "alert.recovered"
)

// Scope resolves the scope the event belongs to. Events that only carry a
// scope id belong to that branch; events with neither belong to the system
// scope.
func (e Event) Scope() modules.Scope {
	switch {
	case e.ScopeType != "" && e.ScopeID != "":
		return modules.Scope{Type: modules.ScopeType(e.ScopeType), ID: e.ScopeID}
	case e.ScopeType == string(modules.ScopeSystem):
		return modules.SystemScope()
	case e.ScopeID != "":
		return modules.Branch(e.ScopeID)
	default:
		return modules.SystemScope()
	}
}

// IsEngineEvent reports whether the event type belongs to one of the
// namespaces the engine itself emits into. Rules only see these events when
// they list the type explicitly.
func IsEngineEvent(eventType string) bool {
	for _, p := range []string{"module.", "alert.", "integration."} {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}
