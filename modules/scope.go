package modules

import (
	"fmt"
	"strings"

	"emperror.dev/errors"
)

// ScopeType is the organizational level a module is installed at.
type ScopeType string

const (
	ScopeSystem ScopeType = "system"
	ScopeBrand  ScopeType = "brand"
	ScopeBranch ScopeType = "branch"
	ScopeUser   ScopeType = "user"
)

// SystemScopeID is the only valid identifier of the system scope.
const SystemScopeID = "system"

// Scope identifies one organizational unit. Installations in different
// scopes are independent of each other.
type Scope struct {
	Type ScopeType `json:"scope_type"`
	ID   string    `json:"scope_id"`
}

// SystemScope returns the process wide scope.
func SystemScope() Scope {
	return Scope{Type: ScopeSystem, ID: SystemScopeID}
}

// Branch returns the scope of a single branch.
func Branch(id string) Scope {
	return Scope{Type: ScopeBranch, ID: id}
}

// Brand returns the scope of a brand.
func Brand(id string) Scope {
	return Scope{Type: ScopeBrand, ID: id}
}

// User returns the scope of a single user.
func User(id string) Scope {
	return Scope{Type: ScopeUser, ID: id}
}

// Validate checks that the scope has a known type and an identifier.
func (s Scope) Validate() error {
	switch s.Type {
	case ScopeSystem:
		if s.ID != SystemScopeID {
			return errors.WithMessagef(ErrInvalidScope, "system scope id must be %q", SystemScopeID)
		}
	case ScopeBrand, ScopeBranch, ScopeUser:
		if strings.TrimSpace(s.ID) == "" {
			return errors.WithMessagef(ErrInvalidScope, "%s scope requires an id", s.Type)
		}
	default:
		return errors.WithMessagef(ErrInvalidScope, "unknown scope type %q", s.Type)
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s:%s", s.Type, s.ID)
}

// ParseScope parses the "type:id" form produced by String. A bare "system"
// is accepted as the system scope.
func ParseScope(v string) (Scope, error) {
	if v == string(ScopeSystem) {
		return SystemScope(), nil
	}
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return Scope{}, errors.WithMessagef(ErrInvalidScope, "expected type:id, got %q", v)
	}
	s := Scope{Type: ScopeType(parts[0]), ID: parts[1]}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}
