package modules

// Status is the lifecycle state of an installation.
type Status string

const (
	// StatusAvailable is reported for modules that have a manifest but no
	// installation in the scope. It is never persisted.
	StatusAvailable   Status = "available"
	StatusInstalled   Status = "installed"
	StatusActivated   Status = "activated"
	StatusDeactivated Status = "deactivated"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// IsSideState reports whether the status must be cleared before any other
// lifecycle transition is allowed.
func (s Status) IsSideState() bool {
	return s == StatusError || s == StatusMaintenance
}

// transitions lists every status an installation may move to from a given
// status. Uninstall is modelled as a move to StatusAvailable.
var transitions = map[Status][]Status{
	StatusInstalled:   {StatusActivated, StatusAvailable},
	StatusActivated:   {StatusDeactivated, StatusAvailable, StatusError, StatusMaintenance},
	StatusDeactivated: {StatusActivated, StatusAvailable, StatusError, StatusMaintenance},
	StatusError:       {StatusDeactivated},
	StatusMaintenance: {StatusDeactivated},
}

// CanTransition reports whether moving from one status to another is a legal
// lifecycle transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
