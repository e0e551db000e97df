package modules

import (
	"time"
)

// Installation is the lifecycle record of one module in one scope.
type Installation struct {
	id uint

	ModuleID       string                 `json:"module_id"`
	Scope          Scope                  `json:"scope"`
	Status         Status                 `json:"status"`
	PreviousStatus Status                 `json:"previous_status,omitempty"`
	StatusReason   string                 `json:"status_reason,omitempty"`
	Version        string                 `json:"version"`
	Settings       map[string]interface{} `json:"settings"`
	InstalledBy    string                 `json:"installed_by"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	ActivatedAt    *time.Time             `json:"activated_at,omitempty"`
}

// Filter narrows ListInstallations. Zero fields match everything.
type Filter struct {
	ModuleID  string
	ScopeType ScopeType
	ScopeID   string
	Status    Status
}

// LifecycleEvent describes a committed lifecycle transition.
type LifecycleEvent struct {
	// Type is the event type announced to observers, e.g. "module.activated".
	Type         string
	ModuleID     string
	Scope        Scope
	Actor        string
	Installation *Installation
	Timestamp    time.Time
}

const (
	EventInstalled       = "module.installed"
	EventActivated       = "module.activated"
	EventDeactivated     = "module.deactivated"
	EventUninstalled     = "module.uninstalled"
	EventSettingsUpdated = "module.settings_updated"
	EventMaintenance     = "module.maintenance"
	EventError           = "module.error"
	EventStateCleared    = "module.state_cleared"
	EventRestored        = "module.restored"
)
