package models

import (
	"time"
)

// Installation is the persisted lifecycle record of one module in one scope.
// The (module_id, scope_type, scope_id) triple is unique.
type Installation struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ModuleID  string `gorm:"uniqueIndex:idx_installation_identity;not null" json:"module_id"`
	ScopeType string `gorm:"uniqueIndex:idx_installation_identity;not null" json:"scope_type"`
	ScopeID   string `gorm:"uniqueIndex:idx_installation_identity;not null" json:"scope_id"`

	Status         string     `gorm:"index;not null" json:"status"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	StatusReason   string     `json:"status_reason,omitempty"`
	Version        string     `gorm:"not null" json:"version"`
	InstalledBy    string     `json:"installed_by"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`

	Settings    []InstallationSetting    `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Permissions []InstallationPermission `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for GORM
func (Installation) TableName() string {
	return "installations"
}

// InstallationSetting is one settings override of an installation. Value is
// JSON encoded.
type InstallationSetting struct {
	ID             uint   `gorm:"primarykey"`
	InstallationID uint   `gorm:"uniqueIndex:idx_installation_setting;not null"`
	Key            string `gorm:"uniqueIndex:idx_installation_setting;not null"`
	Value          string `gorm:"type:text"`
}

func (InstallationSetting) TableName() string {
	return "installation_settings"
}

// InstallationPermission grants a permission to a role for an installation,
// copied from the module manifest at install time.
type InstallationPermission struct {
	ID             uint   `gorm:"primarykey"`
	InstallationID uint   `gorm:"index;not null"`
	Role           string `gorm:"not null"`
	Permission     string `gorm:"not null"`
}

func (InstallationPermission) TableName() string {
	return "installation_permissions"
}
