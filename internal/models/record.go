package models

import (
	"time"

	"gorm.io/datatypes"
)

// Record is an opaque business entity row in the central store. The engine
// only knows its collection, its scope and when it was recorded.
type Record struct {
	ID         uint              `gorm:"primarykey" json:"id"`
	Collection string            `gorm:"index:idx_record_window,priority:1;not null" json:"collection"`
	Key        string            `gorm:"index" json:"key"`
	EventType  string            `gorm:"index" json:"event_type,omitempty"`
	ScopeType  string            `json:"scope_type"`
	ScopeID    string            `json:"scope_id"`
	Data       datatypes.JSONMap `json:"data"`
	RecordedAt time.Time         `gorm:"index:idx_record_window,priority:2;not null" json:"recorded_at"`
}

func (Record) TableName() string {
	return "store_records"
}

// Notification is written by sinks reacting to integration events and alerts.
type Notification struct {
	ID        uint              `gorm:"primarykey" json:"id"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
	Level     string            `gorm:"not null" json:"level"`
	Title     string            `gorm:"not null" json:"title"`
	Message   string            `gorm:"type:text" json:"message"`
	ModuleID  string            `gorm:"index" json:"module_id"`
	ScopeType string            `json:"scope_type"`
	ScopeID   string            `json:"scope_id"`
	UserID    string            `json:"user_id,omitempty"`
	Data      datatypes.JSONMap `json:"data"`
	Read      bool              `gorm:"default:false" json:"read"`
}

func (Notification) TableName() string {
	return "notifications"
}
