package models

import (
	"time"
)

// RuleSync tracks when a batch integration rule last ran.
type RuleSync struct {
	RuleID    string    `gorm:"primarykey" json:"rule_id"`
	UpdatedAt time.Time `json:"updated_at"`

	// LastSyncTime is the tick time of the last successful run. It is the
	// upper bound of the window pulled by that run.
	LastSyncTime time.Time `json:"last_sync_time"`

	// LastAttemptTime is the tick time of the last run, successful or not.
	LastAttemptTime time.Time `json:"last_attempt_time"`

	LastError string `gorm:"type:text" json:"last_error,omitempty"`
	Runs      int64  `json:"runs"`
	Failures  int64  `json:"failures"`
}

func (RuleSync) TableName() string {
	return "integration_rule_syncs"
}
