package scheduler

import (
	"context"
	"time"

	"emperror.dev/errors"
	"gorm.io/gorm"

	"github.com/priyxstudio/franchise/internal/models"
)

// SyncStore persists when each batch rule last ran.
type SyncStore interface {
	// Get returns false when the rule has never run.
	Get(ctx context.Context, ruleID string) (models.RuleSync, bool, error)
	Succeeded(ctx context.Context, ruleID string, tick time.Time) error
	Failed(ctx context.Context, ruleID string, tick time.Time, cause error) error
	List(ctx context.Context) ([]models.RuleSync, error)
}

// GormSyncStore keeps rule sync state in the integration_rule_syncs table.
type GormSyncStore struct {
	db *gorm.DB
}

func NewSyncStore(db *gorm.DB) *GormSyncStore {
	return &GormSyncStore{db: db}
}

func (s *GormSyncStore) Get(ctx context.Context, ruleID string) (models.RuleSync, bool, error) {
	var row models.RuleSync
	err := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.RuleSync{}, false, nil
	}
	if err != nil {
		return models.RuleSync{}, false, errors.Wrapf(err, "scheduler: failed to load sync state of %s", ruleID)
	}
	return row, true, nil
}

// Succeeded sets the last sync time to tick and clears the last error.
func (s *GormSyncStore) Succeeded(ctx context.Context, ruleID string, tick time.Time) error {
	tick = tick.UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.load(tx, ruleID)
		if err != nil {
			return err
		}
		row.LastSyncTime = tick
		row.LastAttemptTime = tick
		row.LastError = ""
		row.Runs++
		return tx.Save(&row).Error
	})
	return errors.WithMessagef(err, "scheduler: failed to record sync of %s", ruleID)
}

// Failed records the attempt and its error. The last sync time is kept so the
// next successful run covers the failed window too.
func (s *GormSyncStore) Failed(ctx context.Context, ruleID string, tick time.Time, cause error) error {
	tick = tick.UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.load(tx, ruleID)
		if err != nil {
			return err
		}
		row.LastAttemptTime = tick
		if cause != nil {
			row.LastError = cause.Error()
		}
		row.Runs++
		row.Failures++
		return tx.Save(&row).Error
	})
	return errors.WithMessagef(err, "scheduler: failed to record failed run of %s", ruleID)
}

func (s *GormSyncStore) load(tx *gorm.DB, ruleID string) (models.RuleSync, error) {
	row := models.RuleSync{RuleID: ruleID}
	err := tx.Where("rule_id = ?", ruleID).Take(&row).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return row, err
	}
	return row, nil
}

// List returns the sync state of every rule that has run, ordered by id.
func (s *GormSyncStore) List(ctx context.Context) ([]models.RuleSync, error) {
	var out []models.RuleSync
	if err := s.db.WithContext(ctx).Order("rule_id ASC").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "scheduler: failed to list sync state")
	}
	return out, nil
}

var _ SyncStore = (*GormSyncStore)(nil)
