package modules

import (
	"context"
	"time"

	"emperror.dev/errors"
	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/priyxstudio/franchise/internal/models"
)

// Store persists installations. Every method is scoped to a single
// installation or scope; the Manager serializes writes per scope.
type Store interface {
	// Find returns ErrNotInstalled when no installation exists.
	Find(ctx context.Context, moduleID string, scope Scope) (*Installation, error)
	Snapshot(ctx context.Context, scope Scope) (Snapshot, error)
	List(ctx context.Context, filter Filter) ([]*Installation, error)
	Create(ctx context.Context, inst *Installation, permissions map[string][]string) error
	UpdateStatus(ctx context.Context, inst *Installation) error
	ReplaceSettings(ctx context.Context, inst *Installation) error
	Delete(ctx context.Context, inst *Installation) error
	Permissions(ctx context.Context, inst *Installation) (map[string][]string, error)
}

// GormStore is the Store backed by the installation tables.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore returns a store using db. The tables must already be migrated.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Find(ctx context.Context, moduleID string, scope Scope) (*Installation, error) {
	var row models.Installation
	err := s.db.WithContext(ctx).
		Preload("Settings").
		Where("module_id = ? AND scope_type = ? AND scope_id = ?", moduleID, string(scope.Type), scope.ID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotInstalled
		}
		return nil, errors.Wrap(err, "modules: failed to load installation")
	}
	return fromRow(&row)
}

func (s *GormStore) Snapshot(ctx context.Context, scope Scope) (Snapshot, error) {
	var rows []models.Installation
	err := s.db.WithContext(ctx).
		Select("module_id", "status").
		Where("scope_type = ? AND scope_id = ?", string(scope.Type), scope.ID).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "modules: failed to load scope snapshot")
	}
	snap := make(Snapshot, len(rows))
	for _, r := range rows {
		snap[r.ModuleID] = Status(r.Status)
	}
	return snap, nil
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]*Installation, error) {
	q := s.db.WithContext(ctx).Preload("Settings")
	if filter.ModuleID != "" {
		q = q.Where("module_id = ?", filter.ModuleID)
	}
	if filter.ScopeType != "" {
		q = q.Where("scope_type = ?", string(filter.ScopeType))
	}
	if filter.ScopeID != "" {
		q = q.Where("scope_id = ?", filter.ScopeID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	var rows []models.Installation
	if err := q.Order("scope_type, scope_id, module_id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "modules: failed to list installations")
	}
	out := make([]*Installation, 0, len(rows))
	for i := range rows {
		inst, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *GormStore) Create(ctx context.Context, inst *Installation, permissions map[string][]string) error {
	row := models.Installation{
		ModuleID:       inst.ModuleID,
		ScopeType:      string(inst.Scope.Type),
		ScopeID:        inst.Scope.ID,
		Status:         string(inst.Status),
		PreviousStatus: string(inst.PreviousStatus),
		Version:        inst.Version,
		InstalledBy:    inst.InstalledBy,
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
	}
	settings, err := settingRows(inst.Settings)
	if err != nil {
		return err
	}
	row.Settings = settings
	for role, perms := range permissions {
		for _, p := range perms {
			row.Permissions = append(row.Permissions, models.InstallationPermission{Role: role, Permission: p})
		}
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrAlreadyInstalled
		}
		return errors.Wrap(err, "modules: failed to create installation")
	}
	inst.id = row.ID
	return nil
}

func (s *GormStore) UpdateStatus(ctx context.Context, inst *Installation) error {
	err := s.db.WithContext(ctx).
		Model(&models.Installation{}).
		Where("id = ?", inst.id).
		Updates(map[string]interface{}{
			"status":          string(inst.Status),
			"previous_status": string(inst.PreviousStatus),
			"status_reason":   inst.StatusReason,
			"activated_at":    inst.ActivatedAt,
			"updated_at":      inst.UpdatedAt,
		}).Error
	return errors.Wrap(err, "modules: failed to update installation status")
}

func (s *GormStore) ReplaceSettings(ctx context.Context, inst *Installation) error {
	rows, err := settingRows(inst.Settings)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("installation_id = ?", inst.id).Delete(&models.InstallationSetting{}).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].InstallationID = inst.id
		}
		if len(rows) > 0 {
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.Installation{}).Where("id = ?", inst.id).Update("updated_at", inst.UpdatedAt).Error
	})
	return errors.Wrap(err, "modules: failed to replace installation settings")
}

// Delete removes the installation along with its settings and permissions.
func (s *GormStore) Delete(ctx context.Context, inst *Installation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("installation_id = ?", inst.id).Delete(&models.InstallationSetting{}).Error; err != nil {
			return err
		}
		if err := tx.Where("installation_id = ?", inst.id).Delete(&models.InstallationPermission{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Installation{}, inst.id).Error
	})
	return errors.Wrap(err, "modules: failed to delete installation")
}

func (s *GormStore) Permissions(ctx context.Context, inst *Installation) (map[string][]string, error) {
	var rows []models.InstallationPermission
	err := s.db.WithContext(ctx).
		Where("installation_id = ?", inst.id).
		Order("role, permission").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "modules: failed to load installation permissions")
	}
	out := make(map[string][]string)
	for _, r := range rows {
		out[r.Role] = append(out[r.Role], r.Permission)
	}
	return out, nil
}

func settingRows(settings map[string]interface{}) ([]models.InstallationSetting, error) {
	rows := make([]models.InstallationSetting, 0, len(settings))
	for k, v := range settings {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "modules: failed to encode setting %s", k)
		}
		rows = append(rows, models.InstallationSetting{Key: k, Value: string(b)})
	}
	return rows, nil
}

func fromRow(row *models.Installation) (*Installation, error) {
	inst := &Installation{
		id:             row.ID,
		ModuleID:       row.ModuleID,
		Scope:          Scope{Type: ScopeType(row.ScopeType), ID: row.ScopeID},
		Status:         Status(row.Status),
		PreviousStatus: Status(row.PreviousStatus),
		StatusReason:   row.StatusReason,
		Version:        row.Version,
		InstalledBy:    row.InstalledBy,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		ActivatedAt:    row.ActivatedAt,
		Settings:       make(map[string]interface{}, len(row.Settings)),
	}
	for _, s := range row.Settings {
		var v interface{}
		if err := json.Unmarshal([]byte(s.Value), &v); err != nil {
			return nil, errors.Wrapf(err, "modules: failed to decode setting %s of %s", s.Key, row.ModuleID)
		}
		inst.Settings[s.Key] = v
	}
	return inst, nil
}

// now truncates to the precision SQLite round-trips so values read back
// compare equal to the ones written.
func now(clock func() time.Time) time.Time {
	return clock().UTC().Truncate(time.Microsecond)
}
