package permissions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

// ErrUnknownDepartment is returned when a row names a department that does
// not exist.
var ErrUnknownDepartment = errors.New("unknown department")

// Department is a department row.
type Department struct {
	ID   string
	Name string
}

// Store implements clearance.Store over gorm.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ clearance.Store = (*Store)(nil)

// NewStore wraps db. logger may be nil.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&DepartmentRecord{}, &UserPermissionRecord{}, &OverrideRecord{}); err != nil {
		return fmt.Errorf("migrating permission tables: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, clearance.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// GetUserPermission implements clearance.Store.
func (s *Store) GetUserPermission(ctx context.Context, userID string) (*clearance.UserPermission, error) {
	var rec UserPermissionRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error; err != nil {
		return nil, notFound(err, "user permission "+userID)
	}
	return rec.toDomain(), nil
}

// GetOverrides implements clearance.Store. Only approved, active rows are
// returned; the resolver applies the validity window.
func (s *Store) GetOverrides(ctx context.Context, userID string) ([]clearance.Override, error) {
	var recs []OverrideRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND is_active = ?", userID, string(clearance.StatusApproved), true).
		Order("valid_until ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("loading overrides for %s: %w", userID, err)
	}
	out := make([]clearance.Override, len(recs))
	for i, r := range recs {
		out[i] = r.toDomain()
	}
	return out, nil
}

// GetOverride implements clearance.Store.
func (s *Store) GetOverride(ctx context.Context, id string) (clearance.Override, error) {
	var rec OverrideRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return clearance.Override{}, notFound(err, "override "+id)
	}
	return rec.toDomain(), nil
}

// UpdateOverrideStatus implements clearance.Store. The update and the
// re-read happen in one transaction.
func (s *Store) UpdateOverrideStatus(ctx context.Context, id string, status clearance.OverrideStatus, active bool) (clearance.Override, error) {
	if !status.Valid() {
		return clearance.Override{}, fmt.Errorf("unknown override status %q", status)
	}
	var rec OverrideRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&OverrideRecord{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":     string(status),
				"is_active":  active,
				"updated_at": s.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("id = ?", id).First(&rec).Error
	})
	if err != nil {
		return clearance.Override{}, notFound(err, "override "+id)
	}
	return rec.toDomain(), nil
}

// ListExpirable implements clearance.Store.
func (s *Store) ListExpirable(ctx context.Context, now time.Time) ([]clearance.Override, error) {
	var recs []OverrideRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_active = ? AND valid_until < ?", string(clearance.StatusApproved), true, now).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing expirable overrides: %w", err)
	}
	out := make([]clearance.Override, len(recs))
	for i, r := range recs {
		out[i] = r.toDomain()
	}
	return out, nil
}

// GetDepartment returns a department or an error wrapping clearance.ErrNotFound.
func (s *Store) GetDepartment(ctx context.Context, id string) (Department, error) {
	var rec DepartmentRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return Department{}, notFound(err, "department "+id)
	}
	return Department{ID: rec.ID, Name: rec.Name}, nil
}

// CreateDepartment inserts a department.
func (s *Store) CreateDepartment(ctx context.Context, d Department) error {
	if d.ID == "" {
		return fmt.Errorf("department id cannot be empty")
	}
	rec := DepartmentRecord{ID: d.ID, Name: d.Name, CreatedAt: s.now()}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("creating department %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) requireDepartment(tx *gorm.DB, id string) error {
	var n int64
	if err := tx.Model(&DepartmentRecord{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("checking department %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownDepartment, id)
	}
	return nil
}

// UpsertUserPermission writes a user's base permission.
func (s *Store) UpsertUserPermission(ctx context.Context, p clearance.UserPermission) error {
	if p.UserID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if err := clearance.CheckLevel(p.OrgLevel); err != nil {
		return fmt.Errorf("org level: %w", err)
	}
	rec := UserPermissionRecord{
		UserID:       p.UserID,
		OrgLevel:     int(p.OrgLevel),
		DepartmentID: optional(p.DepartmentID),
		UpdatedAt:    s.now(),
	}
	if p.DepartmentLevel != clearance.None {
		if err := clearance.CheckLevel(p.DepartmentLevel); err != nil {
			return fmt.Errorf("department level: %w", err)
		}
		lvl := int(p.DepartmentLevel)
		rec.DepartmentLevel = &lvl
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if p.DepartmentID != "" {
			if err := s.requireDepartment(tx, p.DepartmentID); err != nil {
				return err
			}
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"org_level", "department_id", "department_level", "updated_at"}),
		}).Create(&rec).Error
		if err != nil {
			return fmt.Errorf("saving permission for %s: %w", p.UserID, err)
		}
		return nil
	})
}

// CreateOverride inserts a new override request. An empty ID is generated
// and an empty status becomes pending. Department overrides must name an
// existing department.
func (s *Store) CreateOverride(ctx context.Context, o clearance.Override, reason string) (clearance.Override, error) {
	if o.UserID == "" {
		return clearance.Override{}, fmt.Errorf("user id cannot be empty")
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = clearance.StatusPending
	}
	if err := o.Validate(); err != nil {
		return clearance.Override{}, err
	}

	now := s.now()
	rec := OverrideRecord{
		ID:           o.ID,
		UserID:       o.UserID,
		Type:         string(o.Type),
		DepartmentID: optional(o.DepartmentID),
		Level:        int(o.Level),
		ValidFrom:    o.ValidFrom,
		ValidUntil:   o.ValidUntil,
		IsActive:     o.IsActive,
		Status:       string(o.Status),
		Reason:       reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if o.Type == clearance.OverrideDepartment {
			if err := s.requireDepartment(tx, o.DepartmentID); err != nil {
				return err
			}
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return clearance.Override{}, fmt.Errorf("creating override for %s: %w", o.UserID, err)
	}
	s.logger.Info("override requested",
		zap.String("override_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.String("type", string(o.Type)),
		zap.Stringer("level", o.Level))
	return rec.toDomain(), nil
}
