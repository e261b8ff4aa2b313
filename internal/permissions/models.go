// Package permissions persists user permissions, clearance overrides and
// departments with gorm. It backs clearance.Service.
package permissions

import (
	"time"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

// DepartmentRecord is the departments table.
type DepartmentRecord struct {
	ID        string    `gorm:"column:id;type:varchar(64);primaryKey"`
	Name      string    `gorm:"column:name;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName specifies the table name for GORM.
func (DepartmentRecord) TableName() string { return "departments" }

// UserPermissionRecord is the user_permissions table. Levels are stored as
// their ordinal.
type UserPermissionRecord struct {
	UserID          string    `gorm:"column:user_id;type:varchar(128);primaryKey"`
	OrgLevel        int       `gorm:"column:org_level;not null;default:1"`
	DepartmentID    *string   `gorm:"column:department_id;type:varchar(64);index"`
	DepartmentLevel *int      `gorm:"column:department_level"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM.
func (UserPermissionRecord) TableName() string { return "user_permissions" }

// OverrideRecord is the permission_overrides table.
type OverrideRecord struct {
	ID           string    `gorm:"column:id;type:varchar(64);primaryKey"`
	UserID       string    `gorm:"column:user_id;type:varchar(128);not null;index:idx_overrides_user"`
	Type         string    `gorm:"column:type;type:varchar(32);not null"`
	DepartmentID *string   `gorm:"column:department_id;type:varchar(64)"`
	Level        int       `gorm:"column:level;not null"`
	ValidFrom    time.Time `gorm:"column:valid_from;not null"`
	ValidUntil   time.Time `gorm:"column:valid_until;not null;index:idx_overrides_expiry,priority:3"`
	IsActive     bool      `gorm:"column:is_active;not null;default:false;index:idx_overrides_expiry,priority:2"`
	Status       string    `gorm:"column:status;type:varchar(16);not null;default:'pending';index:idx_overrides_expiry,priority:1"`
	Reason       string    `gorm:"column:reason;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM.
func (OverrideRecord) TableName() string { return "permission_overrides" }

func (r UserPermissionRecord) toDomain() *clearance.UserPermission {
	p := &clearance.UserPermission{
		UserID:   r.UserID,
		OrgLevel: clearance.Level(r.OrgLevel),
	}
	if r.DepartmentID != nil {
		p.DepartmentID = *r.DepartmentID
	}
	if r.DepartmentLevel != nil {
		p.DepartmentLevel = clearance.Level(*r.DepartmentLevel)
	}
	return p
}

func (r OverrideRecord) toDomain() clearance.Override {
	o := clearance.Override{
		ID:         r.ID,
		UserID:     r.UserID,
		Type:       clearance.OverrideType(r.Type),
		Level:      clearance.Level(r.Level),
		ValidFrom:  r.ValidFrom,
		ValidUntil: r.ValidUntil,
		IsActive:   r.IsActive,
		Status:     clearance.OverrideStatus(r.Status),
	}
	if r.DepartmentID != nil {
		o.DepartmentID = *r.DepartmentID
	}
	return o
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
