package clearance

import (
	"fmt"
	"time"
)

// OverrideType scopes an override.
type OverrideType string

const (
	OverrideOrgWide    OverrideType = "org_wide"
	OverrideDepartment OverrideType = "department"
)

// OverrideStatus is the approval-workflow state of an override.
type OverrideStatus string

const (
	StatusPending   OverrideStatus = "pending"
	StatusApproved  OverrideStatus = "approved"
	StatusDenied    OverrideStatus = "denied"
	StatusExpired   OverrideStatus = "expired"
	StatusRevoked   OverrideStatus = "revoked"
	StatusCancelled OverrideStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s OverrideStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusExpired, StatusRevoked, StatusCancelled:
		return true
	}
	return false
}

// UserPermission is the base permission row for a user.
type UserPermission struct {
	UserID          string
	OrgLevel        Level
	DepartmentID    string // empty when the user has no department
	DepartmentLevel Level  // None when unset
}

// Override is a time-bounded grant of elevated clearance.
type Override struct {
	ID           string
	UserID       string
	Type         OverrideType
	DepartmentID string // required when Type is OverrideDepartment
	Level        Level
	ValidFrom    time.Time
	ValidUntil   time.Time
	IsActive     bool
	Status       OverrideStatus
}

// IsValid reports whether the override grants access at now:
// active, approved, and now within [ValidFrom, ValidUntil].
func (o Override) IsValid(now time.Time) bool {
	if !o.IsActive || o.Status != StatusApproved {
		return false
	}
	return !now.Before(o.ValidFrom) && !now.After(o.ValidUntil)
}

// Validate checks the row invariants. Violations wrap ErrDataIntegrity.
func (o Override) Validate() error {
	if err := CheckLevel(o.Level); err != nil {
		return fmt.Errorf("override %s: %w", o.ID, err)
	}
	if !o.ValidFrom.Before(o.ValidUntil) {
		return fmt.Errorf("%w: override %s valid_from %s is not before valid_until %s",
			ErrDataIntegrity, o.ID, o.ValidFrom.Format(time.RFC3339), o.ValidUntil.Format(time.RFC3339))
	}
	switch o.Type {
	case OverrideOrgWide:
	case OverrideDepartment:
		if o.DepartmentID == "" {
			return fmt.Errorf("%w: department override %s has no department_id", ErrDataIntegrity, o.ID)
		}
	default:
		return fmt.Errorf("%w: override %s has unknown type %q", ErrDataIntegrity, o.ID, o.Type)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: override %s has unknown status %q", ErrDataIntegrity, o.ID, o.Status)
	}
	return nil
}
