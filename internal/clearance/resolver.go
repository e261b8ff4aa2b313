package clearance

import (
	"fmt"
	"time"
)

// Effective is a user's derived clearance. It is never persisted.
type Effective struct {
	UserID       string
	OrgValue     Level
	DeptValue    Level
	DepartmentID string

	// ResolvedAt is the instant the overrides were evaluated against.
	ResolvedAt time.Time

	// ExpiresAt is the earliest ValidUntil among applied overrides. Zero when
	// no override contributed; callers must not cache past it.
	ExpiresAt time.Time

	// FromDefault is set when no permission row existed.
	FromDefault bool

	// RefreshAt is the earliest instant the result can change on its own:
	// ExpiresAt, or the start of an approved override that has not begun.
	// Zero when nothing is scheduled.
	RefreshAt time.Time
}

func earliest(current, t time.Time) time.Time {
	if current.IsZero() || t.Before(current) {
		return t
	}
	return current
}

// For returns the accessible level for a resource scoped to resourceDept.
// An empty resourceDept means the resource is not department-scoped.
func (e Effective) For(resourceDept string) Level {
	if resourceDept != "" && e.DepartmentID != "" && resourceDept == e.DepartmentID {
		return Max(e.OrgValue, e.DeptValue)
	}
	return e.OrgValue
}

// Max is the highest level the user holds anywhere, used for their own
// department's view of the corpus.
func (e Effective) Max() Level {
	return Max(e.OrgValue, e.DeptValue)
}

// Resolve computes effective clearance from a permission row and all of the
// user's overrides at now. perm may be nil, in which case the user is treated
// as General with no department.
//
// Only overrides valid at now contribute. A department override raises the
// department value only when it names the user's own department.
func Resolve(userID string, perm *UserPermission, overrides []Override, now time.Time) (Effective, error) {
	eff := Effective{
		UserID:     userID,
		OrgValue:   General,
		ResolvedAt: now,
	}

	if perm == nil {
		eff.FromDefault = true
	} else {
		if err := CheckLevel(perm.OrgLevel); err != nil {
			return Effective{}, fmt.Errorf("permission for %s: org level: %w", userID, err)
		}
		eff.OrgValue = perm.OrgLevel
		eff.DepartmentID = perm.DepartmentID
		if perm.DepartmentLevel != None {
			if err := CheckLevel(perm.DepartmentLevel); err != nil {
				return Effective{}, fmt.Errorf("permission for %s: department level: %w", userID, err)
			}
		}
	}

	var deptOverride Level
	for _, o := range overrides {
		if err := o.Validate(); err != nil {
			return Effective{}, err
		}
		if o.Type == OverrideDepartment && (eff.DepartmentID == "" || o.DepartmentID != eff.DepartmentID) {
			continue
		}
		if !o.IsValid(now) {
			if o.IsActive && o.Status == StatusApproved && now.Before(o.ValidFrom) {
				eff.RefreshAt = earliest(eff.RefreshAt, o.ValidFrom)
			}
			continue
		}
		switch o.Type {
		case OverrideOrgWide:
			eff.OrgValue = Max(eff.OrgValue, o.Level)
		case OverrideDepartment:
			deptOverride = Max(deptOverride, o.Level)
		}
		eff.ExpiresAt = earliest(eff.ExpiresAt, o.ValidUntil)
	}
	if !eff.ExpiresAt.IsZero() {
		eff.RefreshAt = earliest(eff.RefreshAt, eff.ExpiresAt)
	}

	// The department base falls back to the org value, including org-wide
	// overrides, when no department level is set.
	eff.DeptValue = eff.OrgValue
	if perm != nil && perm.DepartmentLevel != None {
		eff.DeptValue = perm.DepartmentLevel
	}
	eff.DeptValue = Max(eff.DeptValue, deptOverride)

	return eff, nil
}
