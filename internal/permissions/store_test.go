package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(DBConfig{Driver: DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	s := NewStore(db, nil)
	s.now = func() time.Time { return t0 }
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateDepartment(ctx, Department{ID: "eng", Name: "Engineering"}))
	require.NoError(t, s.CreateDepartment(ctx, Department{ID: "fin", Name: "Finance"}))
	require.NoError(t, s.UpsertUserPermission(ctx, clearance.UserPermission{
		UserID:          "alice",
		OrgLevel:        clearance.Restricted,
		DepartmentID:    "eng",
		DepartmentLevel: clearance.Confidential,
	}))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(DBConfig{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported")
}

func TestStore_UserPermission(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	seed(t, s)

	p, err := s.GetUserPermission(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, &clearance.UserPermission{
		UserID:          "alice",
		OrgLevel:        clearance.Restricted,
		DepartmentID:    "eng",
		DepartmentLevel: clearance.Confidential,
	}, p)

	_, err = s.GetUserPermission(ctx, "bob")
	assert.ErrorIs(t, err, clearance.ErrNotFound)

	require.NoError(t, s.UpsertUserPermission(ctx, clearance.UserPermission{UserID: "alice", OrgLevel: clearance.General}))
	p, err = s.GetUserPermission(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, clearance.General, p.OrgLevel)
	assert.Empty(t, p.DepartmentID)
	assert.Equal(t, clearance.None, p.DepartmentLevel)
}

func TestStore_UpsertUserPermission_Validation(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	seed(t, s)

	tests := []struct {
		name string
		perm clearance.UserPermission
		is   error
	}{
		{"bad org level", clearance.UserPermission{UserID: "u", OrgLevel: 0}, clearance.ErrMalformedLevel},
		{"bad dept level", clearance.UserPermission{UserID: "u", OrgLevel: 1, DepartmentID: "eng", DepartmentLevel: 8}, clearance.ErrMalformedLevel},
		{"unknown department", clearance.UserPermission{UserID: "u", OrgLevel: 1, DepartmentID: "legal"}, ErrUnknownDepartment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.UpsertUserPermission(ctx, tt.perm), tt.is)
		})
	}
}

func TestStore_Department(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	seed(t, s)

	d, err := s.GetDepartment(ctx, "fin")
	require.NoError(t, err)
	assert.Equal(t, Department{ID: "fin", Name: "Finance"}, d)

	_, err = s.GetDepartment(ctx, "legal")
	assert.ErrorIs(t, err, clearance.ErrNotFound)
}

func TestStore_CreateOverride(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	seed(t, s)

	o, err := s.CreateOverride(ctx, clearance.Override{
		UserID:       "alice",
		Type:         clearance.OverrideDepartment,
		DepartmentID: "eng",
		Level:        clearance.HighlyConfidential,
		ValidFrom:    t0,
		ValidUntil:   t0.Add(24 * time.Hour),
	}, "incident review")
	require.NoError(t, err)
	assert.NotEmpty(t, o.ID)
	assert.Equal(t, clearance.StatusPending, o.Status)
	assert.False(t, o.IsActive)

	got, err := s.GetOverride(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.DepartmentID, got.DepartmentID)
	assert.True(t, got.ValidUntil.Equal(t0.Add(24*time.Hour)))

	_, err = s.CreateOverride(ctx, clearance.Override{
		UserID:       "alice",
		Type:         clearance.OverrideDepartment,
		DepartmentID: "legal",
		Level:        clearance.Confidential,
		ValidFrom:    t0,
		ValidUntil:   t0.Add(time.Hour),
	}, "")
	assert.ErrorIs(t, err, ErrUnknownDepartment)

	_, err = s.CreateOverride(ctx, clearance.Override{
		UserID:     "alice",
		Type:       clearance.OverrideOrgWide,
		Level:      clearance.Confidential,
		ValidFrom:  t0,
		ValidUntil: t0,
	}, "")
	assert.ErrorIs(t, err, clearance.ErrDataIntegrity)

	_, err = s.GetOverride(ctx, "missing")
	assert.ErrorIs(t, err, clearance.ErrNotFound)
}

func TestStore_OverrideLifecycleQueries(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	seed(t, s)

	active, err := s.CreateOverride(ctx, clearance.Override{
		UserID: "alice", Type: clearance.OverrideOrgWide, Level: clearance.Confidential,
		ValidFrom: t0.Add(-2 * time.Hour), ValidUntil: t0.Add(-time.Hour),
	}, "")
	require.NoError(t, err)
	pending, err := s.CreateOverride(ctx, clearance.Override{
		UserID: "alice", Type: clearance.OverrideOrgWide, Level: clearance.HighlyConfidential,
		ValidFrom: t0, ValidUntil: t0.Add(time.Hour),
	}, "")
	require.NoError(t, err)

	overrides, err := s.GetOverrides(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, overrides, "pending overrides are not returned")

	updated, err := s.UpdateOverrideStatus(ctx, active.ID, clearance.StatusApproved, true)
	require.NoError(t, err)
	assert.Equal(t, clearance.StatusApproved, updated.Status)
	assert.True(t, updated.IsActive)

	overrides, err = s.GetOverrides(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, active.ID, overrides[0].ID)

	expirable, err := s.ListExpirable(ctx, t0)
	require.NoError(t, err)
	require.Len(t, expirable, 1)
	assert.Equal(t, active.ID, expirable[0].ID)

	_, err = s.UpdateOverrideStatus(ctx, "missing", clearance.StatusDenied, false)
	assert.ErrorIs(t, err, clearance.ErrNotFound)

	_, err = s.UpdateOverrideStatus(ctx, pending.ID, "archived", false)
	assert.Error(t, err)
}

func TestStore_BacksClearanceService(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	seed(t, s)

	now := t0
	svc, err := clearance.NewService(s, clearance.NewMemoryCache(),
		clearance.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	eff, err := svc.ResolveUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, clearance.Restricted, eff.OrgValue)
	assert.Equal(t, clearance.Confidential, eff.DeptValue)

	o, err := s.CreateOverride(ctx, clearance.Override{
		UserID: "alice", Type: clearance.OverrideOrgWide, Level: clearance.HighlyConfidential,
		ValidFrom: t0, ValidUntil: t0.Add(time.Hour),
	}, "audit")
	require.NoError(t, err)

	_, err = svc.ApplyOverrideDecision(ctx, o.ID, clearance.DecisionApprove)
	require.NoError(t, err)

	eff, err = svc.ResolveUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, clearance.HighlyConfidential, eff.OrgValue, "approval visible on next request")
	assert.True(t, eff.ExpiresAt.Equal(t0.Add(time.Hour)))

	now = t0.Add(2 * time.Hour)
	n, err := svc.ExpireOverrides(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	eff, err = svc.ResolveUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, clearance.Restricted, eff.OrgValue)

	got, err := s.GetOverride(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, clearance.StatusExpired, got.Status)
	assert.False(t, got.IsActive)
}
