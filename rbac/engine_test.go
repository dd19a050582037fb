package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vitaview/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *audit.MemoryLogger) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	mem := audit.NewMemoryLogger()
	return NewEngine(NewMemoryAssignmentStore(), mem, logger, opts...), mem
}

func TestCheckPermission_NoRoles(t *testing.T) {
	e, _ := newTestEngine(t)

	d := e.CheckPermission(context.Background(), AccessRequest{UserID: "u1", Resource: "exam", Action: "read"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoRoles, d.Reason)

	d = e.CheckPermission(context.Background(), AccessRequest{Resource: "exam", Action: "read"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoRoles, d.Reason)
}

func TestCheckPermission_OwnerCondition(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.AssignRole(ctx, "p1", RolePatient, "admin")
	require.NoError(t, err)

	d := e.CheckPermission(ctx, AccessRequest{UserID: "p1", Resource: "exam", Action: "read", ResourceOwnerID: "p1"})
	assert.True(t, d.Allowed)
	assert.Equal(t, RolePatient, d.RoleID)
	assert.Equal(t, "exam:read:own", d.PermissionID)

	d = e.CheckPermission(ctx, AccessRequest{UserID: "p1", Resource: "exam", Action: "read", ResourceOwnerID: "p2"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInsufficientPermissions, d.Reason)
}

func TestCheckPermission_UnionOfRoles(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.AssignRole(ctx, "n1", RoleNurse, "admin", WithDepartment("cardiology"))
	require.NoError(t, err)
	_, err = e.AssignRole(ctx, "n1", RolePatient, "admin")
	require.NoError(t, err)

	// nurse grants department exam reads
	d := e.CheckPermission(ctx, AccessRequest{
		UserID: "n1", Resource: "exam", Action: "read",
		ResourceOwnerID: "p9", ResourceDepartment: "Cardiology",
	})
	assert.True(t, d.Allowed)
	assert.Equal(t, "exam:read:department", d.PermissionID)

	// only patient grants exam deletes
	d = e.CheckPermission(ctx, AccessRequest{UserID: "n1", Resource: "exam", Action: "delete", ResourceOwnerID: "n1"})
	assert.True(t, d.Allowed)
	assert.Equal(t, RolePatient, d.RoleID)

	d = e.CheckPermission(ctx, AccessRequest{
		UserID: "n1", Resource: "exam", Action: "read",
		ResourceOwnerID: "p9", ResourceDepartment: "oncology",
	})
	assert.False(t, d.Allowed)
}

func TestCheckPermission_ExpiredAssignment(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	e, _ := newTestEngine(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := e.AssignRole(ctx, "u1", RoleMedicalDirector, "admin", WithExpiry(now.Add(time.Hour)))
	require.NoError(t, err)

	req := AccessRequest{UserID: "u1", Resource: "audit", Action: "read"}
	assert.True(t, e.CheckPermission(ctx, req).Allowed)

	clock = now.Add(2 * time.Hour)
	d := e.CheckPermission(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNoRoles, d.Reason)
}

func TestCheckPermission_Restrictions(t *testing.T) {
	ctx := context.Background()

	t.Run("sensitivity", func(t *testing.T) {
		e, _ := newTestEngine(t)
		_, err := e.AssignRole(ctx, "doc", RolePhysician, "admin")
		require.NoError(t, err)

		req := AccessRequest{UserID: "doc", Resource: "diagnosis", Action: "create", Sensitivity: SensitivityHigh}
		assert.True(t, e.CheckPermission(ctx, req).Allowed)

		req.Sensitivity = SensitivityCritical
		d := e.CheckPermission(ctx, req)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonInsufficientPermissions, d.Reason)
		assert.Contains(t, d.SkippedRoles, RolePhysician)

		req.Sensitivity = "unheard-of"
		assert.False(t, e.CheckPermission(ctx, req).Allowed)
	})

	t.Run("guest session duration", func(t *testing.T) {
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		e, _ := newTestEngine(t, WithClock(func() time.Time { return now }))
		_, err := e.AssignRole(ctx, "g", RoleGuest, "admin")
		require.NoError(t, err)

		req := AccessRequest{UserID: "g", Resource: "exam", Action: "read", SessionStart: now.Add(-10 * time.Minute)}
		assert.True(t, e.CheckPermission(ctx, req).Allowed)

		req.SessionStart = now.Add(-31 * time.Minute)
		assert.False(t, e.CheckPermission(ctx, req).Allowed)
	})

	t.Run("ip", func(t *testing.T) {
		r := Restriction{Kind: RestrictionIP, AllowedNetworks: []string{"10.0.0.0/8"}}
		assert.NoError(t, r.Check(AccessRequest{IP: "10.2.3.4"}, time.Now()))
		assert.Error(t, r.Check(AccessRequest{IP: "192.168.1.1"}, time.Now()))
	})

	t.Run("hours", func(t *testing.T) {
		r := Restriction{Kind: RestrictionTime, AllowedHours: []int{9, 10, 11}}
		assert.NoError(t, r.Check(AccessRequest{}, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
		assert.Error(t, r.Check(AccessRequest{}, time.Date(2024, 1, 1, 22, 0, 0, 0, time.UTC)))
	})
}

func TestCheckPermission_RoleHierarchyCondition(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	_, err := e.AssignRole(ctx, "dir", RoleMedicalDirector, "admin")
	require.NoError(t, err)

	d := e.CheckPermission(ctx, AccessRequest{UserID: "dir", Resource: "role", Action: "assign", TargetRoleHierarchy: 8})
	assert.True(t, d.Allowed)

	d = e.CheckPermission(ctx, AccessRequest{UserID: "dir", Resource: "role", Action: "assign", TargetRoleHierarchy: 4})
	assert.False(t, d.Allowed)
}

func TestCheckPermission_OneAuditPerDecision(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	_, err := e.AssignRole(ctx, "p1", RolePatient, "admin")
	require.NoError(t, err)
	mem.Reset()

	e.CheckPermission(ctx, AccessRequest{UserID: "p1", Resource: "exam", Action: "read", ResourceOwnerID: "p1"})
	e.CheckPermission(ctx, AccessRequest{UserID: "p1", Resource: "system", Action: "backup"})

	records := mem.ByAction(audit.ActionRBACDecision)
	require.Len(t, records, 2)
	assert.Equal(t, true, records[0].Metadata["allowed"])
	assert.Equal(t, audit.LevelLow, records[0].Severity)
	assert.Equal(t, false, records[1].Metadata["allowed"])
	assert.Equal(t, audit.LevelMedium, records[1].Severity)
}

func TestRevokeRole(t *testing.T) {
	e, mem := newTestEngine(t)
	ctx := context.Background()
	_, err := e.AssignRole(ctx, "u1", RoleNurse, "admin")
	require.NoError(t, err)

	require.NoError(t, e.RevokeRole(ctx, "u1", RoleNurse, "admin2"))

	history, err := e.Assignments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsActive)
	assert.Equal(t, "admin2", history[0].RevokedBy)
	assert.NotNil(t, history[0].RevokedAt)
	assert.Len(t, mem.ByAction(audit.ActionRoleRevoked), 1)

	err = e.RevokeRole(ctx, "u1", RoleNurse, "admin2")
	assert.True(t, errors.Is(err, ErrAssignmentNotFound))

	err = e.RevokeRole(ctx, "u1", "janitor", "admin2")
	assert.True(t, errors.Is(err, ErrRoleNotFound))
}

func TestAssignRole_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AssignRole(ctx, "", RoleNurse, "admin")
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = e.AssignRole(ctx, "u1", "janitor", "admin")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestEnsureLegacyRole_Concurrent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			roleID, _, err := e.EnsureLegacyRole(ctx, "legacy", "doctor")
			assert.NoError(t, err)
			assert.Equal(t, RolePhysician, roleID)
		}()
	}
	wg.Wait()

	history, err := e.Assignments(ctx, "legacy")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, AssignedBySystem, history[0].AssignedBy)

	_, created, err := e.EnsureLegacyRole(ctx, "legacy", "doctor")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAccessStatistics(t *testing.T) {
	e, _ := newTestEngine(t, WithHistoryLimit(15))
	ctx := context.Background()
	_, err := e.AssignRole(ctx, "p1", RolePatient, "admin")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		e.CheckPermission(ctx, AccessRequest{UserID: "p1", Resource: "exam", Action: "read", ResourceOwnerID: "p1"})
	}
	for i := 0; i < 8; i++ {
		e.CheckPermission(ctx, AccessRequest{UserID: "p1", Resource: "system", Action: "backup"})
	}

	stats := e.AccessStatistics("p1")
	assert.Equal(t, 15, stats.TotalAccesses)
	assert.Equal(t, 7, stats.AllowedAccesses)
	assert.Equal(t, 8, stats.DeniedAccesses)
	assert.Len(t, stats.RecentActivity, 10)
	assert.False(t, stats.RecentActivity[9].Allowed)

	empty := e.AccessStatistics("nobody")
	assert.Zero(t, empty.TotalAccesses)
	assert.Empty(t, empty.RecentActivity)
}

func TestCatalog(t *testing.T) {
	e, _ := newTestEngine(t)

	roles := e.Roles()
	require.Len(t, roles, 7)
	assert.Equal(t, RoleSuperAdmin, roles[0].ID)
	assert.Equal(t, RoleGuest, roles[len(roles)-1].ID)

	admin, ok := e.Role(RoleSuperAdmin)
	require.True(t, ok)
	assert.Len(t, admin.Permissions, len(e.Permissions()))

	for _, r := range roles {
		for _, pid := range r.Permissions {
			assert.Contains(t, e.permissions, pid, "role %s references unknown permission", r.ID)
		}
	}

	tests := map[string]string{
		"admin":     RoleSuperAdmin,
		"Doctor":    RolePhysician,
		"clinician": RolePhysician,
		"user":      RolePatient,
		"nurse":     RoleNurse,
		"unknown":   RolePhysician,
	}
	for legacy, want := range tests {
		assert.Equal(t, want, MapLegacyRole(legacy), legacy)
	}
}

func TestConditionSatisfied(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		ctx  ConditionContext
		want bool
	}{
		{"owner match", Condition{Kind: ConditionOwner}, ConditionContext{CurrentUserID: "a", ResourceOwnerID: "a"}, true},
		{"owner unknown", Condition{Kind: ConditionOwner}, ConditionContext{CurrentUserID: "a"}, true},
		{"owner mismatch", Condition{Kind: ConditionOwner}, ConditionContext{CurrentUserID: "a", ResourceOwnerID: "b"}, false},
		{"department match", Condition{Kind: ConditionDepartment}, ConditionContext{UserDepartment: "ER", ResourceDepartment: "er"}, true},
		{"department no user dept", Condition{Kind: ConditionDepartment}, ConditionContext{ResourceDepartment: "er"}, false},
		{"hierarchy allowed", Condition{Kind: ConditionRoleHierarchy, Allowed: []int{8}}, ConditionContext{TargetRoleHierarchy: 8}, true},
		{"hierarchy denied", Condition{Kind: ConditionRoleHierarchy, Allowed: []int{8}}, ConditionContext{TargetRoleHierarchy: 2}, false},
		{"unknown kind", Condition{Kind: "weird"}, ConditionContext{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Satisfied(tt.ctx))
		})
	}
}
