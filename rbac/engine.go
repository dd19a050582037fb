// Package rbac answers whether a principal may perform an action on a
// resource, resolving role assignments to permissions and their conditions.
package rbac

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"vitaview/audit"
	"vitaview/core"
	"vitaview/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Decision reasons
const (
	ReasonNoRoles                 = "NO_ROLES"
	ReasonInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	ReasonError                   = "RBAC_ERROR"
)

// AssignedBySystem marks assignments created by legacy-role mapping.
const AssignedBySystem = "system-auto"

// DefaultHistoryLimit caps the per-user access history.
const DefaultHistoryLimit = 1000

// recentActivityCount is how many entries AccessStatistics returns.
const recentActivityCount = 10

// AccessRequest is a single permission question.
type AccessRequest struct {
	UserID     string
	Resource   string
	Action     string
	ResourceID string

	// ResourceOwnerID is the owning user of the resource when known.
	ResourceOwnerID string
	// ResourceDepartment is the department the resource belongs to when known.
	ResourceDepartment string
	// UserDepartment is the requester's department from the identity layer.
	// An assignment's own department context takes precedence.
	UserDepartment string
	// TargetRoleHierarchy is the hierarchy of a role being assigned, for role:assign.
	TargetRoleHierarchy int

	IP           string
	SessionStart time.Time
	Sensitivity  Sensitivity

	// Request is attached to the audit record when present.
	Request *core.Request
}

// Decision is the result of CheckPermission.
type Decision struct {
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason,omitempty"`
	RoleID       string        `json:"role_id,omitempty"`
	PermissionID string        `json:"permission_id,omitempty"`
	Conditions   []Condition   `json:"conditions,omitempty"`
	Latency      time.Duration `json:"latency"`
	// SkippedRoles maps role ids to the restriction that excluded them.
	SkippedRoles map[string]string `json:"skipped_roles,omitempty"`
}

// AccessRecord is one entry of a user's access history.
type AccessRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Resource     string    `json:"resource"`
	Action       string    `json:"action"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	RoleID       string    `json:"role_id,omitempty"`
	PermissionID string    `json:"permission_id,omitempty"`
}

// AccessStatistics summarizes a user's access history.
type AccessStatistics struct {
	TotalAccesses   int            `json:"total_accesses"`
	AllowedAccesses int            `json:"allowed_accesses"`
	DeniedAccesses  int            `json:"denied_accesses"`
	RecentActivity  []AccessRecord `json:"recent_activity"`
}

// Engine evaluates permissions against a fixed role catalog.
type Engine struct {
	permissions map[string]Permission
	permOrder   []string
	roles       map[string]Role
	roleOrder   []string

	store  AssignmentStore
	audit  audit.Logger
	logger *zap.SugaredLogger
	now    func() time.Time

	historyMu    sync.Mutex
	history      map[string][]AccessRecord
	historyLimit int

	// userLocks serializes assignment changes per user so legacy mapping
	// cannot double-assign under concurrent first requests.
	userLocksMu sync.Mutex
	userLocks   map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHistoryLimit overrides the per-user access history cap.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

// NewEngine builds an engine seeded with the default catalog.
func NewEngine(store AssignmentStore, auditLogger audit.Logger, logger *zap.SugaredLogger, opts ...Option) *Engine {
	if store == nil {
		store = NewMemoryAssignmentStore()
	}
	if auditLogger == nil {
		auditLogger = audit.NoOpLogger{}
	}

	e := &Engine{
		permissions:  make(map[string]Permission),
		roles:        make(map[string]Role),
		store:        store,
		audit:        auditLogger,
		logger:       logger,
		now:          time.Now,
		history:      make(map[string][]AccessRecord),
		historyLimit: DefaultHistoryLimit,
		userLocks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}

	perms := DefaultPermissions()
	for _, p := range perms {
		e.permissions[p.ID] = p
		e.permOrder = append(e.permOrder, p.ID)
	}
	for _, r := range DefaultRoles(perms) {
		e.roles[r.ID] = r
		e.roleOrder = append(e.roleOrder, r.ID)
	}

	return e
}

// CheckPermission evaluates req under union-of-roles semantics: the first
// effective role whose restrictions pass and which holds a matching
// permission with satisfied conditions grants access.
func (e *Engine) CheckPermission(ctx context.Context, req AccessRequest) Decision {
	start := time.Now()
	now := e.now()

	decision := e.evaluate(ctx, req, now)
	decision.Latency = time.Since(start)

	e.recordAccess(req, decision, now)

	metrics.RBACDecisions.WithLabelValues(req.Resource, strconv.FormatBool(decision.Allowed)).Inc()
	metrics.RBACDecisionDuration.Observe(decision.Latency.Seconds())

	meta := map[string]interface{}{
		"resource":      req.Resource,
		"action":        req.Action,
		"allowed":       decision.Allowed,
		"latency_ms":    float64(decision.Latency.Microseconds()) / 1000,
		"role_id":       decision.RoleID,
		"permission_id": decision.PermissionID,
	}
	if req.ResourceID != "" {
		meta["resource_id"] = req.ResourceID
	}
	if decision.Reason != "" {
		meta["reason"] = decision.Reason
	}
	if len(decision.SkippedRoles) > 0 {
		meta["skipped_roles"] = decision.SkippedRoles
	}
	e.audit.Log(ctx, audit.ActionRBACDecision, req.UserID, req.Request, meta)

	return decision
}

func (e *Engine) evaluate(ctx context.Context, req AccessRequest, now time.Time) Decision {
	if req.UserID == "" {
		return Decision{Reason: ReasonNoRoles}
	}

	assignments, err := e.store.ListAssignments(ctx, req.UserID)
	if err != nil {
		e.logger.Errorw("Failed to load role assignments", "user_id", req.UserID, "error", err)
		return Decision{Reason: ReasonError}
	}

	condCtx := ConditionContext{
		CurrentUserID:       req.UserID,
		UserDepartment:      req.UserDepartment,
		ResourceOwnerID:     req.ResourceOwnerID,
		ResourceDepartment:  req.ResourceDepartment,
		TargetRoleHierarchy: req.TargetRoleHierarchy,
	}

	effective := 0
	var skipped map[string]string
	for _, a := range assignments {
		if !a.Effective(now) {
			continue
		}
		role, ok := e.roles[a.RoleID]
		if !ok {
			continue
		}
		effective++

		if err := e.checkRestrictions(role, req, now); err != nil {
			if skipped == nil {
				skipped = make(map[string]string)
			}
			skipped[role.ID] = err.Error()
			continue
		}

		roleCtx := condCtx
		if a.Context.Department != "" {
			roleCtx.UserDepartment = a.Context.Department
		}

		for _, pid := range role.Permissions {
			perm, ok := e.permissions[pid]
			if !ok || perm.Resource != req.Resource || perm.Action != req.Action {
				continue
			}
			if allSatisfied(perm.Conditions, roleCtx) {
				return Decision{
					Allowed:      true,
					RoleID:       role.ID,
					PermissionID: perm.ID,
					Conditions:   perm.Conditions,
					SkippedRoles: skipped,
				}
			}
		}
	}

	if effective == 0 {
		return Decision{Reason: ReasonNoRoles}
	}
	return Decision{Reason: ReasonInsufficientPermissions, SkippedRoles: skipped}
}

func (e *Engine) checkRestrictions(role Role, req AccessRequest, now time.Time) error {
	for _, r := range role.Restrictions {
		if err := r.Check(req, now); err != nil {
			return fmt.Errorf("%s restriction: %w", r.Kind, err)
		}
	}
	return nil
}

func (e *Engine) recordAccess(req AccessRequest, d Decision, now time.Time) {
	if req.UserID == "" {
		return
	}
	rec := AccessRecord{
		Timestamp:    now,
		Resource:     req.Resource,
		Action:       req.Action,
		ResourceID:   req.ResourceID,
		Allowed:      d.Allowed,
		Reason:       d.Reason,
		RoleID:       d.RoleID,
		PermissionID: d.PermissionID,
	}

	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	h := append(e.history[req.UserID], rec)
	if len(h) > e.historyLimit {
		h = append([]AccessRecord(nil), h[len(h)-e.historyLimit:]...)
	}
	e.history[req.UserID] = h
}

// AssignOption customizes an assignment.
type AssignOption func(*Assignment)

// WithExpiry sets when the assignment stops being effective.
func WithExpiry(t time.Time) AssignOption {
	return func(a *Assignment) { a.ExpiresAt = &t }
}

// WithDepartment scopes the assignment to a department.
func WithDepartment(dept string) AssignOption {
	return func(a *Assignment) { a.Context.Department = dept }
}

// WithOrganization scopes the assignment to an organization.
func WithOrganization(org string) AssignOption {
	return func(a *Assignment) { a.Context.Organization = org }
}

// AssignRole appends a new active assignment of roleID to userID.
func (e *Engine) AssignRole(ctx context.Context, userID, roleID, assignedBy string, opts ...AssignOption) (*Assignment, error) {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	return e.assignLocked(ctx, userID, roleID, assignedBy, opts...)
}

func (e *Engine) assignLocked(ctx context.Context, userID, roleID, assignedBy string, opts ...AssignOption) (*Assignment, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if _, ok := e.roles[roleID]; !ok {
		return nil, fmt.Errorf("assign %q: %w", roleID, ErrRoleNotFound)
	}

	a := &Assignment{
		ID:         uuid.NewString(),
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: assignedBy,
		AssignedAt: e.now(),
		IsActive:   true,
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := e.store.AppendAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to store role assignment: %w", err)
	}

	meta := map[string]interface{}{
		"role_id":     roleID,
		"assigned_by": assignedBy,
	}
	if a.Context.Department != "" {
		meta["department"] = a.Context.Department
	}
	if a.ExpiresAt != nil {
		meta["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	e.audit.Log(ctx, audit.ActionRoleAssigned, userID, nil, meta)
	e.logger.Infow("Role assigned", "user_id", userID, "role_id", roleID, "assigned_by", assignedBy)
	return a, nil
}

// RevokeRole deactivates every active assignment of roleID for userID.
func (e *Engine) RevokeRole(ctx context.Context, userID, roleID, revokedBy string) error {
	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := e.roles[roleID]; !ok {
		return fmt.Errorf("revoke %q: %w", roleID, ErrRoleNotFound)
	}
	n, err := e.store.DeactivateAssignments(ctx, userID, roleID, revokedBy, e.now())
	if err != nil {
		return fmt.Errorf("failed to revoke role assignment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("revoke %q for %q: %w", roleID, userID, ErrAssignmentNotFound)
	}

	e.audit.Log(ctx, audit.ActionRoleRevoked, userID, nil, map[string]interface{}{
		"role_id":    roleID,
		"revoked_by": revokedBy,
	})
	e.logger.Infow("Role revoked", "user_id", userID, "role_id", roleID, "revoked_by", revokedBy)
	return nil
}

// EnsureLegacyRole maps a legacy role string and assigns the result unless
// the user already actively holds it. It returns the mapped role id and
// whether an assignment was created.
func (e *Engine) EnsureLegacyRole(ctx context.Context, userID, legacyRole string) (string, bool, error) {
	if legacyRole == "" {
		return "", false, nil
	}
	roleID := MapLegacyRole(legacyRole)

	mu := e.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	assignments, err := e.store.ListAssignments(ctx, userID)
	if err != nil {
		return roleID, false, fmt.Errorf("failed to load role assignments: %w", err)
	}
	now := e.now()
	for _, a := range assignments {
		if a.RoleID == roleID && a.Effective(now) {
			return roleID, false, nil
		}
	}

	if _, err := e.assignLocked(ctx, userID, roleID, AssignedBySystem); err != nil {
		return roleID, false, err
	}
	return roleID, true, nil
}

// Assignments returns the full assignment history of a user.
func (e *Engine) Assignments(ctx context.Context, userID string) ([]*Assignment, error) {
	return e.store.ListAssignments(ctx, userID)
}

// AccessStatistics summarizes the user's recorded decisions.
func (e *Engine) AccessStatistics(userID string) AccessStatistics {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()

	h := e.history[userID]
	stats := AccessStatistics{TotalAccesses: len(h)}
	for _, r := range h {
		if r.Allowed {
			stats.AllowedAccesses++
		} else {
			stats.DeniedAccesses++
		}
	}
	start := len(h) - recentActivityCount
	if start < 0 {
		start = 0
	}
	stats.RecentActivity = append([]AccessRecord(nil), h[start:]...)
	return stats
}

// Role returns a catalog role by id.
func (e *Engine) Role(id string) (Role, bool) {
	r, ok := e.roles[id]
	return r, ok
}

// Roles returns the catalog ordered by hierarchy.
func (e *Engine) Roles() []Role {
	out := make([]Role, 0, len(e.roleOrder))
	for _, id := range e.roleOrder {
		out = append(out, e.roles[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Hierarchy < out[j].Hierarchy })
	return out
}

// Permissions returns the permission catalog in registration order.
func (e *Engine) Permissions() []Permission {
	out := make([]Permission, 0, len(e.permOrder))
	for _, id := range e.permOrder {
		out = append(out, e.permissions[id])
	}
	return out
}

func (e *Engine) userLock(userID string) *sync.Mutex {
	e.userLocksMu.Lock()
	defer e.userLocksMu.Unlock()
	mu, ok := e.userLocks[userID]
	if !ok {
		mu = &sync.Mutex{}
		e.userLocks[userID] = mu
	}
	return mu
}
