package rbac

import (
	"context"
	"sync"
	"time"
)

// AssignmentContext scopes an assignment to part of the organization.
type AssignmentContext struct {
	Department   string `json:"department,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// Assignment links a user to a role. Assignments are never deleted;
// revocation clears IsActive.
type Assignment struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	RoleID     string            `json:"role_id"`
	AssignedBy string            `json:"assigned_by"`
	AssignedAt time.Time         `json:"assigned_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	IsActive   bool              `json:"is_active"`
	RevokedBy  string            `json:"revoked_by,omitempty"`
	RevokedAt  *time.Time        `json:"revoked_at,omitempty"`
	Context    AssignmentContext `json:"context"`
}

// Effective reports whether the assignment is active and unexpired at now.
func (a *Assignment) Effective(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// AssignmentStore persists the append-only assignment history.
type AssignmentStore interface {
	AppendAssignment(ctx context.Context, a *Assignment) error
	DeactivateAssignments(ctx context.Context, userID, roleID, revokedBy string, at time.Time) (int, error)
	ListAssignments(ctx context.Context, userID string) ([]*Assignment, error)
}

// MemoryAssignmentStore keeps assignments in process memory.
type MemoryAssignmentStore struct {
	mu     sync.RWMutex
	byUser map[string][]*Assignment
}

// NewMemoryAssignmentStore creates an empty store.
func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{byUser: make(map[string][]*Assignment)}
}

// AppendAssignment stores a copy of a.
func (s *MemoryAssignmentStore) AppendAssignment(_ context.Context, a *Assignment) error {
	cp := *a
	s.mu.Lock()
	s.byUser[a.UserID] = append(s.byUser[a.UserID], &cp)
	s.mu.Unlock()
	return nil
}

// DeactivateAssignments marks every active assignment of roleID inactive.
func (s *MemoryAssignmentStore) DeactivateAssignments(_ context.Context, userID, roleID, revokedBy string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, a := range s.byUser[userID] {
		if a.RoleID == roleID && a.IsActive {
			a.IsActive = false
			a.RevokedBy = revokedBy
			revokedAt := at
			a.RevokedAt = &revokedAt
			n++
		}
	}
	return n, nil
}

// ListAssignments returns copies of the user's history in assignment order.
func (s *MemoryAssignmentStore) ListAssignments(_ context.Context, userID string) ([]*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.byUser[userID]
	out := make([]*Assignment, len(src))
	for i, a := range src {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}
