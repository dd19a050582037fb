package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vitaview/rbac"

	"go.uber.org/zap"
)

// SQLiteRoleAssignmentStore implements rbac.AssignmentStore using SQLite
type SQLiteRoleAssignmentStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteRoleAssignmentStore creates a new SQLite-based assignment store
func NewSQLiteRoleAssignmentStore(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteRoleAssignmentStore {
	return &SQLiteRoleAssignmentStore{
		sqlite: sqlite,
		logger: logger,
	}
}

// AppendAssignment inserts a new assignment row
func (s *SQLiteRoleAssignmentStore) AppendAssignment(ctx context.Context, a *rbac.Assignment) error {
	if a.ID == "" || a.UserID == "" || a.RoleID == "" {
		return fmt.Errorf("role assignment: %w", ErrInvalidRecord)
	}

	query := `
		INSERT INTO role_assignments (id, user_id, role_id, assigned_by, assigned_at, expires_at,
			is_active, revoked_by, revoked_at, department, organization)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.sqlite.WriteDB.ExecContext(ctx, query,
		a.ID,
		a.UserID,
		a.RoleID,
		a.AssignedBy,
		formatTime(a.AssignedAt),
		formatTimePtr(a.ExpiresAt),
		boolToInt(a.IsActive),
		nullString(a.RevokedBy),
		formatTimePtr(a.RevokedAt),
		nullString(a.Context.Department),
		nullString(a.Context.Organization),
	)
	if err != nil {
		return fmt.Errorf("failed to insert role assignment: %w", err)
	}
	return nil
}

// DeactivateAssignments marks every active assignment of roleID for userID as revoked
func (s *SQLiteRoleAssignmentStore) DeactivateAssignments(ctx context.Context, userID, roleID, revokedBy string, at time.Time) (int, error) {
	var affected int64
	err := s.sqlite.WithTransaction(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE role_assignments
			SET is_active = 0, revoked_by = ?, revoked_at = ?
			WHERE user_id = ? AND role_id = ? AND is_active = 1
		`, revokedBy, formatTime(at), userID, roleID)
		if err != nil {
			return fmt.Errorf("failed to deactivate role assignments: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ListAssignments returns the full assignment history of a user, oldest first
func (s *SQLiteRoleAssignmentStore) ListAssignments(ctx context.Context, userID string) ([]*rbac.Assignment, error) {
	query := `
		SELECT id, user_id, role_id, assigned_by, assigned_at, expires_at,
			is_active, revoked_by, revoked_at, department, organization
		FROM role_assignments
		WHERE user_id = ?
		ORDER BY assigned_at ASC, rowid ASC
	`
	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role assignments: %w", err)
	}
	defer rows.Close()

	var out []*rbac.Assignment
	for rows.Next() {
		var (
			a                    rbac.Assignment
			assignedAt           string
			expiresAt, revokedAt sql.NullString
			revokedBy, dept, org sql.NullString
			isActive             int
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.AssignedBy, &assignedAt, &expiresAt,
			&isActive, &revokedBy, &revokedAt, &dept, &org); err != nil {
			return nil, fmt.Errorf("failed to scan role assignment: %w", err)
		}
		a.AssignedAt = parseTime(assignedAt)
		a.ExpiresAt = parseTimePtr(expiresAt)
		a.RevokedAt = parseTimePtr(revokedAt)
		a.IsActive = isActive == 1
		a.RevokedBy = revokedBy.String
		a.Context.Department = dept.String
		a.Context.Organization = org.String
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating role assignments: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
