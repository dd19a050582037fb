package rbac

import "errors"

var (
	// ErrRoleNotFound is returned when a role id is not in the catalog
	ErrRoleNotFound = errors.New("role not found")

	// ErrAssignmentNotFound is returned when revoking a role the user does not actively hold
	ErrAssignmentNotFound = errors.New("active role assignment not found")

	// ErrInvalidUser is returned when a user id is empty
	ErrInvalidUser = errors.New("user id cannot be empty")
)
