package storage

import "errors"

// Storage error constants
var (
	// ErrNotFound is returned when a queried record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned when a record is missing required fields
	ErrInvalidRecord = errors.New("invalid record")
)
