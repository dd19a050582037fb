package detect

import "errors"

var (
	// ErrRuleNotFound is returned when a correlation rule id is unknown
	ErrRuleNotFound = errors.New("detection rule not found")
	// ErrInvalidRule is returned for a malformed correlation rule
	ErrInvalidRule = errors.New("invalid detection rule")
	// ErrInvalidTarget is returned when a block target is empty
	ErrInvalidTarget = errors.New("block target must not be empty")
)
