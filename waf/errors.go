package waf

import "errors"

var (
	// ErrRuleNotFound is returned when a rule id is unknown
	ErrRuleNotFound = errors.New("waf rule not found")

	// ErrRuleExists is returned when adding a rule whose id is taken
	ErrRuleExists = errors.New("waf rule already exists")

	// ErrInvalidRule is returned when a rule is missing required fields
	ErrInvalidRule = errors.New("invalid waf rule")

	// ErrInvalidAddress is returned for list entries that are not an IP or CIDR
	ErrInvalidAddress = errors.New("invalid IP address or CIDR")
)
