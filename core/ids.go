package core

import (
	"github.com/oklog/ulid/v2"
)

// NewReference returns a sortable correlation reference such as
// "WAF-01J9Z3..." that is handed to clients and written to the audit trail.
func NewReference(prefix string) string {
	id := ulid.Make().String()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
