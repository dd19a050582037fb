package threat

import (
	"time"
)

// IOCType represents different types of indicators of compromise
type IOCType string

const (
	IOCTypeIP        IOCType = "ip"
	IOCTypeCIDR      IOCType = "cidr"
	IOCTypeUserAgent IOCType = "user_agent"
)

// IOC represents an indicator of compromise
type IOC struct {
	Type        IOCType   `json:"type" yaml:"type"`
	Value       string    `json:"value" yaml:"value"`
	Confidence  float64   `json:"confidence" yaml:"confidence"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Source      string    `json:"source" yaml:"source"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	FirstSeen   time.Time `json:"first_seen" yaml:"-"`
	LastSeen    time.Time `json:"last_seen" yaml:"-"`
}
