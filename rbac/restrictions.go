package rbac

import (
	"fmt"
	"time"

	"vitaview/core"
)

// RestrictionKind identifies a role restriction.
type RestrictionKind string

const (
	RestrictionTime            RestrictionKind = "time"
	RestrictionIP              RestrictionKind = "ip"
	RestrictionDataSensitivity RestrictionKind = "data_sensitivity"
)

// Sensitivity grades the data a request touches.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// Rank orders sensitivities; unknown values rank highest so they fail closed.
func (s Sensitivity) Rank() int {
	switch s {
	case SensitivityLow:
		return 1
	case SensitivityMedium:
		return 2
	case SensitivityHigh:
		return 3
	case SensitivityCritical:
		return 4
	default:
		return 5
	}
}

// Restriction limits when, where from, or on what data a role applies.
type Restriction struct {
	Kind               RestrictionKind `json:"kind"`
	AllowedHours       []int           `json:"allowed_hours,omitempty"`
	MaxSessionDuration time.Duration   `json:"max_session_duration,omitempty"`
	AllowedNetworks    []string        `json:"allowed_networks,omitempty"`
	MaxSensitivity     Sensitivity     `json:"max_sensitivity,omitempty"`
}

// Check returns nil when req satisfies the restriction at now.
func (r Restriction) Check(req AccessRequest, now time.Time) error {
	switch r.Kind {
	case RestrictionTime:
		if len(r.AllowedHours) > 0 && !containsInt(r.AllowedHours, now.Hour()) {
			return fmt.Errorf("outside allowed hours")
		}
		if r.MaxSessionDuration > 0 && !req.SessionStart.IsZero() && now.Sub(req.SessionStart) > r.MaxSessionDuration {
			return fmt.Errorf("session duration exceeds %s", r.MaxSessionDuration)
		}
	case RestrictionIP:
		if len(r.AllowedNetworks) == 0 {
			return nil
		}
		set, err := core.NewIPSet(r.AllowedNetworks...)
		if err != nil {
			return fmt.Errorf("invalid IP restriction: %w", err)
		}
		if !set.Contains(req.IP) {
			return fmt.Errorf("IP not allowed")
		}
	case RestrictionDataSensitivity:
		if req.Sensitivity != "" && r.MaxSensitivity != "" && req.Sensitivity.Rank() > r.MaxSensitivity.Rank() {
			return fmt.Errorf("data sensitivity %s exceeds %s", req.Sensitivity, r.MaxSensitivity)
		}
	default:
		return fmt.Errorf("unknown restriction kind %q", r.Kind)
	}
	return nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
