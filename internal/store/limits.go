package store

import (
	"encoding/json"
	"fmt"
)

const kvResourceLimits = "resource_limits"

// ResourceLimits are the tunable ingress/egress budgets. messageRateUnits is
// a credit budget consumed per outbound event proportional to its serialized
// length; outgoingPerMinute caps the batch drained per flush cycle.
type ResourceLimits struct {
	OutgoingPerMinute        int `json:"outgoingPerMinute"`
	MessageRateUnits         int `json:"messageRateUnits"`
	MessageRateWindowSeconds int `json:"messageRateWindowSeconds"`
	IncomingBacklogMax       int `json:"incomingBacklogMax"`
}

// DefaultResourceLimits returns the limits used before any are persisted.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		OutgoingPerMinute:        30,
		MessageRateUnits:         1000,
		MessageRateWindowSeconds: 60,
		IncomingBacklogMax:       500,
	}
}

// GetResourceLimits loads the persisted limits, falling back to defaults.
func (s *Store) GetResourceLimits() ResourceLimits {
	raw, ok := s.GetKV(kvResourceLimits)
	if !ok {
		return DefaultResourceLimits()
	}
	limits := DefaultResourceLimits()
	if err := json.Unmarshal([]byte(raw), &limits); err != nil {
		return DefaultResourceLimits()
	}
	return limits
}

// SetResourceLimits validates and persists the limits.
func (s *Store) SetResourceLimits(limits ResourceLimits) error {
	if limits.OutgoingPerMinute <= 0 || limits.MessageRateUnits <= 0 ||
		limits.MessageRateWindowSeconds <= 0 || limits.IncomingBacklogMax <= 0 {
		return fmt.Errorf("resource limits must all be positive: %+v", limits)
	}
	raw, err := json.Marshal(limits)
	if err != nil {
		return err
	}
	return s.SetKV(kvResourceLimits, string(raw))
}
