// Package models contains the value types shared by the coordinator,
// router, and their HTTP surface.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResourceKey identifies an automation endpoint. Two keys are equal iff
// kind, profile, and port all match. Port 0 means no fixed port: the key
// is a logical identity only.
type ResourceKey struct {
	Kind    string `json:"kind"`
	Profile string `json:"profile"`
	Port    int    `json:"port,omitempty"`
}

func (k ResourceKey) String() string {
	if k.Port > 0 {
		return fmt.Sprintf("%s/%s:%d", k.Kind, k.Profile, k.Port)
	}
	return fmt.Sprintf("%s/%s", k.Kind, k.Profile)
}

func (k ResourceKey) IsZero() bool {
	return k.Kind == "" && k.Profile == "" && k.Port == 0
}

// AllocationState is the lifecycle state of an allocation record.
type AllocationState string

const (
	StateIdle AllocationState = "idle"
	StateBusy AllocationState = "busy"
)

// ResourceAllocation is the registry record for one endpoint. At most one
// record exists per key. OwnerID is set only while an exclusive holder owns
// the record; shared (non-mutating) holders are listed in SharedHolders and
// keep the record Idle.
type ResourceAllocation struct {
	Key           ResourceKey     `json:"key"`
	OwnerID       string          `json:"ownerId,omitempty"`
	State         AllocationState `json:"state"`
	Exclusive     bool            `json:"exclusive"`
	Ephemeral     bool            `json:"ephemeral"`
	SharedHolders []string        `json:"sharedHolders,omitempty"`
	AcquiredAt    time.Time       `json:"acquiredAt"`
	LastActivity  time.Time       `json:"lastActivity"`
	TTL           time.Duration   `json:"-"`
}

// HolderCount counts every live holder, exclusive or shared.
func (a *ResourceAllocation) HolderCount() int {
	n := len(a.SharedHolders)
	if a.OwnerID != "" {
		n++
	}
	return n
}

// Preference is one entry of a caller-supplied preference list.
type Preference struct {
	Key       ResourceKey `json:"key"`
	Exclusive bool        `json:"exclusive"`
}

// PreferenceList is ordered: primary first, then fallbacks. It is supplied
// per call and never persisted.
type PreferenceList []Preference

// ActionRequest describes one UI action to route across execution tiers.
type ActionRequest struct {
	ID      uuid.UUID     `json:"id"`
	Kind    string        `json:"kind"`
	Target  string        `json:"targetDescriptor"`
	Timeout time.Duration `json:"-"`
}

// ActionResult is the outcome of routing one action. Results are values;
// they are never shared mutable state.
type ActionResult struct {
	Success      bool          `json:"success"`
	TierUsed     string        `json:"tierUsed,omitempty"`
	Latency      time.Duration `json:"-"`
	LatencyMs    int64         `json:"latencyMs"`
	FallbackUsed bool          `json:"fallbackUsed"`
	Err          string        `json:"error,omitempty"`
}

// CircuitStateName is the observable state of a tier's circuit breaker.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "closed"
	CircuitOpen     CircuitStateName = "open"
	CircuitHalfOpen CircuitStateName = "half-open"
)

// CircuitSnapshot is a point-in-time view of one tier's breaker.
type CircuitSnapshot struct {
	TierID              string           `json:"tierId"`
	State               CircuitStateName `json:"state"`
	ConsecutiveFailures int              `json:"consecutiveFailures"`
	OpenedAt            time.Time        `json:"openedAt,omitempty"`
}
