package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrResourceExhausted is returned when no preference was available and the
// spawner could not create an ephemeral endpoint. It is not retried
// internally; callers must back off and retry later.
var ErrResourceExhausted = errors.New("resource pool exhausted")

// ErrCircuitOpen marks a tier skipped because its breaker was open.
var ErrCircuitOpen = errors.New("circuit open")

// ErrActionTimeout marks a tier abandoned because it exceeded the action
// timeout. The underlying call is not guaranteed to have stopped.
var ErrActionTimeout = errors.New("action timed out")

// ErrUnhealthy marks a resource forcibly released after failed liveness
// probes. Dependents must re-allocate rather than retry the dead resource.
var ErrUnhealthy = errors.New("resource unhealthy")

// BusyError reports a denied allocation: every preference was held by
// someone else. It names the true owner of the last contended candidate and
// suggests currently-idle keys of the same kind.
type BusyError struct {
	Key         ResourceKey     `json:"key"`
	OwnerID     string          `json:"ownerId"`
	State       AllocationState `json:"state"`
	Suggestions []ResourceKey   `json:"suggestions,omitempty"`
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("resource %s busy (owner %s, state %s)", e.Key, e.OwnerID, e.State)
}

// TierFailure records why one tier did not produce a result during a route.
type TierFailure struct {
	TierID  string `json:"tierId"`
	Reason  string `json:"reason"`
	Skipped bool   `json:"skipped"`
}

// AllTiersExhaustedError is returned when every tier in the order was
// skipped or failed. Failures preserve tier order for diagnostics.
type AllTiersExhaustedError struct {
	Failures []TierFailure `json:"failures"`
}

func (e *AllTiersExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Skipped {
			parts = append(parts, fmt.Sprintf("%s: skipped (%s)", f.TierID, f.Reason))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", f.TierID, f.Reason))
		}
	}
	return "all tiers exhausted: " + strings.Join(parts, "; ")
}
