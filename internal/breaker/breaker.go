// Package breaker implements the per-tier circuit breaker used by the
// action router. Transitions are serialized per tier under the breaker's
// lock, so the Closed -> Open -> HalfOpen -> Closed cycle never skips a
// state or races.
package breaker

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
)

// Breaker tracks consecutive failures for one tier.
type Breaker struct {
	mu sync.Mutex

	tierID           string
	failureThreshold int
	cooldown         time.Duration

	state         models.CircuitStateName
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

func New(tierID string, failureThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		tierID:           tierID,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            models.CircuitClosed,
	}
}

// Decision is the outcome of consulting the breaker before a call.
type Decision struct {
	// Proceed permits the call. When false the tier must be skipped.
	Proceed bool

	// Trial marks this call as the single half-open probe.
	Trial bool

	// Reason explains a denial for the fallback trace.
	Reason string
}

// Allow decides whether a call may proceed at time now. While Open it
// fast-fails until the cooldown elapses, then hands out exactly one
// half-open trial; further callers are denied until that trial resolves.
func (b *Breaker) Allow(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case models.CircuitClosed:
		return Decision{Proceed: true}
	case models.CircuitOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return Decision{Reason: "circuit open"}
		}
		b.state = models.CircuitHalfOpen
		b.trialInFlight = true
		return Decision{Proceed: true, Trial: true}
	default: // half-open
		if b.trialInFlight {
			return Decision{Reason: "half-open trial in flight"}
		}
		b.trialInFlight = true
		return Decision{Proceed: true, Trial: true}
	}
}

// RecordSuccess closes the circuit after a successful call. A half-open
// trial success resets everything; in Closed it clears the failure streak.
func (b *Breaker) RecordSuccess(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == models.CircuitHalfOpen {
		log.Printf("[breaker] tier %s circuit closed after trial success", b.tierID)
	}
	b.state = models.CircuitClosed
	b.failures = 0
	b.openedAt = time.Time{}
	b.trialInFlight = false
}

// RecordFailure counts a failure. Returns true when this failure opened
// (or re-opened) the circuit, so the caller can emit circuit_opened once.
func (b *Breaker) RecordFailure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case models.CircuitHalfOpen:
		// Trial failed: back to Open with the cooldown restarted.
		b.state = models.CircuitOpen
		b.openedAt = now
		b.trialInFlight = false
		log.Printf("[breaker] tier %s trial failed, circuit re-opened", b.tierID)
		return true
	case models.CircuitOpen:
		b.failures++
		return false
	default:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = models.CircuitOpen
			b.openedAt = now
			log.Printf("[breaker] tier %s circuit opened after %d consecutive failures", b.tierID, b.failures)
			return true
		}
		return false
	}
}

// Snapshot returns the breaker's observable state.
func (b *Breaker) Snapshot() models.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.CircuitSnapshot{
		TierID:              b.tierID,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
	}
}

// Set holds one breaker per tier, created lazily on first use and kept for
// the process lifetime.
type Set struct {
	mu       sync.Mutex
	byTier   map[string]*Breaker
	thresh   int
	cooldown time.Duration
}

func NewSet(failureThreshold int, cooldown time.Duration) *Set {
	return &Set{
		byTier:   map[string]*Breaker{},
		thresh:   failureThreshold,
		cooldown: cooldown,
	}
}

// For returns the breaker for tierID, creating it if needed.
func (s *Set) For(tierID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byTier[tierID]
	if !ok {
		b = New(tierID, s.thresh, s.cooldown)
		s.byTier[tierID] = b
	}
	return b
}

// Snapshots returns the state of every known breaker.
func (s *Set) Snapshots() []models.CircuitSnapshot {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.byTier))
	for _, b := range s.byTier {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()
	out := make([]models.CircuitSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TierID < out[j].TierID })
	return out
}
