package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Foundup/Foundups-Agent-sub000/internal/coordinator"
	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
)

// TierExecutor performs one action on one execution backend. Concrete
// backends (vision-inference clients, deterministic selectors) live outside
// this process; implementations here wrap them behind this single method.
type TierExecutor interface {
	TierID() string
	Execute(ctx context.Context, action models.ActionRequest) (models.ActionResult, error)
}

// Allocator is the slice of the coordinator an executor needs to hold a
// control surface for the duration of an action.
type Allocator interface {
	Allocate(ctx context.Context, in coordinator.AllocateInput) (*coordinator.Handle, error)
}

// StaticExecutor replays scripted outcomes. It backs the tests and the
// default wiring of the service binary, where real backends are plugged in
// by the deployment.
type StaticExecutor struct {
	ID      string
	Latency time.Duration

	// Script is consumed one entry per call; when exhausted, Default is
	// returned forever.
	Script  []Outcome
	Default Outcome

	mu    sync.Mutex
	calls int
}

// Outcome is one scripted executor result.
type Outcome struct {
	Success bool
	ErrText string
	Hang    bool // never return until ctx is done
}

func (s *StaticExecutor) TierID() string { return s.ID }

func (s *StaticExecutor) Execute(ctx context.Context, action models.ActionRequest) (models.ActionResult, error) {
	s.mu.Lock()
	out := s.Default
	if s.calls < len(s.Script) {
		out = s.Script[s.calls]
	}
	s.calls++
	s.mu.Unlock()

	if out.Hang {
		<-ctx.Done()
		return models.ActionResult{}, ctx.Err()
	}
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return models.ActionResult{}, ctx.Err()
		}
	}
	if !out.Success {
		return models.ActionResult{Success: false, Err: out.ErrText}, nil
	}
	return models.ActionResult{Success: true}, nil
}

// Calls reports how many times Execute ran, for assertions on skipped
// tiers.
func (s *StaticExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// AllocatingExecutor acquires a control surface from the coordinator before
// delegating the action, and releases it afterward unless KeepSession is
// set. This is the only coupling between the router's tiers and the
// coordinator.
type AllocatingExecutor struct {
	ID          string
	Coord       Allocator
	RequesterID string
	Preferences models.PreferenceList

	// SpawnFallback lets the allocation fall back to an ephemeral endpoint.
	SpawnFallback bool

	// KeepSession leaves the resource held after the action, for callers
	// that run a sequence of actions against one surface.
	KeepSession bool

	// Act performs the action against the held surface.
	Act func(ctx context.Context, handle *coordinator.Handle, action models.ActionRequest) (models.ActionResult, error)
}

func (a *AllocatingExecutor) TierID() string { return a.ID }

func (a *AllocatingExecutor) Execute(ctx context.Context, action models.ActionRequest) (models.ActionResult, error) {
	handle, err := a.Coord.Allocate(ctx, coordinator.AllocateInput{
		RequesterID:   a.RequesterID,
		Preferences:   a.Preferences,
		SpawnFallback: a.SpawnFallback,
	})
	if err != nil {
		return models.ActionResult{}, fmt.Errorf("allocate surface: %w", err)
	}
	if !a.KeepSession {
		// Release must not be tied to the action ctx: an abandoned action
		// still has to give the surface back.
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = handle.Release(releaseCtx)
		}()
	}
	if a.Act == nil {
		return models.ActionResult{Success: true}, nil
	}
	return a.Act(ctx, handle, action)
}
