// Package router dispatches actions across an ordered list of execution
// tiers with circuit breaking and fallback.
package router

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Foundup/Foundups-Agent-sub000/internal/breaker"
	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
	"github.com/Foundup/Foundups-Agent-sub000/internal/telemetry"
)

// Config carries the router's startup-time settings.
type Config struct {
	// DefaultOrder is the speed-first tier order applied when a call does
	// not supply its own.
	DefaultOrder []string

	// DefaultTimeout bounds a tier call when neither the action nor the
	// tier carries a timeout.
	DefaultTimeout time.Duration

	// TierTimeouts overrides the timeout per tier; an action-level timeout
	// takes precedence over both.
	TierTimeouts map[string]time.Duration
}

// Router walks tiers in order, consulting each tier's breaker, until one
// executor returns success. The tier set is fixed at startup.
type Router struct {
	cfg       Config
	breakers  *breaker.Set
	executors map[string]TierExecutor
	sink      telemetry.Sink
	now       func() time.Time
}

func New(cfg Config, breakers *breaker.Set, executors []TierExecutor, sink telemetry.Sink) *Router {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = telemetry.LogSink{}
	}
	byID := make(map[string]TierExecutor, len(executors))
	order := cfg.DefaultOrder
	for _, ex := range executors {
		byID[ex.TierID()] = ex
		if len(cfg.DefaultOrder) == 0 {
			order = append(order, ex.TierID())
		}
	}
	cfg.DefaultOrder = order
	return &Router{
		cfg:       cfg,
		breakers:  breakers,
		executors: byID,
		sink:      sink,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type execOutcome struct {
	result models.ActionResult
	err    error
}

// Route tries each tier in tierOrder (or the configured default) until one
// succeeds. Failures and timeouts advance to the next tier and count
// against that tier's breaker; retries never repeat within a tier, so the
// worst case is bounded by the sum of per-tier timeouts. A timeout is
// best-effort: the router stops waiting, but the underlying call may still
// be running.
func (r *Router) Route(ctx context.Context, action models.ActionRequest, tierOrder []string) (models.ActionResult, error) {
	if len(tierOrder) == 0 {
		tierOrder = r.cfg.DefaultOrder
	}
	if len(tierOrder) == 0 {
		return models.ActionResult{}, fmt.Errorf("no tiers configured")
	}
	var failures []models.TierFailure
	for _, tierID := range tierOrder {
		ex, ok := r.executors[tierID]
		if !ok {
			failures = append(failures, models.TierFailure{TierID: tierID, Reason: "unknown tier", Skipped: true})
			continue
		}
		b := r.breakers.For(tierID)
		decision := b.Allow(r.now())
		if !decision.Proceed {
			failures = append(failures, models.TierFailure{TierID: tierID, Reason: decision.Reason, Skipped: true})
			continue
		}

		start := r.now()
		outcome := r.executeWithTimeout(ctx, ex, action, r.timeoutFor(tierID, action))
		latency := r.now().Sub(start)

		if outcome.err == nil && outcome.result.Success {
			b.RecordSuccess(r.now())
			res := outcome.result
			res.TierUsed = tierID
			res.Latency = latency
			res.LatencyMs = latency.Milliseconds()
			res.FallbackUsed = len(failures) > 0
			if res.FallbackUsed {
				r.emitTier(telemetry.TierFallback, action, tierID,
					fmt.Sprintf("succeeded after %d skipped/failed tiers", len(failures)))
			}
			return res, nil
		}

		// A caller that gave up is not evidence the tier is unhealthy, so
		// abandoned actions never charge the breaker.
		if ctx.Err() != nil {
			return models.ActionResult{}, fmt.Errorf("route %s: %w", action.ID, ctx.Err())
		}

		reason := "execution failed"
		if outcome.err != nil {
			reason = outcome.err.Error()
		} else if outcome.result.Err != "" {
			reason = outcome.result.Err
		}
		if opened := b.RecordFailure(r.now()); opened {
			r.emitTier(telemetry.CircuitOpened, action, tierID, reason)
		}
		failures = append(failures, models.TierFailure{TierID: tierID, Reason: reason})
		log.Printf("[router] action %s tier %s failed: %s", action.ID, tierID, reason)
	}

	r.emitTier(telemetry.RouteFailed, action, "", fmt.Sprintf("%d tiers exhausted", len(tierOrder)))
	return models.ActionResult{}, &models.AllTiersExhaustedError{Failures: failures}
}

// executeWithTimeout runs the executor in its own goroutine and waits at
// most timeout. The result channel is buffered so an abandoned executor
// can still deliver and exit; ctx cancellation is the only stop signal it
// gets.
func (r *Router) executeWithTimeout(ctx context.Context, ex TierExecutor, action models.ActionRequest, timeout time.Duration) execOutcome {
	tierCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan execOutcome, 1)
	go func() {
		res, err := ex.Execute(tierCtx, action)
		ch <- execOutcome{result: res, err: err}
	}()

	select {
	case out := <-ch:
		return out
	case <-tierCtx.Done():
		if ctx.Err() != nil {
			return execOutcome{err: ctx.Err()}
		}
		return execOutcome{err: fmt.Errorf("%w after %s", models.ErrActionTimeout, timeout)}
	}
}

func (r *Router) timeoutFor(tierID string, action models.ActionRequest) time.Duration {
	if action.Timeout > 0 {
		return action.Timeout
	}
	if t, ok := r.cfg.TierTimeouts[tierID]; ok && t > 0 {
		return t
	}
	return r.cfg.DefaultTimeout
}

// Snapshots exposes the breaker states for the inspection endpoint.
func (r *Router) Snapshots() []models.CircuitSnapshot {
	return r.breakers.Snapshots()
}

func (r *Router) emitTier(t telemetry.Type, action models.ActionRequest, tierID, detail string) {
	ev := telemetry.New(t)
	ev.TierID = tierID
	ev.Detail = fmt.Sprintf("action %s: %s", action.ID, detail)
	r.sink.Emit(ev)
}
