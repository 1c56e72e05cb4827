package router

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Foundup/Foundups-Agent-sub000/internal/breaker"
	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
	"github.com/Foundup/Foundups-Agent-sub000/internal/telemetry"
)

func action(timeout time.Duration) models.ActionRequest {
	return models.ActionRequest{ID: uuid.New(), Kind: "click", Target: "post button", Timeout: timeout}
}

func newRouter(breakers *breaker.Set, sink telemetry.Sink, executors ...TierExecutor) *Router {
	return New(Config{DefaultTimeout: time.Second}, breakers, executors, sink)
}

func TestRouteUsesFirstHealthyTier(t *testing.T) {
	fast := &StaticExecutor{ID: "dom", Default: Outcome{Success: true}}
	slow := &StaticExecutor{ID: "vision-local", Default: Outcome{Success: true}}
	r := newRouter(breaker.NewSet(3, time.Minute), nil, fast, slow)

	res, err := r.Route(context.Background(), action(0), nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "dom", res.TierUsed)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 0, slow.Calls(), "later tiers must not run after a success")
}

func TestFallbackChain(t *testing.T) {
	// Tier A's circuit is already open, B fails, C succeeds.
	breakers := breaker.NewSet(1, time.Minute)
	breakers.For("a").RecordFailure(time.Now().UTC())

	a := &StaticExecutor{ID: "a", Default: Outcome{Success: true}}
	b := &StaticExecutor{ID: "b", Default: Outcome{Success: false, ErrText: "element not found"}}
	c := &StaticExecutor{ID: "c", Default: Outcome{Success: true}}
	sink := telemetry.NewMemorySink(32)
	r := newRouter(breakers, sink, a, b, c)

	res, err := r.Route(context.Background(), action(0), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, "c", res.TierUsed)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, 0, a.Calls(), "open circuit must skip without invoking the executor")
	assert.Equal(t, 1, b.Calls())
	assert.Equal(t, 1, c.Calls())
	assert.Len(t, sink.ByType(telemetry.TierFallback), 1)
}

func TestAllTiersExhausted(t *testing.T) {
	breakers := breaker.NewSet(5, time.Minute)
	for i := 0; i < 5; i++ {
		breakers.For("a").RecordFailure(time.Now().UTC())
	}
	b := &StaticExecutor{ID: "b", Default: Outcome{Success: false, ErrText: "backend unavailable"}}
	sink := telemetry.NewMemorySink(32)
	r := newRouter(breakers, sink, &StaticExecutor{ID: "a"}, b)

	_, err := r.Route(context.Background(), action(0), []string{"a", "b"})
	var exhausted *models.AllTiersExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Failures, 2)
	assert.Equal(t, "a", exhausted.Failures[0].TierID)
	assert.True(t, exhausted.Failures[0].Skipped)
	assert.Equal(t, "b", exhausted.Failures[1].TierID)
	assert.False(t, exhausted.Failures[1].Skipped)
	assert.Contains(t, exhausted.Failures[1].Reason, "backend unavailable")
	assert.Len(t, sink.ByType(telemetry.RouteFailed), 1)
}

func TestTimeoutAdvancesToNextTier(t *testing.T) {
	hung := &StaticExecutor{ID: "vision-remote", Default: Outcome{Hang: true}}
	ok := &StaticExecutor{ID: "dom", Default: Outcome{Success: true}}
	r := newRouter(breaker.NewSet(3, time.Minute), nil, hung, ok)

	start := time.Now()
	res, err := r.Route(context.Background(), action(50*time.Millisecond), []string{"vision-remote", "dom"})
	require.NoError(t, err)
	assert.Equal(t, "dom", res.TierUsed)
	assert.True(t, res.FallbackUsed)
	assert.Less(t, time.Since(start), time.Second, "router must abandon the hung tier at the timeout")
}

func TestTimeoutCountsTowardCircuit(t *testing.T) {
	hung := &StaticExecutor{ID: "vision-remote", Default: Outcome{Hang: true}}
	breakers := breaker.NewSet(2, time.Minute)
	sink := telemetry.NewMemorySink(32)
	r := newRouter(breakers, sink, hung)

	for i := 0; i < 2; i++ {
		_, err := r.Route(context.Background(), action(20*time.Millisecond), nil)
		require.Error(t, err)
	}
	assert.Equal(t, models.CircuitOpen, breakers.For("vision-remote").Snapshot().State)
	assert.Len(t, sink.ByType(telemetry.CircuitOpened), 1)

	// Third call is rejected without invoking the executor.
	calls := hung.Calls()
	_, err := r.Route(context.Background(), action(20*time.Millisecond), nil)
	require.Error(t, err)
	assert.Equal(t, calls, hung.Calls())
}

func TestHalfOpenTrialRecovers(t *testing.T) {
	flaky := &StaticExecutor{
		ID:      "vision-local",
		Script:  []Outcome{{Success: false, ErrText: "fail"}, {Success: true}},
		Default: Outcome{Success: true},
	}
	breakers := breaker.NewSet(1, 30*time.Millisecond)
	r := newRouter(breakers, nil, flaky)

	_, err := r.Route(context.Background(), action(0), nil)
	require.Error(t, err)
	assert.Equal(t, models.CircuitOpen, breakers.For("vision-local").Snapshot().State)

	time.Sleep(40 * time.Millisecond)
	res, err := r.Route(context.Background(), action(0), nil)
	require.NoError(t, err)
	assert.Equal(t, "vision-local", res.TierUsed)
	assert.Equal(t, models.CircuitClosed, breakers.For("vision-local").Snapshot().State)
}

func TestExplicitOrderOverridesDefault(t *testing.T) {
	fast := &StaticExecutor{ID: "dom", Default: Outcome{Success: true}}
	accurate := &StaticExecutor{ID: "vision-remote", Default: Outcome{Success: true}}
	r := New(Config{
		DefaultOrder:   []string{"dom", "vision-remote"},
		DefaultTimeout: time.Second,
	}, breaker.NewSet(3, time.Minute), []TierExecutor{fast, accurate}, nil)

	// Accuracy-first call flips the order; the router applies no implicit
	// reordering beyond what was supplied.
	res, err := r.Route(context.Background(), action(0), []string{"vision-remote", "dom"})
	require.NoError(t, err)
	assert.Equal(t, "vision-remote", res.TierUsed)
	assert.Equal(t, 0, fast.Calls())
}

func TestUnknownTierRecordedAndSkipped(t *testing.T) {
	ok := &StaticExecutor{ID: "dom", Default: Outcome{Success: true}}
	r := newRouter(breaker.NewSet(3, time.Minute), nil, ok)

	res, err := r.Route(context.Background(), action(0), []string{"ghost", "dom"})
	require.NoError(t, err)
	assert.Equal(t, "dom", res.TierUsed)
	assert.True(t, res.FallbackUsed)
}

func TestCallerCancellationDoesNotTripBreaker(t *testing.T) {
	hang := &StaticExecutor{ID: "dom", Default: Outcome{Hang: true}}
	breakers := breaker.NewSet(1, time.Minute)
	r := newRouter(breakers, nil, hang)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Route(ctx, action(0), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The tier was never at fault; with threshold 1 any charged failure
	// would have opened the circuit.
	snap := breakers.For("dom").Snapshot()
	assert.Equal(t, models.CircuitClosed, snap.State)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}
