package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Foundup/Foundups-Agent-sub000/internal/coordinator"
	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
	"github.com/Foundup/Foundups-Agent-sub000/internal/registry"
	"github.com/Foundup/Foundups-Agent-sub000/internal/telemetry"
)

func startCoordinator(t *testing.T, sink telemetry.Sink) *coordinator.Coordinator {
	t.Helper()
	c := coordinator.New(coordinator.Config{TTL: time.Hour}, registry.New(), nil, sink)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	return c
}

func TestUnhealthyResourceForcedReleaseAfterMisses(t *testing.T) {
	sink := telemetry.NewMemorySink(64)
	coord := startCoordinator(t, sink)
	ctx := context.Background()
	key := models.ResourceKey{Kind: "browser", Profile: "studio", Port: 9222}

	_, err := coord.Allocate(ctx, coordinator.AllocateInput{
		RequesterID: "agent-1",
		Preferences: models.PreferenceList{{Key: key, Exclusive: true}},
	})
	require.NoError(t, err)

	prober := &StaticProber{Dead: map[string]bool{key.String(): true}}
	monitor := New(Config{Interval: time.Minute, MissThreshold: 3, StaleAfter: time.Hour}, coord, prober, sink)

	// Two misses: still held.
	monitor.Tick(ctx)
	monitor.Tick(ctx)
	assert.Empty(t, sink.ByType(telemetry.ResourceUnhealthy))

	// Third consecutive miss crosses the threshold.
	monitor.Tick(ctx)
	events := sink.ByType(telemetry.ResourceUnhealthy)
	require.Len(t, events, 1)
	assert.Equal(t, key.String(), events[0].ResourceKey)
	assert.Equal(t, "agent-1", events[0].RequesterID)

	// The dependent can re-allocate instead of retrying the dead endpoint.
	handle, err := coord.Allocate(ctx, coordinator.AllocateInput{
		RequesterID: "agent-2",
		Preferences: models.PreferenceList{{Key: key, Exclusive: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-2", handle.RequesterID)
}

func TestProbeRecoveryResetsMissCounter(t *testing.T) {
	sink := telemetry.NewMemorySink(64)
	coord := startCoordinator(t, sink)
	ctx := context.Background()
	key := models.ResourceKey{Kind: "browser", Profile: "studio"}

	_, err := coord.Allocate(ctx, coordinator.AllocateInput{
		RequesterID: "agent-1",
		Preferences: models.PreferenceList{{Key: key, Exclusive: true}},
	})
	require.NoError(t, err)

	prober := &StaticProber{Dead: map[string]bool{key.String(): true}}
	monitor := New(Config{Interval: time.Minute, MissThreshold: 2, StaleAfter: time.Hour}, coord, prober, sink)

	monitor.Tick(ctx)
	// Endpoint comes back before the threshold.
	prober.Dead[key.String()] = false
	monitor.Tick(ctx)
	// Goes dark again: the streak starts over.
	prober.Dead[key.String()] = true
	monitor.Tick(ctx)
	assert.Empty(t, sink.ByType(telemetry.ResourceUnhealthy))

	monitor.Tick(ctx)
	assert.Len(t, sink.ByType(telemetry.ResourceUnhealthy), 1)
}

func TestEphemeralAndIdleResourcesNotProbed(t *testing.T) {
	sink := telemetry.NewMemorySink(64)
	coord := startCoordinator(t, sink)
	ctx := context.Background()
	key := models.ResourceKey{Kind: "browser", Profile: "studio"}

	// Shared (idle) holder only.
	_, err := coord.Allocate(ctx, coordinator.AllocateInput{
		RequesterID: "observer",
		Preferences: models.PreferenceList{{Key: key, Exclusive: false}},
	})
	require.NoError(t, err)

	prober := &StaticProber{Dead: map[string]bool{key.String(): true}}
	monitor := New(Config{Interval: time.Minute, MissThreshold: 1, StaleAfter: time.Hour}, coord, prober, sink)
	monitor.Tick(ctx)
	assert.Empty(t, sink.ByType(telemetry.ResourceUnhealthy), "idle records are not probed")
}

func TestTickDrivesStaleCleanup(t *testing.T) {
	sink := telemetry.NewMemorySink(64)
	coord := startCoordinator(t, sink)
	ctx := context.Background()
	key := models.ResourceKey{Kind: "browser", Profile: "studio"}

	_, err := coord.Allocate(ctx, coordinator.AllocateInput{
		RequesterID: "agent-1",
		Preferences: models.PreferenceList{{Key: key, Exclusive: true}},
	})
	require.NoError(t, err)

	// Zero-ish TTL: the allocation is immediately stale on the next tick.
	monitor := New(Config{Interval: time.Minute, MissThreshold: 99, StaleAfter: time.Nanosecond}, coord, &StaticProber{}, sink)
	time.Sleep(5 * time.Millisecond)
	monitor.Tick(ctx)

	assert.Len(t, sink.ByType(telemetry.ResourceReclaimed), 1)
}
