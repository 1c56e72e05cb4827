// Package health runs the periodic liveness loop over allocated resources
// and drives stale-allocation reclamation on the same cadence.
package health

import (
	"context"
	"log"
	"time"

	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
	"github.com/Foundup/Foundups-Agent-sub000/internal/telemetry"
)

// Prober issues a lightweight liveness probe against one endpoint. The
// probe mechanism (CDP ping, process check) is an external collaborator.
type Prober interface {
	Probe(ctx context.Context, key models.ResourceKey) error
}

// Coordinator is the slice of the coordinator the monitor drives.
type Coordinator interface {
	Snapshot(ctx context.Context) ([]models.ResourceAllocation, error)
	ForceRelease(ctx context.Context, key models.ResourceKey, reason string) error
	CleanupStale(ctx context.Context, timeout time.Duration) ([]models.ResourceKey, error)
}

// Config carries the monitor's tunables.
type Config struct {
	// Interval between probe rounds.
	Interval time.Duration

	// MissThreshold is how many consecutive failed probes mark a resource
	// unhealthy.
	MissThreshold int

	// StaleAfter is the idle TTL handed to CleanupStale each round.
	StaleAfter time.Duration
}

// Monitor probes every Busy, non-ephemeral allocation each round. After
// MissThreshold consecutive misses it forces a release and broadcasts
// resource_unhealthy so dependents re-allocate instead of retrying a dead
// endpoint.
type Monitor struct {
	cfg    Config
	coord  Coordinator
	prober Prober
	sink   telemetry.Sink

	misses map[string]int
}

func New(cfg Config, coord Coordinator, prober Prober, sink telemetry.Sink) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if sink == nil {
		sink = telemetry.LogSink{}
	}
	return &Monitor{
		cfg:    cfg,
		coord:  coord,
		prober: prober,
		sink:   sink,
		misses: map[string]int{},
	}
}

// Run loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	log.Printf("[health] monitor started (interval=%s, missThreshold=%d)", m.cfg.Interval, m.cfg.MissThreshold)
	defer log.Printf("[health] monitor stopped")
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs one probe + reclamation round. Exported so tests can drive the
// monitor without the ticker.
func (m *Monitor) Tick(ctx context.Context) {
	allocations, err := m.coord.Snapshot(ctx)
	if err != nil {
		log.Printf("[health] snapshot: %v", err)
		return
	}

	seen := map[string]bool{}
	for _, rec := range allocations {
		if rec.State != models.StateBusy || rec.Ephemeral {
			continue
		}
		id := rec.Key.String()
		seen[id] = true
		if err := m.probe(ctx, rec.Key); err != nil {
			m.misses[id]++
			log.Printf("[health] probe %s missed (%d/%d): %v", id, m.misses[id], m.cfg.MissThreshold, err)
			if m.misses[id] >= m.cfg.MissThreshold {
				m.markUnhealthy(ctx, rec)
				delete(m.misses, id)
			}
			continue
		}
		delete(m.misses, id)
	}
	// Drop miss counters for resources no longer busy.
	for id := range m.misses {
		if !seen[id] {
			delete(m.misses, id)
		}
	}

	reclaimed, err := m.coord.CleanupStale(ctx, m.cfg.StaleAfter)
	if err != nil {
		log.Printf("[health] cleanup stale: %v", err)
		return
	}
	if len(reclaimed) > 0 {
		log.Printf("[health] reclaimed %d stale allocations", len(reclaimed))
	}
}

func (m *Monitor) probe(ctx context.Context, key models.ResourceKey) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Interval/2)
	defer cancel()
	return m.prober.Probe(probeCtx, key)
}

func (m *Monitor) markUnhealthy(ctx context.Context, rec models.ResourceAllocation) {
	log.Printf("[health] resource %s unhealthy, forcing release (owner=%s)", rec.Key, rec.OwnerID)
	if err := m.coord.ForceRelease(ctx, rec.Key, "failed liveness probes"); err != nil {
		log.Printf("[health] force release %s: %v", rec.Key, err)
		return
	}
	ev := telemetry.New(telemetry.ResourceUnhealthy)
	ev.ResourceKey = rec.Key.String()
	ev.RequesterID = rec.OwnerID
	ev.Detail = "failed liveness probes"
	m.sink.Emit(ev)
}

// StaticProber answers probes from a fixed table; unlisted keys are alive.
// Default wiring for development and tests.
type StaticProber struct {
	Dead map[string]bool
}

func (p *StaticProber) Probe(ctx context.Context, key models.ResourceKey) error {
	if p.Dead[key.String()] {
		return models.ErrUnhealthy
	}
	return nil
}
