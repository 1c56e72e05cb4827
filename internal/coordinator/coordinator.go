// Package coordinator arbitrates ownership of automation endpoints. Every
// registry mutation flows through a single serializing loop, so contended
// requests are served strictly in arrival order and no check-and-commit
// ever races another.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
	"github.com/Foundup/Foundups-Agent-sub000/internal/registry"
	"github.com/Foundup/Foundups-Agent-sub000/internal/telemetry"
)

// Config carries the coordinator's tunables, supplied at startup.
type Config struct {
	// TTL is the maximum idle time before an allocation is reclaimed.
	TTL time.Duration

	// SuggestionLimit caps the fallback suggestions in a BusyError.
	SuggestionLimit int
}

// Coordinator owns the allocation registry. Run must be started before any
// operation is called; operations enqueue onto a FIFO channel consumed by
// the loop, which is the registry's only writer.
type Coordinator struct {
	cfg     Config
	reg     *registry.Registry
	spawner Spawner
	sink    telemetry.Sink

	ops  chan func()
	done chan struct{}
	now  func() time.Time
}

func New(cfg Config, reg *registry.Registry, spawner Spawner, sink telemetry.Sink) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.SuggestionLimit <= 0 {
		cfg.SuggestionLimit = 3
	}
	if sink == nil {
		sink = telemetry.LogSink{}
	}
	return &Coordinator{
		cfg:     cfg,
		reg:     reg,
		spawner: spawner,
		sink:    sink,
		ops:     make(chan func()),
		done:    make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes the operation queue until ctx is cancelled. It is safe to
// run in a goroutine; operations submitted after it returns fail with
// ErrStopped.
func (c *Coordinator) Run(ctx context.Context) error {
	log.Printf("[coordinator] loop started (ttl=%s)", c.cfg.TTL)
	defer close(c.done)
	defer log.Printf("[coordinator] loop stopped")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-c.ops:
			op()
		}
	}
}

// ErrStopped is returned when an operation is submitted after the loop has
// exited.
var ErrStopped = errors.New("coordinator stopped")

func submit[T any](ctx context.Context, c *Coordinator, fn func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	op := func() { reply <- fn() }
	select {
	case c.ops <- op:
	case <-c.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-c.done:
		return zero, ErrStopped
	}
}

// AllocateInput is one allocation request.
type AllocateInput struct {
	RequesterID string
	Preferences models.PreferenceList

	// SpawnFallback permits creating an ephemeral endpoint of the primary
	// preference's kind when no preference is available. Without it a fully
	// contended list yields a BusyError.
	SpawnFallback bool
}

type allocOutcome struct {
	handle *Handle
	err    error

	// spawnKind, when set, tells Allocate to spawn an ephemeral endpoint of
	// that kind outside the loop.
	spawnKind string
}

// Allocate walks the preference list in order and commits the first
// available candidate. The check-and-commit for each candidate is O(1)
// under the loop; the caller blocks only on the loop's queue, never on
// external I/O. Contended requests for the same key are granted in arrival
// order.
func (c *Coordinator) Allocate(ctx context.Context, in AllocateInput) (*Handle, error) {
	if in.RequesterID == "" {
		return nil, fmt.Errorf("requesterId required")
	}
	if len(in.Preferences) == 0 {
		return nil, fmt.Errorf("preference list required")
	}
	out, err := submit(ctx, c, func() allocOutcome { return c.allocate(in) })
	if err != nil {
		return nil, err
	}
	if out.spawnKind != "" {
		return c.spawnEphemeral(ctx, in.RequesterID, out.spawnKind)
	}
	return out.handle, out.err
}

func (c *Coordinator) allocate(in AllocateInput) allocOutcome {
	var firstBusy *models.BusyError
	for _, pref := range in.Preferences {
		if c.reg.Available(pref.Key, pref.Exclusive) {
			c.commit(pref.Key, in.RequesterID, pref.Exclusive, false)
			c.emitAllocation(telemetry.AllocationGranted, pref.Key, in.RequesterID, "")
			return allocOutcome{handle: c.newHandle(pref.Key, in.RequesterID, pref.Exclusive)}
		}
		if firstBusy == nil {
			if rec, ok := c.reg.Get(pref.Key); ok {
				firstBusy = &models.BusyError{
					Key:     pref.Key,
					OwnerID: holderOf(rec),
					State:   rec.State,
				}
			}
		}
	}

	primary := in.Preferences[0]
	if in.SpawnFallback && c.spawner != nil {
		return allocOutcome{spawnKind: primary.Key.Kind}
	}

	if firstBusy == nil {
		// No record held any preference, yet none was available. Should not
		// happen; report the primary as busy with an unknown owner.
		firstBusy = &models.BusyError{Key: primary.Key, State: models.StateBusy}
	}
	firstBusy.Suggestions = c.reg.IdleByKind(primary.Key.Kind, c.cfg.SuggestionLimit)
	c.emitAllocation(telemetry.AllocationDenied, firstBusy.Key, in.RequesterID, "owner "+firstBusy.OwnerID)
	return allocOutcome{err: firstBusy}
}

// spawnEphemeral creates a one-off endpoint with a unique profile and
// commits it exclusively. The spawn itself runs on the caller's goroutine
// so a slow endpoint boot never stalls the loop; only the commit of the
// fresh key, which cannot be contended, goes back through it.
func (c *Coordinator) spawnEphemeral(ctx context.Context, requesterID, kind string) (*Handle, error) {
	profile := fmt.Sprintf("%s-eph-%s", kind, shortID())
	key, err := c.spawner.Spawn(ctx, kind, profile)
	if err != nil {
		c.emitAllocation(telemetry.AllocationDenied, models.ResourceKey{Kind: kind, Profile: profile}, requesterID, "spawn failed")
		return nil, fmt.Errorf("%w: spawn %s: %v", models.ErrResourceExhausted, kind, err)
	}
	handle, err := submit(ctx, c, func() *Handle {
		rec := c.commit(key, requesterID, true, true)
		c.emitAllocation(telemetry.ResourceSpawned, rec.Key, requesterID, "")
		c.emitAllocation(telemetry.AllocationGranted, rec.Key, requesterID, "ephemeral")
		return c.newHandle(rec.Key, requesterID, true)
	})
	if err != nil {
		// Spawned but never committed; tear the endpoint back down.
		c.destroyAsync(key)
		return nil, err
	}
	return handle, nil
}

func (c *Coordinator) commit(key models.ResourceKey, requesterID string, exclusive, ephemeral bool) *models.ResourceAllocation {
	now := c.now()
	rec, ok := c.reg.Get(key)
	if !ok {
		rec = &models.ResourceAllocation{Key: key, Ephemeral: ephemeral, TTL: c.cfg.TTL, AcquiredAt: now}
		c.reg.Put(rec)
	}
	rec.LastActivity = now
	if exclusive {
		rec.OwnerID = requesterID
		rec.Exclusive = true
		rec.State = models.StateBusy
		rec.AcquiredAt = now
	} else {
		rec.Exclusive = false
		rec.State = models.StateIdle
		// A repeat shared grant must not stack holds: one requester, one
		// hold, one release.
		if !holds(rec, requesterID) {
			rec.SharedHolders = append(rec.SharedHolders, requesterID)
		}
	}
	return rec
}

// Release gives up requesterID's hold on key. It is idempotent: unknown or
// already-released keys are a no-op success, so callers may release
// unconditionally in cleanup paths.
func (c *Coordinator) Release(ctx context.Context, requesterID string, key models.ResourceKey) error {
	_, err := submit(ctx, c, func() struct{} {
		c.release(requesterID, key, false)
		return struct{}{}
	})
	return err
}

func (c *Coordinator) release(requesterID string, key models.ResourceKey, reclaimed bool) {
	rec, ok := c.reg.Get(key)
	if !ok {
		return
	}
	changed := false
	if rec.OwnerID == requesterID {
		rec.OwnerID = ""
		rec.Exclusive = false
		rec.State = models.StateIdle
		changed = true
	} else {
		for i, h := range rec.SharedHolders {
			if h == requesterID {
				rec.SharedHolders = append(rec.SharedHolders[:i], rec.SharedHolders[i+1:]...)
				changed = true
				break
			}
		}
	}
	if !changed {
		return
	}
	rec.LastActivity = c.now()
	if rec.Ephemeral && rec.HolderCount() == 0 {
		c.reg.Delete(key)
		c.destroyAsync(key)
	}
	if !reclaimed {
		c.emitAllocation(telemetry.ResourceReleased, key, requesterID, "")
	}
}

// ForceRelease evicts every holder of key regardless of who they are. Used
// by the health monitor when a resource goes unhealthy.
func (c *Coordinator) ForceRelease(ctx context.Context, key models.ResourceKey, reason string) error {
	_, err := submit(ctx, c, func() struct{} {
		c.forceRelease(key, reason, telemetry.ResourceReleased)
		return struct{}{}
	})
	return err
}

func (c *Coordinator) forceRelease(key models.ResourceKey, reason string, evType telemetry.Type) {
	rec, ok := c.reg.Get(key)
	if !ok {
		return
	}
	former := holderOf(rec)
	rec.OwnerID = ""
	rec.Exclusive = false
	rec.SharedHolders = nil
	rec.State = models.StateIdle
	rec.LastActivity = c.now()
	if rec.Ephemeral {
		c.reg.Delete(key)
		c.destroyAsync(key)
	}
	ev := telemetry.New(evType)
	ev.ResourceKey = key.String()
	ev.RequesterID = former
	ev.Detail = reason
	c.sink.Emit(ev)
}

// CleanupStale reclaims every held allocation whose last activity is older
// than timeout. Reclaims are logged and emitted distinctly from normal
// releases so observers can tell leaks from clean shutdowns. Returns the
// reclaimed keys.
func (c *Coordinator) CleanupStale(ctx context.Context, timeout time.Duration) ([]models.ResourceKey, error) {
	return submit(ctx, c, func() []models.ResourceKey {
		now := c.now()
		var reclaimed []models.ResourceKey
		for _, rec := range c.reg.Stale(now, timeout) {
			idle := now.Sub(rec.LastActivity).Round(time.Second)
			log.Printf("[coordinator] reclaimed %s (owner=%s idle=%s)", rec.Key, holderOf(rec), idle)
			c.forceRelease(rec.Key, fmt.Sprintf("stale after %s", idle), telemetry.ResourceReclaimed)
			reclaimed = append(reclaimed, rec.Key)
		}
		return reclaimed
	})
}

// Touch refreshes the activity timestamp so long-running actions are not
// reclaimed mid-flight. Only a current holder may touch: anyone else could
// otherwise keep a stale allocation alive past its TTL.
func (c *Coordinator) Touch(ctx context.Context, requesterID string, key models.ResourceKey) error {
	if requesterID == "" {
		return fmt.Errorf("requesterId required")
	}
	touched, err := submit(ctx, c, func() bool {
		rec, ok := c.reg.Get(key)
		if !ok || !holds(rec, requesterID) {
			return false
		}
		return c.reg.Touch(key, c.now())
	})
	if err != nil {
		return err
	}
	if !touched {
		return fmt.Errorf("touch %s: not held by %s", key, requesterID)
	}
	return nil
}

// Snapshot returns a copy of every allocation record.
func (c *Coordinator) Snapshot(ctx context.Context) ([]models.ResourceAllocation, error) {
	return submit(ctx, c, func() []models.ResourceAllocation { return c.reg.Snapshot() })
}

func (c *Coordinator) destroyAsync(key models.ResourceKey) {
	if c.spawner == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.spawner.Destroy(ctx, key); err != nil {
			log.Printf("[coordinator] destroy %s: %v", key, err)
		}
	}()
}

func (c *Coordinator) emitAllocation(t telemetry.Type, key models.ResourceKey, requesterID, detail string) {
	ev := telemetry.New(t)
	ev.ResourceKey = key.String()
	ev.RequesterID = requesterID
	ev.Detail = detail
	c.sink.Emit(ev)
}

// holds reports whether requesterID currently holds rec, exclusively or as
// one of the shared holders.
func holds(rec *models.ResourceAllocation, requesterID string) bool {
	if rec.OwnerID == requesterID {
		return true
	}
	for _, h := range rec.SharedHolders {
		if h == requesterID {
			return true
		}
	}
	return false
}

func holderOf(rec *models.ResourceAllocation) string {
	if rec.OwnerID != "" {
		return rec.OwnerID
	}
	if len(rec.SharedHolders) > 0 {
		return rec.SharedHolders[0]
	}
	return ""
}

func shortID() string {
	return strings.Split(uuid.New().String(), "-")[0]
}

// Handle is a granted allocation bound to exactly one key.
type Handle struct {
	Key         models.ResourceKey `json:"key"`
	RequesterID string             `json:"requesterId"`
	Exclusive   bool               `json:"exclusive"`
	GrantedAt   time.Time          `json:"grantedAt"`

	coord *Coordinator
}

func (c *Coordinator) newHandle(key models.ResourceKey, requesterID string, exclusive bool) *Handle {
	return &Handle{
		Key:         key,
		RequesterID: requesterID,
		Exclusive:   exclusive,
		GrantedAt:   c.now(),
		coord:       c,
	}
}

// Release gives the handle back. Safe to call more than once.
func (h *Handle) Release(ctx context.Context) error {
	return h.coord.Release(ctx, h.RequesterID, h.Key)
}

// Touch refreshes the handle's activity timestamp.
func (h *Handle) Touch(ctx context.Context) error {
	return h.coord.Touch(ctx, h.RequesterID, h.Key)
}
