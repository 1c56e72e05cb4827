package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
)

// Spawner creates and destroys ephemeral automation endpoints. The real
// endpoint driver lives outside this process; implementations here only
// broker identity. Spawn must return promptly because it is called from
// the coordinator loop.
type Spawner interface {
	Spawn(ctx context.Context, kind, profile string) (models.ResourceKey, error)
	Destroy(ctx context.Context, key models.ResourceKey) error
}

// StaticSpawner hands out logical keys up to a fixed cap. It is the default
// wiring for development and tests; production deployments plug in a
// driver-backed spawner.
type StaticSpawner struct {
	mu   sync.Mutex
	cap  int
	live map[models.ResourceKey]struct{}
}

// NewStaticSpawner builds a spawner allowing up to capacity concurrent
// ephemeral endpoints. Zero or negative capacity means unlimited.
func NewStaticSpawner(capacity int) *StaticSpawner {
	return &StaticSpawner{
		cap:  capacity,
		live: map[models.ResourceKey]struct{}{},
	}
}

func (s *StaticSpawner) Spawn(ctx context.Context, kind, profile string) (models.ResourceKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap > 0 && len(s.live) >= s.cap {
		return models.ResourceKey{}, fmt.Errorf("spawn capacity %d reached", s.cap)
	}
	key := models.ResourceKey{Kind: kind, Profile: profile}
	s.live[key] = struct{}{}
	return key, nil
}

func (s *StaticSpawner) Destroy(ctx context.Context, key models.ResourceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, key)
	return nil
}

// Live reports how many ephemeral endpoints currently exist.
func (s *StaticSpawner) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}
