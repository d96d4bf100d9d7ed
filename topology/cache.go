package topology

import (
	"context"
	"sync"
	"time"

	"github.com/warp/progress-engine/logger"
	"github.com/warp/progress-engine/progress"
)

// DefaultTTL bounds how stale a cached topology may be.
const DefaultTTL = 5 * time.Minute

// Cache stores topologies by course id.
type Cache interface {
	// Get reports a miss as (nil, false, nil).
	Get(ctx context.Context, courseID progress.CourseID) (*progress.Topology, bool, error)
	Set(ctx context.Context, topo *progress.Topology, ttl time.Duration) error
	Delete(ctx context.Context, courseID progress.CourseID) error
}

// =============================================================================
// CACHED PROVIDER
// =============================================================================

// Cached serves topologies from Cache and falls back to Source on a miss.
// Cache failures are logged and never fail a lookup; Source failures are
// returned unchanged so the engine can classify them as retryable.
type Cached struct {
	Source progress.TopologyProvider
	Cache  Cache
	TTL    time.Duration
	Log    *logger.Logger
}

var _ progress.TopologyProvider = (*Cached)(nil)

func (c *Cached) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

func (c *Cached) Topology(ctx context.Context, courseID progress.CourseID) (*progress.Topology, error) {
	log := logger.OrNop(c.Log).With("component", "topology")

	if topo, ok, err := c.Cache.Get(ctx, courseID); err != nil {
		log.Warn("topology cache read failed", "course", courseID, "error", err)
	} else if ok {
		return topo, nil
	}

	topo, err := c.Source.Topology(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if err := c.Cache.Set(ctx, topo, c.ttl()); err != nil {
		log.Warn("topology cache write failed", "course", courseID, "error", err)
	}
	return topo, nil
}

// Invalidate drops a course from the cache after a content edit.
func (c *Cached) Invalidate(ctx context.Context, courseID progress.CourseID) error {
	return c.Cache.Delete(ctx, courseID)
}

// =============================================================================
// MEMORY CACHE
// =============================================================================

type memoryEntry struct {
	topo    *progress.Topology
	expires time.Time
}

// MemoryCache is a process-local TTL cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[progress.CourseID]memoryEntry

	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

var _ Cache = (*MemoryCache)(nil)

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[progress.CourseID]memoryEntry)}
}

func (m *MemoryCache) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryCache) Get(_ context.Context, courseID progress.CourseID) (*progress.Topology, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[courseID]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, courseID)
		return nil, false, nil
	}
	return e.topo, true, nil
}

func (m *MemoryCache) Set(_ context.Context, topo *progress.Topology, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[topo.CourseID] = memoryEntry{topo: topo, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, courseID progress.CourseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, courseID)
	return nil
}
