package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"cohort/pkg/domain"
)

// Cache holds materialized backend results keyed by query fingerprint.
// External backends (analytics) consult it before going over the network.
type Cache interface {
	Get(ctx context.Context, key string) (domain.SubjectSet, bool, error)
	Set(ctx context.Context, key string, set domain.SubjectSet, ttl time.Duration) error
}

type memoryEntry struct {
	set     domain.SubjectSet
	expires time.Time
}

// Memory is a process-local cache for tests and single-node deployments.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (domain.SubjectSet, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.clock().After(entry.expires) {
		return nil, false, nil
	}
	return entry.set.Clone(), true, nil
}

func (m *Memory) Set(_ context.Context, key string, set domain.SubjectSet, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{set: set.Clone(), expires: m.clock().Add(ttl)}
	return nil
}

// Redis caches results in Redis with TTL-based expiry so repeated sweeps
// against the same analytics query share one upstream call across workers.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "cohort:backend:"}
}

func (r *Redis) Get(ctx context.Context, key string) (domain.SubjectSet, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, false, fmt.Errorf("cache decode: %w", err)
	}
	set := make(domain.SubjectSet, len(ids))
	for _, s := range ids {
		id, err := domain.ParseSubjectID(s)
		if err != nil {
			return nil, false, fmt.Errorf("cache decode: %w", err)
		}
		set[id] = struct{}{}
	}
	return set, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, set domain.SubjectSet, ttl time.Duration) error {
	ids := make([]string, 0, set.Len())
	for id := range set {
		ids = append(ids, id.String())
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
