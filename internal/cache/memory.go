package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCache is an in-process Cache. Each instance is isolated, so tests and
// single-node deployments never share hidden state.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.entry(append([]byte(nil), value...), ttl)
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) SetAuditStatus(ctx context.Context, auditID uuid.UUID, status string, ttl time.Duration) error {
	return c.Set(ctx, AuditStatusKey(auditID), []byte(status), ttl)
}

func (c *MemoryCache) GetAuditStatus(ctx context.Context, auditID uuid.UUID) (string, bool, error) {
	val, ok, err := c.Get(ctx, AuditStatusKey(auditID))
	if !ok || err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

// IncrWithExpiry sets the expiry only when the counter is created, matching
// the Redis implementation's fixed window.
func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(key)
	if !ok {
		e = c.entry([]byte("0"), expiry)
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	c.entries[key] = e
	return n, nil
}

// lookup must be called with mu held. Expired entries are evicted lazily.
func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) entry(value []byte, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e
}

var _ Cache = (*MemoryCache)(nil)
