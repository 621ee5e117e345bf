package storage

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Memory is an in-process Store. Entries expire after the configured TTL;
// a zero TTL keeps entries until deleted. Suitable for tests and
// single-instance deployments.
type Memory struct {
	c *cache.Cache
}

// NewMemory creates a memory store with the given entry TTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		return &Memory{c: cache.New(cache.NoExpiration, 0)}
	}
	return &Memory{c: cache.New(ttl, 10*time.Minute)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.c.SetDefault(key, value)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

// Len returns the number of entries, including expired entries not yet
// cleaned up.
func (m *Memory) Len() int {
	return m.c.ItemCount()
}

// HealthCheck always succeeds.
func (m *Memory) HealthCheck(context.Context) error { return nil }
