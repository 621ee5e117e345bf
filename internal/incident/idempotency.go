package incident

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/SupportSignal/app.supportsignal.com.au-sub002/model"
)

// Receipt is the backend's answer to an accepted submission. It is replayed
// for repeated submissions of the same wizard run.
type Receipt struct {
	Status      int             `json:"status"`
	IncidentID  string          `json:"incident_id,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// IdempotencyStore records the receipts of submissions. Keys have the form
// "idem:{wizardId}:{clientId}:{startedAt}".
type IdempotencyStore interface {
	// Check returns the receipt stored under key. A receipt stored for a
	// different input hash is a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (receipt *Receipt, found bool, err error)

	// Store records a receipt under key for ttl.
	Store(ctx context.Context, key, inputHash string, receipt Receipt, ttl time.Duration) error
}

type idempotencyEntry struct {
	InputHash string  `json:"input_hash"`
	Receipt   Receipt `json:"receipt"`
}

func (e idempotencyEntry) match(key, inputHash string) (*Receipt, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with different input", key),
		)
	}
	r := e.Receipt
	return &r, true, nil
}

// FormatIdempotencyKey builds the idempotency key of one wizard run.
func FormatIdempotencyKey(wizardID, clientID string, startedAt time.Time) string {
	return fmt.Sprintf("idem:%s:%s:%d", wizardID, clientID, startedAt.UnixMilli())
}

// HashInput returns a stable hash of submission data. Map keys are encoded
// in sorted order, so equal data hashes equally.
func HashInput(data any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("hashing submission: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore keeps receipts in process memory. Suitable for
// tests and single-instance deployments.
type MemoryIdempotencyStore struct {
	entries *cache.Cache
}

// NewMemoryIdempotencyStore creates an in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: cache.New(cache.NoExpiration, 10*time.Minute)}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key, inputHash string) (*Receipt, bool, error) {
	v, ok := s.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.(idempotencyEntry).match(key, inputHash)
}

func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash string, receipt Receipt, ttl time.Duration) error {
	s.entries.Set(key, idempotencyEntry{InputHash: inputHash, Receipt: receipt}, ttl)
	return nil
}

// Len returns the number of unexpired entries.
func (s *MemoryIdempotencyStore) Len() int {
	return s.entries.ItemCount()
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore keeps receipts in Redis.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a Redis-backed store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Check(ctx context.Context, key, inputHash string) (*Receipt, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return entry.match(key, inputHash)
}

func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash string, receipt Receipt, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Receipt: receipt})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings the Redis server.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
