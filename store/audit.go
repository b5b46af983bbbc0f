package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/storyloom/memtier/types"
)

// AuditLog records every write-back consolidation so merges stay
// reproducible: which records contributed and how many conflicts were
// resolved.
type AuditLog interface {
	// Append adds one consolidation entry.
	Append(ctx context.Context, entry types.AuditEntry) error

	// Entries returns the most recent entries, newest first, up to limit.
	// A non-positive limit returns everything.
	Entries(ctx context.Context, limit int) ([]types.AuditEntry, error)
}

// MemoryAuditLog keeps audit entries in memory.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries []types.AuditEntry
}

// NewMemoryAuditLog creates an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

// Append adds one consolidation entry.
func (l *MemoryAuditLog) Append(ctx context.Context, entry types.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// Entries returns the most recent entries, newest first.
func (l *MemoryAuditLog) Entries(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]types.AuditEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}

// RedisAuditLog persists audit entries as a Redis list, newest at the
// head.
type RedisAuditLog struct {
	client *redis.Client
}

// NewRedisAuditLog connects to Redis and returns an audit log.
func NewRedisAuditLog(opts RedisOptions) (*RedisAuditLog, error) {
	client, err := newRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return &RedisAuditLog{client: client}, nil
}

// NewRedisAuditLogFromStore reuses an existing Redis long-term store
// connection for the audit log.
func NewRedisAuditLogFromStore(s *RedisLongTerm) *RedisAuditLog {
	return &RedisAuditLog{client: s.client}
}

// Append adds one consolidation entry.
func (l *RedisAuditLog) Append(ctx context.Context, entry types.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: failed to marshal audit entry: %w", err)
	}
	if err := l.client.LPush(ctx, redisAuditKey, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Entries returns the most recent entries, newest first.
func (l *RedisAuditLog) Entries(ctx context.Context, limit int) ([]types.AuditEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := l.client.LRange(ctx, redisAuditKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]types.AuditEntry, 0, len(raw))
	for _, data := range raw {
		var entry types.AuditEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
