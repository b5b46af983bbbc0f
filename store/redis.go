package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/storyloom/memtier/types"
)

// Redis key layout for the long-term tier. Records are stored as JSON
// values with secondary index sets per entity and per kind.
const (
	redisKeyRecord  = "memtier:long:record:" // + record ID -> JSON
	redisKeyEntity  = "memtier:long:entity:" // + entity ID -> set of record IDs
	redisKeyKind    = "memtier:long:kind:"   // + kind -> set of record IDs
	redisKeyAllIDs  = "memtier:long:ids"     // set of all record IDs
	redisKeyLastUpd = "memtier:long:last_update"
	redisAuditKey   = "memtier:audit:consolidations" // list of audit entries
)

// RedisOptions configures the Redis connection for the long-term store
// and the Redis audit log.
type RedisOptions struct {
	// URL is the Redis connection string (e.g. "redis://localhost:6379").
	URL string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// ReadTimeout bounds read operations.
	ReadTimeout time.Duration

	// WriteTimeout bounds write operations.
	WriteTimeout time.Duration
}

func (o *RedisOptions) applyDefaults() {
	if o.URL == "" {
		o.URL = "redis://localhost:6379"
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 5 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

func newRedisClient(opts RedisOptions) (*redis.Client, error) {
	opts.applyDefaults()

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("store: failed to parse Redis URL: %w", err)
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisLongTerm is the Redis-backed long-term store. It implements the
// same contract as LongTerm with records persisted as JSON and index
// sets per entity and kind.
type RedisLongTerm struct {
	client *redis.Client
	writes keyLocks
}

// NewRedisLongTerm connects to Redis and returns a long-term store.
func NewRedisLongTerm(opts RedisOptions) (*RedisLongTerm, error) {
	client, err := newRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return &RedisLongTerm{client: client}, nil
}

// Tier returns types.TierLong.
func (s *RedisLongTerm) Tier() types.Tier { return types.TierLong }

// Close closes the Redis connection.
func (s *RedisLongTerm) Close() error { return s.client.Close() }

// Write upserts a record. A stored Locked flag survives the upsert.
func (s *RedisLongTerm) Write(ctx context.Context, rec *types.MemoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Tier != types.TierLong {
		return ErrWrongTier
	}

	keyLock := s.writes.lock(rec.EntityID)
	defer keyLock.Unlock()

	stored := rec.Clone()
	now := time.Now().UTC()
	stored.UpdatedAt = now

	existing, err := s.fetch(ctx, rec.ID)
	switch {
	case err == nil:
		stored.CreatedAt = existing.CreatedAt
		stored.Version = existing.Version + 1
		if existing.Locked {
			stored.Locked = true
		}
	case err == ErrNotFound:
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if stored.Version == 0 {
			stored.Version = 1
		}
	default:
		return err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("store: failed to marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKeyRecord+stored.ID, data, 0)
	if existing != nil && existing.EntityID != stored.EntityID {
		pipe.SRem(ctx, redisKeyEntity+existing.EntityID, stored.ID)
	}
	if existing != nil && existing.Kind != stored.Kind {
		pipe.SRem(ctx, redisKeyKind+existing.Kind.String(), stored.ID)
	}
	pipe.SAdd(ctx, redisKeyEntity+stored.EntityID, stored.ID)
	pipe.SAdd(ctx, redisKeyKind+stored.Kind.String(), stored.ID)
	pipe.SAdd(ctx, redisKeyAllIDs, stored.ID)
	pipe.Set(ctx, redisKeyLastUpd, now.Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Read returns the record with the given ID, or ErrNotFound.
func (s *RedisLongTerm) Read(ctx context.Context, id string) (*types.MemoryRecord, error) {
	return s.fetch(ctx, id)
}

func (s *RedisLongTerm) fetch(ctx context.Context, id string) (*types.MemoryRecord, error) {
	data, err := s.client.Get(ctx, redisKeyRecord+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var rec types.MemoryRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("store: failed to unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}

// QueryByKind returns records of the given kind passing the filter.
// An empty kind matches every kind.
func (s *RedisLongTerm) QueryByKind(ctx context.Context, kind types.EntityKind, filter Filter) ([]types.MemoryRecord, error) {
	indexKey := redisKeyAllIDs
	if kind != "" {
		indexKey = redisKeyKind + kind.String()
	}
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.fetchFiltered(ctx, ids, filter)
}

// QueryByEntity returns every record for one logical entity.
func (s *RedisLongTerm) QueryByEntity(ctx context.Context, entityID string) ([]types.MemoryRecord, error) {
	ids, err := s.client.SMembers(ctx, redisKeyEntity+entityID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.fetchFiltered(ctx, ids, Filter{})
}

func (s *RedisLongTerm) fetchFiltered(ctx context.Context, ids []string, filter Filter) ([]types.MemoryRecord, error) {
	var out []types.MemoryRecord
	for _, id := range ids {
		rec, err := s.fetch(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.matches(rec) {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// MarkPromoted stamps the promotion watermark on the given records.
// Long-term records have no successor tier, but the method keeps the
// store interchangeable with the other tiers.
func (s *RedisLongTerm) MarkPromoted(ctx context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		rec, err := s.fetch(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if rec.Promoted() {
			continue
		}
		t := at
		rec.PromotedAt = &t
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: failed to marshal record: %w", err)
		}
		if err := s.client.Set(ctx, redisKeyRecord+id, data, 0).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Status reports record count and last update time.
func (s *RedisLongTerm) Status(ctx context.Context) (Status, error) {
	count, err := s.client.SCard(ctx, redisKeyAllIDs).Result()
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var last time.Time
	raw, err := s.client.Get(ctx, redisKeyLastUpd).Result()
	if err != nil && err != redis.Nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err == nil {
		if parsed, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			last = parsed
		}
	}
	return Status{Count: int(count), LastUpdate: last}, nil
}
