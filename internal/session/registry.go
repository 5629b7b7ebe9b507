package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	activeCallKeyPrefix = "clinicvoice:call:"
	activeCallSetKey    = "clinicvoice:active_calls"
	defaultCallTTL      = 2 * time.Hour
)

// Record describes a live call.
type Record struct {
	CallID    string    `json:"call_id"`
	StartedAt time.Time `json:"started_at"`
	TurnCount int       `json:"turn_count"`
	Stage     string    `json:"stage"`
}

// Registry tracks live calls outside the process.
type Registry interface {
	Put(ctx context.Context, rec Record) error
	Remove(ctx context.Context, callID string) error
	List(ctx context.Context) ([]Record, error)
}

// NopRegistry is used when no Redis is configured.
type NopRegistry struct{}

func (NopRegistry) Put(context.Context, Record) error      { return nil }
func (NopRegistry) Remove(context.Context, string) error   { return nil }
func (NopRegistry) List(context.Context) ([]Record, error) { return nil, nil }

// RedisRegistry stores one expiring key per call plus an index set.
type RedisRegistry struct {
	redis  *redis.Client
	tracer trace.Tracer
	ttl    time.Duration
}

// NewRedisRegistry returns nil when redisClient is nil.
func NewRedisRegistry(redisClient *redis.Client, ttl time.Duration) *RedisRegistry {
	if redisClient == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultCallTTL
	}
	return &RedisRegistry{
		redis:  redisClient,
		tracer: otel.Tracer("clinic.internal.session.registry"),
		ttl:    ttl,
	}
}

func activeCallKey(callID string) string {
	return activeCallKeyPrefix + callID
}

// Put creates or refreshes the record for rec.CallID.
func (r *RedisRegistry) Put(ctx context.Context, rec Record) error {
	if r == nil || r.redis == nil {
		return nil
	}
	if rec.CallID == "" {
		return errors.New("session: registry call id required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: marshal call record: %w", err)
	}

	ctx, span := r.tracer.Start(ctx, "session.registry.put")
	defer span.End()

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, activeCallKey(rec.CallID), data, r.ttl)
	pipe.SAdd(ctx, activeCallSetKey, rec.CallID)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: put call record: %w", err)
	}
	return nil
}

// Remove deletes the record for callID.
func (r *RedisRegistry) Remove(ctx context.Context, callID string) error {
	if r == nil || r.redis == nil {
		return nil
	}
	ctx, span := r.tracer.Start(ctx, "session.registry.remove")
	defer span.End()

	pipe := r.redis.TxPipeline()
	pipe.Del(ctx, activeCallKey(callID))
	pipe.SRem(ctx, activeCallSetKey, callID)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: remove call record: %w", err)
	}
	return nil
}

// List returns live calls ordered by start time. Index entries whose record
// has expired are pruned.
func (r *RedisRegistry) List(ctx context.Context) ([]Record, error) {
	if r == nil || r.redis == nil {
		return nil, nil
	}
	ctx, span := r.tracer.Start(ctx, "session.registry.list")
	defer span.End()

	ids, err := r.redis.SMembers(ctx, activeCallSetKey).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: list active calls: %w", err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = activeCallKey(id)
	}
	raw, err := r.redis.MGet(ctx, keys...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: load active calls: %w", err)
	}

	out := make([]Record, 0, len(raw))
	var expired []any
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			span.RecordError(err)
			continue
		}
		out = append(out, rec)
	}
	if len(expired) > 0 {
		if err := r.redis.SRem(ctx, activeCallSetKey, expired...).Err(); err != nil {
			span.RecordError(err)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
