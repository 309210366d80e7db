package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/aman-churiwal/xvpn-gateway/internal/storage"
)

const redisKeyPrefix = "audit:"

// Stores each event as a JSON string under audit:<id> with a retention TTL
type RedisSink struct {
	redis     *storage.RedisClient
	retention time.Duration
}

func NewRedisSink(redis *storage.RedisClient, retention time.Duration) *RedisSink {
	return &RedisSink{redis: redis, retention: retention}
}

func (s *RedisSink) Name() string {
	return "redis"
}

func (s *RedisSink) Write(ctx context.Context, events []models.AuditEvent) error {
	pipe := s.redis.Pipeline()
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		pipe.Set(ctx, redisKeyPrefix+e.ID, data, s.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit events: %w", err)
	}
	return nil
}

// Filter for listing stored events
type Query struct {
	Subject string
	Type    models.AuditEventType
	// Most recent matching events to return; 0 means all
	Limit int
}

// Returns matching events oldest first
func (s *RedisSink) List(ctx context.Context, q Query) ([]models.AuditEvent, error) {
	keys, err := s.redis.ScanKeys(ctx, redisKeyPrefix+"*", 500)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit keys: %w", err)
	}
	sort.Strings(keys)

	var events []models.AuditEvent
	const chunk = 500
	for start := 0; start < len(keys); start += chunk {
		end := min(start+chunk, len(keys))

		values, err := s.redis.MGet(ctx, keys[start:end]...)
		if err != nil {
			return nil, fmt.Errorf("failed to read audit events: %w", err)
		}

		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue // expired between SCAN and MGET
			}
			var e models.AuditEvent
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				continue
			}
			if q.Subject != "" && e.Subject != q.Subject {
				continue
			}
			if q.Type != "" && e.Type != q.Type {
				continue
			}
			events = append(events, e)
		}
	}

	if q.Limit > 0 && len(events) > q.Limit {
		events = events[len(events)-q.Limit:]
	}
	return events, nil
}
