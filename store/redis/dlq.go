package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/dlq"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

// PushDLQ adds an entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dlqKey(eID), dlqToMap(entry))
	pipe.ZAdd(ctx, dlqIndexKey, goredis.Z{Score: score(entry.FailedAt), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appointflow/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries ordered by FailedAt, oldest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRange(ctx, dlqIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: list dlq: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, dlqKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		e, convErr := mapToDLQ(vals)
		if convErr != nil {
			continue
		}
		if opts.PendingOnly && e.ReplayedAt != nil {
			continue
		}
		entries = append(entries, e)
	}
	return paginate(entries, opts.Offset, opts.Limit), nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, dlqKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: get dlq: %w", err)
	}
	if len(vals) == 0 {
		return nil, appointflow.ErrDLQNotFound
	}
	return mapToDLQ(vals)
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	key := dlqKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("appointflow/redis: replay dlq exists: %w", err)
	}
	if exists == 0 {
		return appointflow.ErrDLQNotFound
	}

	if err := s.client.HSet(ctx, key, "replayed_at", formatTime(time.Now())).Err(); err != nil {
		return fmt.Errorf("appointflow/redis: replay dlq: %w", err)
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, dlqIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("appointflow/redis: purge dlq: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, eID := range ids {
		keys[i] = dlqKey(eID)
		members[i] = eID
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, dlqIndexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("appointflow/redis: purge dlq del: %w", err)
	}
	return int64(len(ids)), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, dlqIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("appointflow/redis: count dlq: %w", err)
	}
	return count, nil
}

// ── helpers ──

func dlqToMap(e *dlq.Entry) map[string]any {
	m := map[string]any{
		"id":         e.ID.String(),
		"job_id":     e.JobID.String(),
		"kind":       string(e.Kind),
		"step_name":  e.StepName,
		"error":      e.Error,
		"attempts":   strconv.Itoa(e.Attempts),
		"recipients": strconv.Itoa(e.Recipients),
		"failed_at":  formatTime(e.FailedAt),
		"created_at": formatTime(e.CreatedAt),
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = formatTime(*e.ReplayedAt)
	}
	return m
}

func mapToDLQ(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.ParseDLQID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: parse dlq id: %w", err)
	}
	jobID, _ := id.ParseJobID(m["job_id"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &dlq.Entry{
		ID:         eID,
		JobID:      jobID,
		Kind:       job.Kind(m["kind"]),
		StepName:   m["step_name"],
		Error:      m["error"],
		Attempts:   atoi(m["attempts"]),
		Recipients: atoi(m["recipients"]),
		FailedAt:   parseTime(m["failed_at"]),
		ReplayedAt: parseTimePtr(m["replayed_at"]),
		CreatedAt:  parseTime(m["created_at"]),
	}, nil
}
