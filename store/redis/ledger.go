package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/ledger"
)

// tryBeginScript creates or bumps a step unless it already succeeded.
// KEYS: step hash, step index. ARGV: step id, job id, name, now, score.
// Returns {done, HGETALL}.
var tryBeginScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'succeeded' then
	return {1, redis.call('HGETALL', KEYS[1])}
end
if not status then
	redis.call('HSET', KEYS[1],
		'id', ARGV[1], 'job_id', ARGV[2], 'step_name', ARGV[3],
		'status', 'not_started', 'attempts', '1', 'partial', '[]',
		'last_error', '', 'created_at', ARGV[4], 'updated_at', ARGV[4])
	redis.call('ZADD', KEYS[2], ARGV[5], ARGV[3])
else
	redis.call('HINCRBY', KEYS[1], 'attempts', 1)
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
end
return {0, redis.call('HGETALL', KEYS[1])}
`)

// commitScript writes a result once. KEYS: step hash, step index.
// ARGV: step id, job id, name, result json, now, score. Returns 1 on
// commit and 0 if the step had already succeeded.
var commitScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'succeeded' then
	return 0
end
if not status then
	redis.call('HSET', KEYS[1],
		'id', ARGV[1], 'job_id', ARGV[2], 'step_name', ARGV[3],
		'attempts', '1', 'created_at', ARGV[5])
	redis.call('ZADD', KEYS[2], ARGV[6], ARGV[3])
end
redis.call('HSET', KEYS[1],
	'status', 'succeeded', 'result', ARGV[4], 'partial', '[]',
	'last_error', '', 'updated_at', ARGV[5], 'committed_at', ARGV[5])
return 1
`)

// failScript marks a step failed. KEYS: step hash. ARGV: reason, now.
// Returns -1 for a missing step, 0 for a succeeded one and 1 otherwise.
var failScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status == 'succeeded' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'last_error', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// savePartialRetries bounds the optimistic WATCH loop in SavePartial.
const savePartialRetries = 10

// TryBegin is the idempotency gate for a batch step.
func (s *Store) TryBegin(ctx context.Context, jobID id.JobID, stepName string) (*ledger.Step, bool, error) {
	jID := jobID.String()
	now := time.Now().UTC()

	res, err := tryBeginScript.Run(ctx, s.client,
		[]string{stepKey(jID, stepName), stepIndexKey(jID)},
		id.NewStepID().String(), jID, stepName, formatTime(now), score(now),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("appointflow/redis: begin step: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("appointflow/redis: begin step: unexpected reply %v", res)
	}
	done, _ := res[0].(int64)
	fields, _ := res[1].([]any)

	step, err := mapToStep(pairsToMap(fields))
	if err != nil {
		return nil, false, err
	}
	return step, done == 1, nil
}

// Commit records a successful result exactly once.
func (s *Store) Commit(ctx context.Context, jobID id.JobID, stepName string, result ledger.StepResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("appointflow/redis: encode result: %w", err)
	}
	jID := jobID.String()
	now := time.Now().UTC()

	n, err := commitScript.Run(ctx, s.client,
		[]string{stepKey(jID, stepName), stepIndexKey(jID)},
		id.NewStepID().String(), jID, stepName, string(data), formatTime(now), score(now),
	).Int()
	if err != nil {
		return fmt.Errorf("appointflow/redis: commit step: %w", err)
	}
	if n == 0 {
		return appointflow.ErrStepAlreadyCommitted
	}
	return nil
}

// Fail marks the latest attempt as failed without touching succeeded steps.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, stepName, reason string) error {
	n, err := failScript.Run(ctx, s.client,
		[]string{stepKey(jobID.String(), stepName)},
		reason, formatTime(time.Now()),
	).Int()
	if err != nil {
		return fmt.Errorf("appointflow/redis: fail step: %w", err)
	}
	if n < 0 {
		return appointflow.ErrStepNotFound
	}
	return nil
}

// SavePartial merges sent outcomes under WATCH so concurrent writers
// cannot lose each other's progress.
func (s *Store) SavePartial(ctx context.Context, jobID id.JobID, stepName string, sent []ledger.Outcome) error {
	key := stepKey(jobID.String(), stepName)

	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "status", "partial").Result()
		if err != nil {
			return err
		}
		status, ok := vals[0].(string)
		if !ok {
			return appointflow.ErrStepNotFound
		}
		if ledger.StepStatus(status) == ledger.StepSucceeded {
			return nil
		}

		var prior []ledger.Outcome
		if raw, _ := vals[1].(string); raw != "" {
			if err := json.Unmarshal([]byte(raw), &prior); err != nil {
				return fmt.Errorf("appointflow/redis: decode partial: %w", err)
			}
		}
		merged, err := json.Marshal(ledger.MergePartial(prior, sent))
		if err != nil {
			return fmt.Errorf("appointflow/redis: encode partial: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, "partial", string(merged), "updated_at", formatTime(time.Now()))
			return nil
		})
		return err
	}

	for range savePartialRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, appointflow.ErrStepNotFound) {
			return fmt.Errorf("appointflow/redis: save partial: %w", err)
		}
		return err
	}
	return fmt.Errorf("appointflow/redis: save partial: %w", goredis.TxFailedErr)
}

// GetStep retrieves a step.
func (s *Store) GetStep(ctx context.Context, jobID id.JobID, stepName string) (*ledger.Step, error) {
	vals, err := s.client.HGetAll(ctx, stepKey(jobID.String(), stepName)).Result()
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: get step: %w", err)
	}
	if len(vals) == 0 {
		return nil, appointflow.ErrStepNotFound
	}
	return mapToStep(vals)
}

// ListSteps returns all steps for a job in creation order.
func (s *Store) ListSteps(ctx context.Context, jobID id.JobID) ([]*ledger.Step, error) {
	jID := jobID.String()
	names, err := s.client.ZRange(ctx, stepIndexKey(jID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: list steps: %w", err)
	}

	steps := make([]*ledger.Step, 0, len(names))
	for _, name := range names {
		step, getErr := s.GetStep(ctx, jobID, name)
		if errors.Is(getErr, appointflow.ErrStepNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func mapToStep(m map[string]string) (*ledger.Step, error) {
	sID, err := id.ParseStepID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: parse step id: %w", err)
	}
	jobID, err := id.ParseJobID(m["job_id"])
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: parse step job id: %w", err)
	}

	st := &ledger.Step{
		ID:          sID,
		JobID:       jobID,
		Name:        m["step_name"],
		Status:      ledger.StepStatus(m["status"]),
		Attempts:    atoi(m["attempts"]),
		LastError:   m["last_error"],
		CreatedAt:   parseTime(m["created_at"]),
		UpdatedAt:   parseTime(m["updated_at"]),
		CommittedAt: parseTimePtr(m["committed_at"]),
	}
	if raw := m["result"]; raw != "" {
		var r ledger.StepResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("appointflow/redis: decode result: %w", err)
		}
		st.Result = &r
	}
	if raw := m["partial"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Partial); err != nil {
			return nil, fmt.Errorf("appointflow/redis: decode partial: %w", err)
		}
	}
	return st, nil
}
