package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

// CreateJob stores the job as a Hash and indexes it by creation time.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	// Claim the key first so concurrent creators cannot both succeed.
	ok, err := s.client.HSetNX(ctx, key, "id", jID).Result()
	if err != nil {
		return fmt.Errorf("appointflow/redis: create job claim: %w", err)
	}
	if !ok {
		return appointflow.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ZAdd(ctx, jobsKey, goredis.Z{Score: score(j.CreatedAt), Member: jID})
	pipe.ZAdd(ctx, jobStatusKey(string(j.Status)), goredis.Z{Score: score(j.CreatedAt), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appointflow/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// updateJobScript writes the mutable job fields if the status is still
// ARGV[1], and moves the job between status sets.
// KEYS: job hash, from status set, to status set, jobs index.
// ARGV: from, status, error, cancel, started_at, completed_at, now, job id.
// Returns -1 for a missing job, 0 on a status mismatch and 1 otherwise.
var updateJobScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
if cur ~= ARGV[1] then
	return 0
end
local cancel = ARGV[4]
if redis.call('HGET', KEYS[1], 'cancel') == 'true' then
	cancel = 'true'
end
redis.call('HSET', KEYS[1],
	'status', ARGV[2], 'error', ARGV[3], 'cancel', cancel,
	'started_at', ARGV[5], 'completed_at', ARGV[6], 'updated_at', ARGV[7])
if ARGV[1] ~= ARGV[2] then
	local created = redis.call('ZSCORE', KEYS[4], ARGV[8]) or '0'
	redis.call('ZREM', KEYS[2], ARGV[8])
	redis.call('ZADD', KEYS[3], created, ARGV[8])
end
return 1
`)

// requestCancelScript flags a non-terminal job. KEYS: job hash.
// ARGV: now. Returns -1 for a missing job, 0 for a terminal one and 1
// otherwise.
var requestCancelScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
if cur == 'completed' or cur == 'failed' or cur == 'cancelled' then
	return 0
end
redis.call('HSET', KEYS[1], 'cancel', 'true', 'updated_at', ARGV[1])
return 1
`)

// UpdateJob persists status, error, cancel flag and timestamps if the job
// is still in status from.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, from job.Status) error {
	jID := j.ID.String()
	n, err := updateJobScript.Run(ctx, s.client,
		[]string{jobKey(jID), jobStatusKey(string(from)), jobStatusKey(string(j.Status)), jobsKey},
		string(from), string(j.Status), j.Error, strconv.FormatBool(j.Cancel),
		formatTimePtr(j.StartedAt), formatTimePtr(j.CompletedAt), formatTime(time.Now()), jID,
	).Int()
	if err != nil {
		return fmt.Errorf("appointflow/redis: update job: %w", err)
	}
	switch n {
	case -1:
		return appointflow.ErrJobNotFound
	case 0:
		return fmt.Errorf("%w: job %s left %s", appointflow.ErrJobConflict, jID, from)
	}
	return nil
}

// RequestCancel sets the cancel flag on a non-terminal job.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	n, err := requestCancelScript.Run(ctx, s.client,
		[]string{jobKey(jobID.String())}, formatTime(time.Now()),
	).Int()
	if err != nil {
		return fmt.Errorf("appointflow/redis: request cancel: %w", err)
	}
	switch n {
	case -1:
		return appointflow.ErrJobNotFound
	case 0:
		return fmt.Errorf("%w: job %s already finished", appointflow.ErrInvalidState, jobID)
	}
	return nil
}

// CountJobs is a ZCARD on the job index, or on the status set.
func (s *Store) CountJobs(ctx context.Context, status job.Status) (int64, error) {
	key := jobsKey
	if status != "" {
		key = jobStatusKey(string(status))
	}
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("appointflow/redis: count jobs: %w", err)
	}
	return n, nil
}

// ListJobs returns jobs ordered by creation time, oldest first. A status
// filter reads that status's set instead of the whole index.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	key := jobsKey
	if opts.Status != "" {
		key = jobStatusKey(string(opts.Status))
	}
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		jobs = append(jobs, j)
	}
	return paginate(jobs, opts.Offset, opts.Limit), nil
}

// PurgeJobs removes terminal jobs last updated before the cutoff together
// with their ledger steps.
func (s *Store) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRange(ctx, jobsKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("appointflow/redis: purge jobs: %w", err)
	}

	var purged int64
	for _, jID := range ids {
		vals, getErr := s.client.HMGet(ctx, jobKey(jID), "status", "updated_at").Result()
		if getErr != nil {
			return purged, fmt.Errorf("appointflow/redis: purge jobs get: %w", getErr)
		}
		status, _ := vals[0].(string)
		updatedAt, _ := vals[1].(string)
		if !job.Status(status).Terminal() || !parseTime(updatedAt).Before(before) {
			continue
		}

		names, rangeErr := s.client.ZRange(ctx, stepIndexKey(jID), 0, -1).Result()
		if rangeErr != nil && !errors.Is(rangeErr, goredis.Nil) {
			return purged, fmt.Errorf("appointflow/redis: purge steps: %w", rangeErr)
		}

		pipe := s.client.TxPipeline()
		for _, name := range names {
			pipe.Del(ctx, stepKey(jID, name))
		}
		pipe.Del(ctx, stepIndexKey(jID), jobKey(jID))
		pipe.ZRem(ctx, jobsKey, jID)
		pipe.ZRem(ctx, jobStatusKey(status), jID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return purged, fmt.Errorf("appointflow/redis: purge job: %w", pErr)
		}
		purged++
	}
	return purged, nil
}

// ── helpers ──

func jobToMap(j *job.Job) (map[string]any, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: encode payload: %w", err)
	}
	recipients, err := json.Marshal(j.Recipients)
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: encode recipients: %w", err)
	}
	parent := ""
	if !j.ParentJobID.IsNil() {
		parent = j.ParentJobID.String()
	}
	return map[string]any{
		"id":            j.ID.String(),
		"kind":          string(j.Kind),
		"payload":       string(payload),
		"recipients":    string(recipients),
		"batch_size":    strconv.Itoa(j.BatchSize),
		"status":        string(j.Status),
		"error":         j.Error,
		"cancel":        strconv.FormatBool(j.Cancel),
		"parent_job_id": parent,
		"started_at":    formatTimePtr(j.StartedAt),
		"completed_at":  formatTimePtr(j.CompletedAt),
		"created_at":    formatTime(j.CreatedAt),
		"updated_at":    formatTime(j.UpdatedAt),
	}, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: get job: %w", err)
	}
	// A lone "id" field is a create in flight.
	if len(vals) <= 1 {
		return nil, appointflow.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("appointflow/redis: parse job id: %w", err)
	}

	j := &job.Job{
		Entity: appointflow.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:          jID,
		Kind:        job.Kind(m["kind"]),
		BatchSize:   atoi(m["batch_size"]),
		Status:      job.Status(m["status"]),
		Error:       m["error"],
		Cancel:      m["cancel"] == "true",
		StartedAt:   parseTimePtr(m["started_at"]),
		CompletedAt: parseTimePtr(m["completed_at"]),
	}
	if v := m["parent_job_id"]; v != "" {
		j.ParentJobID, _ = id.ParseJobID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if err := json.Unmarshal([]byte(m["payload"]), &j.Payload); err != nil {
		return nil, fmt.Errorf("appointflow/redis: decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(m["recipients"]), &j.Recipients); err != nil {
		return nil, fmt.Errorf("appointflow/redis: decode recipients: %w", err)
	}
	return j, nil
}
