package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/job"
)

var terminalStatuses = []string{
	string(job.StatusCompleted),
	string(job.StatusFailed),
	string(job.StatusCancelled),
}

// CreateJob persists a new job with its recipient snapshot.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.Collection(colJobs).InsertOne(ctx, toJobModel(j))
	if err != nil {
		if isDuplicateKey(err) {
			return appointflow.ErrJobAlreadyExists
		}
		return fmt.Errorf("appointflow/mongo: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, appointflow.ErrJobNotFound
		}
		return nil, fmt.Errorf("appointflow/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// UpdateJob persists status, error, cancel flag and timestamps if the
// document is still in status from. The payload and recipients are left
// untouched, and a cancel flag already set stays set.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job, from job.Status) error {
	set := bson.M{
		"status":     string(j.Status),
		"error":      j.Error,
		"updated_at": now(),
	}
	if j.Cancel {
		set["cancel_requested"] = true
	}
	unset := bson.M{}
	if j.StartedAt != nil {
		set["started_at"] = *j.StartedAt
	} else {
		unset["started_at"] = ""
	}
	if j.CompletedAt != nil {
		set["completed_at"] = *j.CompletedAt
	} else {
		unset["completed_at"] = ""
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	res, err := s.db.Collection(colJobs).UpdateOne(ctx,
		bson.M{"_id": j.ID.String(), "status": string(from)}, update)
	if err != nil {
		return fmt.Errorf("appointflow/mongo: update job: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.missOrConflict(ctx, j.ID, appointflow.ErrJobConflict)
	}
	return nil
}

// RequestCancel sets cancel_requested on a non-terminal job.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.Collection(colJobs).UpdateOne(ctx,
		bson.M{"_id": jobID.String(), "status": bson.M{"$nin": terminalStatuses}},
		bson.M{"$set": bson.M{"cancel_requested": true, "updated_at": now()}},
	)
	if err != nil {
		return fmt.Errorf("appointflow/mongo: request cancel: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.missOrConflict(ctx, jobID, appointflow.ErrInvalidState)
	}
	return nil
}

func (s *Store) missOrConflict(ctx context.Context, jobID id.JobID, conflict error) error {
	var doc struct {
		Status string `bson:"status"`
	}
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": jobID.String()},
		options.FindOne().SetProjection(bson.M{"status": 1})).Decode(&doc)
	if isNoDocuments(err) {
		return appointflow.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("appointflow/mongo: get job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", conflict, jobID, doc.Status)
}

// CountJobs counts jobs in status, or all jobs when status is empty.
func (s *Store) CountJobs(ctx context.Context, status job.Status) (int64, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = string(status)
	}
	n, err := s.db.Collection(colJobs).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("appointflow/mongo: count jobs: %w", err)
	}
	return n, nil
}

// ListJobs returns jobs ordered by creation time, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	findOpts := pageOptions(opts.Offset, opts.Limit).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := s.db.Collection(colJobs).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("appointflow/mongo: list jobs: %w", err)
	}
	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("appointflow/mongo: list jobs decode: %w", err)
	}

	out := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, j)
	}
	return out, nil
}

// PurgeJobs removes terminal jobs last updated before the cutoff along
// with their steps.
func (s *Store) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	filter := bson.M{
		"status":     bson.M{"$in": terminalStatuses},
		"updated_at": bson.M{"$lt": before},
	}
	cursor, err := s.db.Collection(colJobs).Find(ctx, filter,
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, fmt.Errorf("appointflow/mongo: purge jobs find: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("appointflow/mongo: purge jobs decode: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	if _, err := s.db.Collection(colSteps).DeleteMany(ctx, bson.M{"job_id": bson.M{"$in": ids}}); err != nil {
		return 0, fmt.Errorf("appointflow/mongo: purge steps: %w", err)
	}
	res, err := s.db.Collection(colJobs).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("appointflow/mongo: purge jobs: %w", err)
	}
	return res.DeletedCount, nil
}
