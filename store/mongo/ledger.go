package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/ledger"
)

// savePartialRetries bounds the optimistic revision loop in SavePartial.
const savePartialRetries = 10

// openStep matches a step that has not succeeded yet. On upsert the
// equality fields seed the inserted document.
func openStep(jobID id.JobID, stepName string) bson.M {
	return bson.M{
		"job_id":    jobID.String(),
		"step_name": stepName,
		"status":    bson.M{"$ne": string(ledger.StepSucceeded)},
	}
}

// TryBegin records a new attempt unless the step already succeeded. A
// succeeded step makes the status filter miss, so the upsert collides
// with the unique index and the step is reported as memoized.
func (s *Store) TryBegin(ctx context.Context, jobID id.JobID, stepName string) (*ledger.Step, bool, error) {
	col := s.db.Collection(colSteps)
	t := now()
	update := bson.M{
		"$inc": bson.M{"attempts": 1, "rev": 1},
		"$set": bson.M{"updated_at": t},
		"$setOnInsert": bson.M{
			"_id":        id.NewStepID().String(),
			"status":     string(ledger.StepNotStarted),
			"partial":    bson.A{},
			"last_error": "",
			"created_at": t,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	// Two first-time racers can both miss and both insert; the loser
	// retries once against the winner's document.
	for range 2 {
		var m stepModel
		err := col.FindOneAndUpdate(ctx, openStep(jobID, stepName), update, opts).Decode(&m)
		if err == nil {
			step, convErr := fromStepModel(&m)
			return step, false, convErr
		}
		if !isDuplicateKey(err) {
			return nil, false, fmt.Errorf("appointflow/mongo: begin step: %w", err)
		}

		step, getErr := s.GetStep(ctx, jobID, stepName)
		if getErr != nil {
			return nil, false, getErr
		}
		if step.Done() {
			return step, true, nil
		}
	}
	return nil, false, fmt.Errorf("appointflow/mongo: begin step %s: concurrent insert", stepName)
}

// Commit records a successful result exactly once.
func (s *Store) Commit(ctx context.Context, jobID id.JobID, stepName string, result ledger.StepResult) error {
	t := now()
	update := bson.M{
		"$set": bson.M{
			"status":       string(ledger.StepSucceeded),
			"result":       result,
			"partial":      bson.A{},
			"last_error":   "",
			"updated_at":   t,
			"committed_at": t,
		},
		"$inc": bson.M{"rev": 1},
		"$setOnInsert": bson.M{
			"_id":        id.NewStepID().String(),
			"attempts":   1,
			"created_at": t,
		},
	}

	res, err := s.db.Collection(colSteps).UpdateOne(ctx, openStep(jobID, stepName), update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		if isDuplicateKey(err) {
			return appointflow.ErrStepAlreadyCommitted
		}
		return fmt.Errorf("appointflow/mongo: commit step: %w", err)
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return appointflow.ErrStepAlreadyCommitted
	}
	return nil
}

// Fail marks the latest attempt as failed without touching succeeded steps.
func (s *Store) Fail(ctx context.Context, jobID id.JobID, stepName, reason string) error {
	res, err := s.db.Collection(colSteps).UpdateOne(ctx, openStep(jobID, stepName), bson.M{
		"$set": bson.M{
			"status":     string(ledger.StepFailed),
			"last_error": reason,
			"updated_at": now(),
		},
		"$inc": bson.M{"rev": 1},
	})
	if err != nil {
		return fmt.Errorf("appointflow/mongo: fail step: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetStep(ctx, jobID, stepName); err != nil {
			return err
		}
	}
	return nil
}

// SavePartial merges sent outcomes with an optimistic revision check.
func (s *Store) SavePartial(ctx context.Context, jobID id.JobID, stepName string, sent []ledger.Outcome) error {
	col := s.db.Collection(colSteps)
	key := bson.M{"job_id": jobID.String(), "step_name": stepName}

	for range savePartialRetries {
		var m stepModel
		if err := col.FindOne(ctx, key).Decode(&m); err != nil {
			if isNoDocuments(err) {
				return appointflow.ErrStepNotFound
			}
			return fmt.Errorf("appointflow/mongo: load partial: %w", err)
		}
		if ledger.StepStatus(m.Status) == ledger.StepSucceeded {
			return nil
		}

		merged := ledger.MergePartial(m.Partial, sent)
		res, err := col.UpdateOne(ctx,
			bson.M{"_id": m.ID, "rev": m.Rev},
			bson.M{
				"$set": bson.M{"partial": merged, "updated_at": now()},
				"$inc": bson.M{"rev": 1},
			},
		)
		if err != nil {
			return fmt.Errorf("appointflow/mongo: save partial: %w", err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
	}
	return fmt.Errorf("appointflow/mongo: save partial %s: too much contention", stepName)
}

// GetStep retrieves a step.
func (s *Store) GetStep(ctx context.Context, jobID id.JobID, stepName string) (*ledger.Step, error) {
	var m stepModel
	err := s.db.Collection(colSteps).FindOne(ctx, bson.M{
		"job_id":    jobID.String(),
		"step_name": stepName,
	}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, appointflow.ErrStepNotFound
		}
		return nil, fmt.Errorf("appointflow/mongo: get step: %w", err)
	}
	return fromStepModel(&m)
}

// ListSteps returns all steps for a job in creation order.
func (s *Store) ListSteps(ctx context.Context, jobID id.JobID) ([]*ledger.Step, error) {
	cursor, err := s.db.Collection(colSteps).Find(ctx,
		bson.M{"job_id": jobID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("appointflow/mongo: list steps: %w", err)
	}
	var models []stepModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("appointflow/mongo: list steps decode: %w", err)
	}

	out := make([]*ledger.Step, 0, len(models))
	for i := range models {
		st, convErr := fromStepModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, st)
	}
	return out, nil
}
