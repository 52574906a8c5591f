package dlq

import (
	"context"
	"fmt"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
)

// Replay resumes the job behind a DLQ entry and marks the entry replayed.
// Unlike a fresh submission the job keeps its ID, so every batch step it
// already committed is skipped.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (id.JobID, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return id.Nil, err
	}
	if entry.ReplayedAt != nil {
		return entry.JobID, fmt.Errorf("%w: dlq entry %s already replayed", appointflow.ErrInvalidState, entryID)
	}
	if s.resumer == nil {
		return entry.JobID, fmt.Errorf("dlq: no resumer configured")
	}

	if err := s.resumer.Resume(ctx, entry.JobID); err != nil {
		return entry.JobID, fmt.Errorf("dlq: resume %s: %w", entry.JobID, err)
	}
	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The job is already running again. Report but don't undo.
		return entry.JobID, err
	}
	return entry.JobID, nil
}
