// Package batch partitions a job's recipients into fixed-size batches and
// paces their sequential execution.
//
// Partitioning is a pure function of the recipient order and the batch
// size. A job re-derives its batches on every resume and always gets the
// same slices, which is what lets the step ledger key steps by index.
package batch

import (
	"context"
	"time"

	"github.com/zakinabdul/appointflow/job"
	"github.com/zakinabdul/appointflow/ledger"
)

// Batch is a contiguous, order-preserving slice of a job's recipients.
type Batch struct {
	Index      int
	StepName   string
	Recipients []job.Recipient
}

// Count returns ⌈n/size⌉, the number of batches for n recipients.
func Count(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

// Partition splits recipients into batches of at most size. Every
// recipient appears in exactly one batch and order is preserved. The
// returned batches share the backing array of recipients.
func Partition(recipients []job.Recipient, size int) []Batch {
	n := Count(len(recipients), size)
	out := make([]Batch, 0, n)
	for i := range n {
		lo := i * size
		hi := min(lo+size, len(recipients))
		out = append(out, Batch{
			Index:      i,
			StepName:   ledger.StepName(i),
			Recipients: recipients[lo:hi:hi],
		})
	}
	return out
}

// Scheduler sequences batches and applies the inter-batch pacing delay.
type Scheduler struct {
	delay time.Duration
}

// NewScheduler creates a Scheduler that waits delay between batches.
func NewScheduler(delay time.Duration) *Scheduler {
	return &Scheduler{delay: delay}
}

// Plan returns the batches for a job, using the batch size captured on it.
func (s *Scheduler) Plan(j *job.Job) []Batch {
	return Partition(j.Recipients, j.BatchSize)
}

// Pace blocks for the pacing delay after batch index of total. No delay
// follows the last batch. It returns ctx.Err() if ctx ends first.
func (s *Scheduler) Pace(ctx context.Context, index, total int) error {
	if s.delay <= 0 || index >= total-1 {
		return ctx.Err()
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
