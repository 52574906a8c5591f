// Package memory provides an in-memory transport that records every send.
// It is intended for tests and for running the daemon without a provider.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zakinabdul/appointflow/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport records sends and can be scripted to fail.
type Transport struct {
	mu       sync.Mutex
	sent     []transport.Message
	byEmail  map[string]error
	failAll  error
	failNext []error
	counter  atomic.Int64
	attempts atomic.Int64
}

// New returns an empty recording transport.
func New() *Transport {
	return &Transport{byEmail: make(map[string]error)}
}

// FailFor makes every send to email return err. A nil err clears it.
func (t *Transport) FailFor(email string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.byEmail, email)
		return
	}
	t.byEmail[email] = err
}

// FailAll makes every send return err until cleared with FailAll(nil).
func (t *Transport) FailAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = err
}

// FailNext queues errors returned by the next sends, in order.
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = append(t.failNext, errs...)
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, msg transport.Message) (string, error) {
	t.attempts.Add(1)
	if err := ctx.Err(); err != nil {
		return "", transport.Transient(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failNext) > 0 {
		err := t.failNext[0]
		t.failNext = t.failNext[1:]
		if err != nil {
			return "", err
		}
	}
	if t.failAll != nil {
		return "", t.failAll
	}
	if err, ok := t.byEmail[msg.To]; ok {
		return "", err
	}

	t.sent = append(t.sent, msg)
	return fmt.Sprintf("mem-%d", t.counter.Add(1)), nil
}

// Sent returns a copy of the successfully sent messages.
func (t *Transport) Sent() []transport.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]transport.Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentCount returns the number of successful sends.
func (t *Transport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// SentTo returns how many messages were successfully sent to email.
func (t *Transport) SentTo(email string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.sent {
		if m.To == email {
			n++
		}
	}
	return n
}

// Attempts returns the total number of Send calls, including failures.
func (t *Transport) Attempts() int { return int(t.attempts.Load()) }
