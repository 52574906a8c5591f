package redis_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/zakinabdul/appointflow"
	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/ledger"
	"github.com/zakinabdul/appointflow/store"
	"github.com/zakinabdul/appointflow/store/redis"
	"github.com/zakinabdul/appointflow/store/storetest"
)

func newTestStore(t *testing.T) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redis.New(client, redis.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))), mr
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestPing(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	mr.Close()
	if err := s.Ping(ctx); err == nil {
		t.Fatal("Ping after server close should fail")
	}
}

func TestKeysArePrefixed(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	j := storetest.NewJob(1)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, _, err := s.TryBegin(ctx, j.ID, ledger.StepName(0)); err != nil {
		t.Fatalf("TryBegin: %v", err)
	}

	for _, k := range mr.Keys() {
		if len(k) < len("appointflow:") || k[:len("appointflow:")] != "appointflow:" {
			t.Errorf("key %q is not prefixed", k)
		}
	}
	if !mr.Exists("appointflow:step:" + j.ID.String() + ":send-batch-0") {
		t.Error("step hash not stored under its job")
	}
}

func TestSavePartial_MissingStep(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.SavePartial(context.Background(), id.NewJobID(), ledger.StepName(0), nil)
	if !errors.Is(err, appointflow.ErrStepNotFound) {
		t.Fatalf("SavePartial(missing) = %v, want ErrStepNotFound", err)
	}
}
