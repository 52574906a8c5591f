//go:build integration

package mongo_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/zakinabdul/appointflow/id"
	"github.com/zakinabdul/appointflow/store"
	"github.com/zakinabdul/appointflow/store/mongo"
	"github.com/zakinabdul/appointflow/store/storetest"
)

// setupTestClient starts a disposable MongoDB container and returns a
// connected client.
func setupTestClient(t *testing.T) *mongod.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcmongo.Run(ctx,
		"mongo:7",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(ctx) })
	return client
}

func TestStore(t *testing.T) {
	client := setupTestClient(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		// A fresh database per subtest keeps them isolated.
		db := client.Database("appointflow_" + id.NewJobID().String())
		s := mongo.New(db, mongo.WithLogger(logger))
		if err := s.Migrate(context.Background()); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		t.Cleanup(func() { _ = db.Drop(context.Background()) })
		return s
	})
}

func TestPing(t *testing.T) {
	client := setupTestClient(t)
	s := mongo.New(client.Database("appointflow_ping"))
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
