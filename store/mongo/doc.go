// Package mongo implements store.Store on MongoDB using the official v2
// driver. Jobs, ledger steps and DLQ entries live in three collections.
// A unique (job_id, step_name) index plus status-filtered upserts make
// ledger commits write-once.
//
// The caller owns the *mongo.Client lifecycle:
//
//	client, _ := mongod.Connect(options.Client().ApplyURI(uri))
//	s := mongo.New(client.Database("appointflow"))
//	if err := s.Migrate(ctx); err != nil { ... }
package mongo
