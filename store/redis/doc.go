// Package redis implements store.Store on Redis. Jobs, ledger steps and
// DLQ entries are Hashes. Sorted Sets keyed by timestamp keep them in
// creation order, and the ledger compare-and-set runs as Lua scripts so
// a committed step can never be overwritten.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
