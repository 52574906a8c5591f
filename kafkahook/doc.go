// Package kafkahook publishes job lifecycle transitions to Kafka. When
// registered as an extension it writes one JSON message per transition,
// keyed by job ID so every event for a job lands on the same partition in
// order.
//
// Usage:
//
//	w := kafkahook.NewWriter([]string{"localhost:9092"}, "appointflow.jobs")
//	defer w.Close()
//
//	hook := kafkahook.New(w)
//	engine.WithExtension(hook)
//
// By default only terminal transitions are published. To choose the set:
//
//	hook := kafkahook.New(w,
//	    kafkahook.WithEvents(
//	        kafkahook.EventJobStarted,
//	        kafkahook.EventJobCompleted,
//	    ),
//	)
package kafkahook
