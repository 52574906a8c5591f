// Package job defines the dispatch job entity, its state machine, the
// recipient snapshot, and the job store interface.
//
// # Job Entity
//
// A [Job] is one logical dispatch request covering every recipient of a
// single notification. It embeds [appointflow.Entity] for timestamps and
// progresses through a state machine:
//
//	pending → running → completed
//	pending → running → failed → running (operator resume) → ...
//	pending → running → cancelled
//	pending → cancelled
//
// A process crash leaves a job in running; Runner.ResumeAll picks it up
// again on startup.
//
// The recipient list and batch size are captured at submission and never
// change afterwards, so batch partitioning is reproducible on resume.
package job
