// Package job defines the job entity, its state machine, the action
// registry, and cooperative cancellation checkpoints.
//
// A [Job] is one marketplace operation requested by a tenant. It carries
// a typed JSON payload and progresses through a state machine:
//
//	pending → running → completed
//	pending → running → failed
//	pending → running → paused → running → ...
//
// A cancel request may land at any point before a terminal state; running
// jobs observe it at their next [Checkpoint]. Handlers are registered per
// [Action] through a [Registry], with [Define] providing typed payload
// decoding in front of the type-erased handler.
package job
