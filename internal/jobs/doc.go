// Package jobs holds the core job model: the priority queue with dedup
// tracking, the automation-type registry, and the job state machine.
//
// The queue is the only mutable state shared between submitters and the
// execution engine; every mutating operation runs under a single critical
// section so dequeue-and-transition is atomic and no job is ever claimed
// by two workers.
package jobs
