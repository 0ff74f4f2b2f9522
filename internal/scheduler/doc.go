// Package scheduler contains the worker's run scheduling loop.
//
// A single goroutine owns all run state and all resource pool mutations.
// Backend and coordinator calls are dispatched to short-lived goroutines
// and their results folded back into the loop as events, so no lock
// guards a run's lifecycle.
package scheduler
