// Package bluestreak provides a durable workflow execution engine backed
// by MongoDB. Handlers are ordinary Go functions; the engine guarantees
// each recorded step runs at-most-once across crashes and retries, that
// sleeps survive process restarts, and that failed executions resume
// from the last completed step.
//
// Bluestreak is designed as a library, not a service. Import it,
// register handlers, start workflow instances by id, and poll. Workers
// claim instances from a shared queue persisted in the store; any
// number of worker processes may poll the same database.
//
// # Quick Start
//
//	e, err := engine.New(
//	    engine.WithDBURL("mongodb://localhost:27017"),
//	    engine.WithMaxFailures(3),
//	)
//
// The interesting machinery is the durable scheduler: an atomic
// claim-by-timeout hands each due instance to exactly one worker, a
// time-bounded lease tolerates worker death, and replay of the handler
// from the top produces the observable effect of resuming mid-flight.
//
// This package defines the contracts shared by every subsystem: the
// error taxonomy, configuration, the clock, and the Store interface.
// The engine package wires the subsystems into the client façade.
package bluestreak
