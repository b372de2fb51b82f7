// Package workflow defines the handler registry, the per-run execution
// context with its durable Step and Sleep operations, and the runner
// that drives one claimed instance from handler invocation to a
// terminal or retryable state.
//
// Replay is the organizing idea: a handler is always re-executed from
// the top, and Step/Sleep consult the store so completed work
// short-circuits. Handler code must keep every side effect inside a
// Step and stay deterministic between step boundaries.
package workflow
