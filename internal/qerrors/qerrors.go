// Package qerrors defines the engine's error taxonomy (spec.md §7): compile
// errors raised synchronously, dataflow faults from user-function panics
// rolled back to the triggering mutation, sync-adapter errors surfaced on a
// collection's status, and cycle errors from Salsa's dependency graph.
package qerrors

import "fmt"

// CompileError mirrors compiler.CompileError at the boundary other packages
// import, so callers outside pkg/compiler can type-switch without an import
// cycle back into it.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string { return "compile error: " + e.Reason }

// DataflowFault wraps a panic recovered from an operator's user-supplied
// function (aggregate reduce, where predicate, select expression) during a
// tick; per §7 it rolls back the in-progress write transaction.
type DataflowFault struct {
	Op    string
	Cause error
}

func (e *DataflowFault) Error() string {
	return fmt.Sprintf("dataflow fault in %s: %v", e.Op, e.Cause)
}

func (e *DataflowFault) Unwrap() error { return e.Cause }

// AdapterError wraps a sync adapter failure (connection loss, malformed
// server payload); collections surface it via their status rather than
// panicking live queries.
type AdapterError struct {
	CollectionID string
	Cause        error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("sync adapter error for collection %q: %v", e.CollectionID, e.Cause)
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// CycleError is raised when Salsa's demand-driven recomputation detects a
// query depending on itself, directly or transitively.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	s := "salsa: dependency cycle detected:"
	for _, p := range e.Path {
		s += " " + p + " ->"
	}
	return s
}

// Recover turns a recovered panic value into a *DataflowFault, or returns
// nil if r is nil.
func Recover(op string, r any) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok {
		return &DataflowFault{Op: op, Cause: err}
	}
	return &DataflowFault{Op: op, Cause: fmt.Errorf("%v", r)}
}
