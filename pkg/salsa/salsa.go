// Package salsa implements the revision-tracked, demand-driven memoization
// engine of spec.md §4.12: input cells bump a global revision counter,
// derived queries auto-discover their dependencies via an execution-context
// stack, and recomputation only happens when a query's recorded
// dependencies actually changed since it was last verified ("early exit
// green").
package salsa

import (
	"fmt"
	"sync"

	"github.com/tursodatabase/qflux/internal/qerrors"
)

// Revision is a monotonically increasing logical clock tick.
type Revision uint64

// QueryFn computes a derived value given a *Context to read other
// queries/inputs through (so dependencies are recorded automatically).
type QueryFn func(ctx *Context) (any, error)

type inputCell struct {
	value     any
	changedAt Revision
}

type derivedEntry struct {
	fn          QueryFn
	value       any
	err         error
	changedAt   Revision
	verifiedAt  Revision
	deps        []string
	subscribers []func(any)
}

// Database is the injected Salsa environment (§9: "injected structs, not
// process-wide singletons"); callers construct one per independent engine
// instance.
type Database struct {
	mu       sync.Mutex
	revision Revision
	inputs   map[string]*inputCell
	derived  map[string]*derivedEntry

	// stack tracks the chain of queries currently being computed, for cycle
	// detection and dependency auto-discovery.
	stack []string
}

// NewDatabase builds an empty Database at revision 1; a derived entry's
// verifiedAt of 0 therefore always means "never computed".
func NewDatabase() *Database {
	return &Database{
		revision: 1,
		inputs:   make(map[string]*inputCell),
		derived:  make(map[string]*derivedEntry),
	}
}

// Context is handed to a QueryFn while it runs; every Input/Query read
// through it is recorded as a dependency of the query currently computing.
type Context struct {
	db  *Database
	key string
}

// Query reads another derived query's current value, auto-recording it as
// a dependency of the query this Context belongs to.
func (c *Context) Query(key string) (any, error) { return c.db.query(key) }

// Input reads an input cell's current value, auto-recording it as a
// dependency of the query this Context belongs to.
func (c *Context) Input(key string) (any, bool) { return c.db.Input(key) }

// SetInput writes an input cell, bumping the database's global revision.
// Pass a key that hasn't been Define'd as a derived query.
func (db *Database) SetInput(key string, value any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.revision++
	db.inputs[key] = &inputCell{value: value, changedAt: db.revision}
}

// Define registers (or redefines) a derived query's computation function.
// Redefining an existing key invalidates its memoized value.
func (db *Database) Define(key string, fn QueryFn) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.derived, key)
	db.derived[key] = &derivedEntry{fn: fn}
}

// Query reads the current (possibly freshly recomputed) value of a derived
// query by key, recording it as a dependency of whatever query is currently
// executing (if any).
func (db *Database) Query(key string) (any, error) {
	return db.query(key)
}

// Input reads an input cell's current value, recording it as a dependency
// of whatever query is currently executing.
func (db *Database) Input(key string) (any, bool) {
	db.mu.Lock()
	cell, ok := db.inputs[key]
	if len(db.stack) > 0 {
		top := db.stack[len(db.stack)-1]
		db.recordDep(top, key)
	}
	db.mu.Unlock()
	if !ok {
		return nil, false
	}
	return cell.value, true
}

func (db *Database) recordDep(of, on string) {
	e, ok := db.derived[of]
	if !ok {
		return
	}
	for _, d := range e.deps {
		if d == on {
			return
		}
	}
	e.deps = append(e.deps, on)
}

func (db *Database) query(key string) (any, error) {
	db.mu.Lock()
	for _, s := range db.stack {
		if s == key {
			path := append(append([]string(nil), db.stack...), key)
			db.mu.Unlock()
			return nil, &qerrors.CycleError{Path: path}
		}
	}
	if len(db.stack) > 0 {
		db.recordDep(db.stack[len(db.stack)-1], key)
	}

	e, ok := db.derived[key]
	if !ok {
		db.mu.Unlock()
		return nil, fmt.Errorf("salsa: no query defined for %q", key)
	}

	if e.verifiedAt == db.revision {
		v, err := e.value, e.err
		db.mu.Unlock()
		return v, err
	}

	if db.checkStaleLocked(key, e) {
		v, err := e.value, e.err
		e.verifiedAt = db.revision
		db.mu.Unlock()
		return v, err
	}

	db.stack = append(db.stack, key)
	e.deps = nil
	db.mu.Unlock()

	ctx := &Context{db: db, key: key}
	val, err := runQuery(e.fn, ctx)

	db.mu.Lock()
	db.stack = db.stack[:len(db.stack)-1]
	changed := e.verifiedAt == 0 || !valueEqual(e.value, val) || e.err != nil || err != nil
	e.value, e.err = val, err
	e.verifiedAt = db.revision
	if changed {
		e.changedAt = db.revision
	}
	subs := append(([]func(any))(nil), e.subscribers...)
	rev := e.verifiedAt
	db.mu.Unlock()

	db.emitRecompute(RecomputeEvent{Key: key, Revision: rev, Changed: changed, HasError: err != nil})
	if changed {
		for _, s := range subs {
			s(val)
		}
	}
	return val, err
}

func runQuery(fn QueryFn, ctx *Context) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = qerrors.Recover("salsa.query", r)
		}
	}()
	return fn(ctx)
}

// checkStaleLocked implements the "early exit green" optimization: if every
// recorded dependency's own changedAt revision is no newer than this entry's
// last verification, the value can be reused without recomputing.
// Caller holds db.mu.
func (db *Database) checkStaleLocked(key string, e *derivedEntry) bool {
	if e.verifiedAt == 0 {
		return false
	}
	for _, dep := range e.deps {
		if cell, ok := db.inputs[dep]; ok {
			if cell.changedAt > e.verifiedAt {
				return false
			}
			continue
		}
		if de, ok := db.derived[dep]; ok {
			if de.changedAt > e.verifiedAt {
				return false
			}
			continue
		}
		// unknown dependency kind: conservatively stale.
		return false
	}
	return true
}

func valueEqual(a, b any) bool {
	type comparer interface{ Equal(any) bool }
	if ac, ok := a.(comparer); ok {
		return ac.Equal(b)
	}
	defer func() { recover() }()
	return a == b
}

// Subscribe registers fn to be called with a derived query's new value
// every time it actually changes (not merely re-verifies unchanged).
func (db *Database) Subscribe(key string, fn func(any)) (unsubscribe func()) {
	db.mu.Lock()
	e, ok := db.derived[key]
	if !ok {
		e = &derivedEntry{}
		db.derived[key] = e
	}
	idx := len(e.subscribers)
	e.subscribers = append(e.subscribers, fn)
	db.mu.Unlock()

	return func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		if idx < len(e.subscribers) {
			e.subscribers[idx] = func(any) {}
		}
	}
}

// CurrentRevision reports the database's current global revision.
func (db *Database) CurrentRevision() Revision {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.revision
}
