// Package compiler walks a relational IR query (pkg/ir) and wires the
// dataflow graph's IVM operators (pkg/ivm) to evaluate it incrementally,
// per spec.md §4.7.
package compiler

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/pkg/aggregates"
	"github.com/tursodatabase/qflux/pkg/dataflow"
	"github.com/tursodatabase/qflux/pkg/ir"
	"github.com/tursodatabase/qflux/pkg/ivm"
	"github.com/tursodatabase/qflux/pkg/opregistry"
)

// Env is the injected environment the compiler carries: operator/aggregate
// registries plus the two WeakMap-style compile caches of §4.7 step 1,
// implemented as plain maps keyed by IR node identity (pointer) since Go has
// no WeakMap — callers must clear the relevant entries on live-query
// cleanup (§4.10 step 7; §9 design notes).
type Env struct {
	Operators  *opregistry.Registry
	Aggregates *aggregates.Registry
	Log        *zap.Logger

	cache        map[*ir.Query]*Result
	queryMapping map[*ir.Query]*ir.Query // optimized -> raw
}

// NewEnv builds an Env with the default built-in registries.
func NewEnv(log *zap.Logger) *Env {
	if log == nil {
		log = zap.NewNop()
	}
	return &Env{
		Operators:    opregistry.NewRegistry(),
		Aggregates:   aggregates.NewRegistry(),
		Log:          log,
		cache:        make(map[*ir.Query]*Result),
		queryMapping: make(map[*ir.Query]*ir.Query),
	}
}

// Forget evicts any cache entries for q, used by live-query cleanup (§4.10
// step 7: "clears the cache entry").
func (e *Env) Forget(q *ir.Query) {
	delete(e.cache, q)
	delete(e.queryMapping, q)
}

// AliasSource describes one alias's raw input: the dataflow node that emits
// its keyed-but-unwrapped row stream (Key -> raw row Value, not yet
// namespaced as {alias: row}), and whether that source is lazily loaded
// (on-demand sync per §4.10 step 4 / §4.8).
type AliasSource struct {
	Node  dataflow.NodeID
	Port  int
	Lazy  bool
	CollectionID string
}

// Inputs bundles everything the compiler needs to resolve FROM/JOIN
// aliases, mirroring §4.7's parameter list: alias->input stream,
// alias->collection, the lazy-alias set, and (for includes children) a
// parent-key stream plus the child's correlation field.
type Inputs struct {
	Graph   *dataflow.Graph
	Aliases map[string]AliasSource

	// ancestorDirectAliases carries direct-collection aliases declared by
	// enclosing queries, for the pre-optimization alias-collision check
	// (§4.7 step 2); callers normally leave this nil and the compiler
	// threads it through recursive subquery compiles itself.
	ancestorDirectAliases map[string]bool
}

// IncludesBinding records one compiled includes-subquery child for the
// live-query assembly layer to materialize (§4.10 step 4).
type IncludesBinding struct {
	FieldName          string
	MaterializeAsArray bool
	ChildResult        *Result

	// mergedStream is the outer pipeline's stream once this binding's child
	// data has been merged on as FieldName; internal to the compiler's
	// step-by-step wiring.
	mergedStream stream
}

// Result is everything §4.7 step 14 says the compiler caches and returns.
type Result struct {
	Output              dataflow.NodeID
	OutputPort           int
	SourceWhereClauses   map[string][]ir.Expr
	AliasToCollectionID  map[string]string
	AliasRemapping       map[string]string
	Includes             []IncludesBinding
	TopKOps              []*ivm.TopKOp
	DirectAliases        map[string]bool
}

// CompileError is raised synchronously for contract violations (§7): alias
// conflicts, limit without orderBy, distinct without select, having without
// groupBy. The live query is never constructed when this is returned.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string { return "compile error: " + e.Reason }

func compileErrf(format string, args ...any) error {
	return &CompileError{Reason: fmt.Sprintf(format, args...)}
}
