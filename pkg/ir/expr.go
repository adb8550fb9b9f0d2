// Package ir defines the relational intermediate representation the
// compiler walks: expressions (ref, val, func, aggregate, includes
// subquery) and query nodes (from/join/where/select/groupBy/orderBy/...),
// per spec.md §3–§4.7.
package ir

import "github.com/tursodatabase/qflux/pkg/dynval"

// Expr is the sum type over IR expression node kinds.
type Expr interface {
	exprNode()
}

// Ref is a path into a namespaced row: {alias, field, ...}.
type Ref struct {
	Path []string
}

func (Ref) exprNode() {}

// NewRef builds a Ref from alias plus field path segments.
func NewRef(alias string, fields ...string) Ref {
	return Ref{Path: append([]string{alias}, fields...)}
}

// Val is a literal or captured value.
type Val struct {
	Value dynval.Value
}

func (Val) exprNode() {}

// Func is an n-ary operator invocation; Factory, when present, overrides
// registry lookup with a directly-compiled evaluator (§6 defineOperator).
type Func struct {
	Name    string
	Args    []Expr
	Factory FuncFactory
}

func (Func) exprNode() {}

// FuncFactory compiles a Func's args into an evaluator closure, bypassing
// the operator registry — mirrors §6's defineOperator compile callback.
type FuncFactory func(compiledArgs []Evaluator, isSingleRow bool) Evaluator

// Evaluator evaluates a compiled expression against a namespaced row.
type Evaluator func(row dynval.Value) (dynval.Value, error)

// Aggregate is an aggregate-function invocation with embedded config, per
// §3: "Aggregate<T> { name, args, config? }".
type Aggregate struct {
	Name   string
	Args   []Expr
	Config *AggregateConfig
}

func (Aggregate) exprNode() {}

// AggregateConfig carries a custom aggregate's preMap/reduce/postMap/
// valueTransform embedded directly in the IR node (§4.5, §6).
type AggregateConfig struct {
	// Opaque is a registry-specific handle (e.g. *aggregates.Spec) the
	// compiler type-asserts back out; ir stays decoupled from aggregates to
	// avoid an import cycle (compiler depends on both).
	Opaque any
}

// IncludesSubquery projects a child query as nested rows/arrays per parent
// row (§3, §4.7 step 9): "Includes subquery").
type IncludesSubquery struct {
	FieldName             string
	Query                 *Query
	CorrelationField      Ref
	ChildCorrelationField Ref
	MaterializeAsArray    bool
}

func (IncludesSubquery) exprNode() {}

// SelectItem is one projected output column: an expression plus its output
// field name (inferred from a Ref's last path segment when Alias is empty).
type SelectItem struct {
	Expr  Expr
	Alias string
}

// OutputName returns the select item's output field name.
func (s SelectItem) OutputName() string {
	if s.Alias != "" {
		return s.Alias
	}
	if r, ok := s.Expr.(Ref); ok && len(r.Path) > 0 {
		return r.Path[len(r.Path)-1]
	}
	return "expr"
}
