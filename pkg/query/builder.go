// Package query implements the public query-construction surface of
// spec.md §6: a fluent builder that produces an *ir.Query, plus small
// expression-node constructors (Ref/Val/Func/Agg) mirroring the spec's
// from/where/select/groupBy/having/orderBy/limit/offset/join/distinct
// vocabulary. Operator and aggregate plugins are registered directly
// through pkg/opregistry.Registry.Define and pkg/aggregates.Registry.Define
// (§6 defineOperator/defineAggregate), which already return IR-node
// builder funcs — this package only needs the query shape itself.
package query

import (
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/ir"
)

// Builder accumulates an ir.Query one clause at a time. The zero value is
// not usable; start from From or FromQuery.
type Builder struct {
	q *ir.Query
}

// From starts a query reading directly from a named collection.
func From(alias, collectionID string) *Builder {
	return &Builder{q: &ir.Query{From: ir.CollectionRef{Alias: alias, CollectionID: collectionID}}}
}

// FromQuery starts a query reading from a nested subquery under alias.
func FromQuery(alias string, sub *Builder) *Builder {
	return &Builder{q: &ir.Query{From: ir.QueryRef{Alias: alias, Query: sub.Build()}}}
}

// Join adds an equi-join against a directly-named collection.
func (b *Builder) Join(kind ir.JoinKind, alias, collectionID string, left, right ir.Ref) *Builder {
	b.q.Join = append(b.q.Join, ir.Join{
		Kind: kind, Alias: alias,
		Source: ir.CollectionRef{Alias: alias, CollectionID: collectionID},
		Left:   left, Right: right,
	})
	return b
}

// JoinQuery adds an equi-join against a nested subquery.
func (b *Builder) JoinQuery(kind ir.JoinKind, alias string, sub *Builder, left, right ir.Ref) *Builder {
	b.q.Join = append(b.q.Join, ir.Join{
		Kind: kind, Alias: alias,
		Source: ir.QueryRef{Alias: alias, Query: sub.Build()},
		Left:   left, Right: right,
	})
	return b
}

// Where ANDs one or more declarative predicate expressions.
func (b *Builder) Where(exprs ...ir.Expr) *Builder {
	b.q.Where = append(b.q.Where, exprs...)
	return b
}

// WhereFunc ANDs an opaque Go predicate closure the optimizer cannot push
// down, matching §4.7's fnWhere slot.
func (b *Builder) WhereFunc(fn func(row any) (bool, error)) *Builder {
	b.q.FnWhere = append(b.q.FnWhere, fn)
	return b
}

// Select sets the query's projection. Calling it more than once replaces
// the previous projection, matching a builder's last-write-wins semantics.
func (b *Builder) Select(items ...ir.SelectItem) *Builder {
	b.q.Select = items
	return b
}

// GroupBy sets the grouping key expressions.
func (b *Builder) GroupBy(exprs ...ir.Expr) *Builder {
	b.q.GroupBy = exprs
	return b
}

// Having ANDs one or more post-aggregation predicate expressions.
func (b *Builder) Having(exprs ...ir.Expr) *Builder {
	b.q.Having = append(b.q.Having, exprs...)
	return b
}

// HavingFunc ANDs an opaque Go post-aggregation predicate closure.
func (b *Builder) HavingFunc(fn func(row any) (bool, error)) *Builder {
	b.q.FnHaving = append(b.q.FnHaving, fn)
	return b
}

// OrderBy appends one ORDER BY term; later calls add secondary sort keys.
func (b *Builder) OrderBy(expr ir.Expr, desc bool) *Builder {
	b.q.OrderBy = append(b.q.OrderBy, ir.OrderKey{Expr: expr, Desc: desc})
	return b
}

// Limit bounds the result size; requires OrderBy per §4.7's validation.
func (b *Builder) Limit(n int) *Builder {
	b.q.Limit = &n
	return b
}

// Offset skips the first n ordered rows.
func (b *Builder) Offset(n int) *Builder {
	b.q.Offset = &n
	return b
}

// Distinct deduplicates the final projected rows.
func (b *Builder) Distinct() *Builder {
	b.q.Distinct = true
	return b
}

// SingleResult marks the query as expecting at most one row.
func (b *Builder) SingleResult() *Builder {
	b.q.SingleResult = true
	return b
}

// Build finalizes the accumulated clauses into an *ir.Query.
func (b *Builder) Build() *ir.Query { return b.q }

// Ref builds a path reference into a namespaced row: {alias, field, ...}.
func Ref(alias string, fields ...string) ir.Ref { return ir.NewRef(alias, fields...) }

// Val wraps a literal/captured value as an expression node.
func Val(v dynval.Value) ir.Expr { return ir.Val{Value: v} }

// Fn builds an n-ary operator invocation resolved through the compiler's
// operator registry by name.
func Fn(name string, args ...ir.Expr) ir.Func { return ir.Func{Name: name, Args: args} }

// Agg builds an aggregate-function invocation resolved through the
// compiler's aggregate registry by name; pass cfg (from a custom
// aggregates.Registry.Define/Factory) to embed a registry-specific config
// directly in the IR node instead.
func Agg(name string, cfg *ir.AggregateConfig, args ...ir.Expr) ir.Aggregate {
	return ir.Aggregate{Name: name, Args: args, Config: cfg}
}

// Sel builds one SELECT projection item, naming its output column alias
// (empty infers from a trailing Ref path segment, per ir.SelectItem.OutputName).
func Sel(expr ir.Expr, alias string) ir.SelectItem {
	return ir.SelectItem{Expr: expr, Alias: alias}
}

// Includes builds a correlated-subquery SELECT item (§4.7 step 9): sub's
// rows are joined onto the parent by correlationField = childCorrelationField
// and stored under fieldName, as an array when asArray is true.
func Includes(fieldName string, sub *Builder, correlationField, childCorrelationField ir.Ref, asArray bool) ir.SelectItem {
	return ir.SelectItem{Expr: ir.IncludesSubquery{
		FieldName:             fieldName,
		Query:                 sub.Build(),
		CorrelationField:      correlationField,
		ChildCorrelationField: childCorrelationField,
		MaterializeAsArray:    asArray,
	}}
}
