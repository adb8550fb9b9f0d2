package compiler

import (
	"fmt"

	"github.com/tursodatabase/qflux/pkg/aggregates"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/ir"
)

// compileExpr turns an IR expression into an ir.Evaluator over a namespaced
// row, consulting the operator registry for Func nodes that don't embed
// their own Factory (§6).
func (e *Env) compileExpr(expr ir.Expr, isSingleRow bool) (ir.Evaluator, error) {
	switch n := expr.(type) {
	case ir.Ref:
		path := n.Path
		return func(row dynval.Value) (dynval.Value, error) {
			return row.Get(path...), nil
		}, nil

	case ir.Val:
		v := n.Value
		return func(dynval.Value) (dynval.Value, error) { return v, nil }, nil

	case ir.Func:
		args := make([]ir.Evaluator, len(n.Args))
		for i, a := range n.Args {
			ev, err := e.compileExpr(a, isSingleRow)
			if err != nil {
				return nil, err
			}
			args[i] = ev
		}
		if n.Factory != nil {
			return n.Factory(args, isSingleRow), nil
		}
		compile, ok := e.Operators.Lookup(n.Name)
		if !ok {
			return nil, compileErrf("unknown operator %q", n.Name)
		}
		return compile(args, isSingleRow), nil

	case ir.Aggregate:
		// A bare Aggregate reached here means it's being evaluated outside a
		// GroupByOp (e.g. referenced from an outer context); that's only
		// valid once the aggregate has already been materialized as a plain
		// field by a GroupByOp upstream, so treat it as a Ref by name.
		return func(row dynval.Value) (dynval.Value, error) {
			return row.Get(n.Name), nil
		}, nil

	default:
		return nil, compileErrf("cannot compile expression of type %T", expr)
	}
}

// compileAggregate resolves an ir.Aggregate node into an ivm.AggregateBinding
// via the aggregates registry (or the node's embedded config), keyed by
// output field name.
func (e *Env) compileAggregate(field string, agg ir.Aggregate, isSingleRow bool) (aggregates.Spec, error) {
	var extract func(dynval.Value) (dynval.Value, error)
	if len(agg.Args) > 0 {
		ev, err := e.compileExpr(agg.Args[0], isSingleRow)
		if err != nil {
			return aggregates.Spec{}, err
		}
		extract = ev
	} else {
		extract = func(dynval.Value) (dynval.Value, error) { return dynval.Null(), nil }
	}

	if agg.Config != nil {
		if spec, ok := agg.Config.Opaque.(aggregates.Spec); ok {
			return spec, nil
		}
		if factory, ok := agg.Config.Opaque.(aggregates.Factory); ok {
			return factory(extract), nil
		}
	}

	factory, ok := e.Aggregates.Lookup(agg.Name)
	if !ok {
		return aggregates.Spec{}, compileErrf("unknown aggregate %q", agg.Name)
	}
	return factory(extract), nil
}

// compileWhere ANDs together a query's declarative Where clauses (post any
// predicates the optimizer did NOT push down to a source) plus its opaque
// FnWhere closures into a single row predicate.
func (e *Env) compileWhere(where []ir.Expr, fnWhere []func(row any) (bool, error)) (func(dynval.Value) (bool, error), error) {
	evals := make([]ir.Evaluator, len(where))
	for i, w := range where {
		ev, err := e.compileExpr(w, false)
		if err != nil {
			return nil, err
		}
		evals[i] = ev
	}
	return func(row dynval.Value) (bool, error) {
		for _, ev := range evals {
			v, err := ev(row)
			if err != nil {
				return false, fmt.Errorf("compiler: where clause: %w", err)
			}
			if !v.Truthy() {
				return false, nil
			}
		}
		for _, fw := range fnWhere {
			ok, err := fw(row)
			if err != nil {
				return false, fmt.Errorf("compiler: fnWhere clause: %w", err)
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}, nil
}
