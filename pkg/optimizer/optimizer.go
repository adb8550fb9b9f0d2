// Package optimizer implements the pre-compile optimization pass of
// spec.md §4.7 step 3: pulling source-specific WHERE conjuncts down into
// per-alias predicates the sync layer can push toward loadSubset (§4.9),
// and flattening trivial pass-through subqueries. It never changes query
// semantics, only where work happens.
package optimizer

import (
	"github.com/tursodatabase/qflux/pkg/ir"
)

// Result is the optimized IR plus bookkeeping the compiler needs: the
// original query each optimized query descends from, and the predicates
// that were pulled down per alias (for loadSubset predicate pushdown,
// §4.9).
type Result struct {
	Query              *ir.Query
	SourceWhereClauses map[string][]ir.Expr
	// Mapping records optimized-query -> original-query, so devtools / the
	// cache invalidation path can still report against user-authored IR.
	Mapping map[*ir.Query]*ir.Query
}

// Optimize runs the pass over q and returns a (possibly identical) rewritten
// query plus the derived source-where map.
func Optimize(q *ir.Query) *Result {
	r := &Result{
		SourceWhereClauses: make(map[string][]ir.Expr),
		Mapping:            make(map[*ir.Query]*ir.Query),
	}
	out := optimizeQuery(q, r)
	r.Query = out
	return r
}

func optimizeQuery(q *ir.Query, r *Result) *ir.Query {
	out := *q

	out.From = optimizeFrom(q.From, r)
	out.Join = make([]ir.Join, len(q.Join))
	for i, j := range q.Join {
		jj := j
		jj.Source = optimizeFrom(j.Source, r)
		out.Join[i] = jj
	}

	// Step 3: pull conjuncts of the form alias.field OP literal into
	// sourceWhereClauses[alias] when alias denotes a direct collection
	// reference at this level (not a subquery, since a subquery's own
	// WHERE already applies internally).
	directAliases := directAliasSet(&out)
	var remaining []ir.Expr
	for _, w := range q.Where {
		if alias, ok := singleAliasConjunct(w); ok && directAliases[alias] {
			r.SourceWhereClauses[alias] = append(r.SourceWhereClauses[alias], w)
			continue
		}
		remaining = append(remaining, w)
	}
	out.Where = remaining

	out.Select = make([]ir.SelectItem, len(q.Select))
	for i, s := range q.Select {
		ss := s
		if inc, ok := s.Expr.(ir.IncludesSubquery); ok {
			inc.Query = optimizeQuery(inc.Query, r)
			ss.Expr = inc
		}
		out.Select[i] = ss
	}

	res := flattenTrivialSubqueries(&out)
	r.Mapping[res] = q
	return res
}

func optimizeFrom(f ir.From, r *Result) ir.From {
	switch n := f.(type) {
	case ir.QueryRef:
		return ir.QueryRef{Alias: n.Alias, Query: optimizeQuery(n.Query, r)}
	default:
		return f
	}
}

// directAliasSet collects the aliases of CollectionRef froms at this query
// level (main FROM plus JOINs), the only ones eligible for where-pushdown.
func directAliasSet(q *ir.Query) map[string]bool {
	out := map[string]bool{}
	if c, ok := q.From.(ir.CollectionRef); ok {
		out[c.Alias] = true
	}
	for _, j := range q.Join {
		if c, ok := j.Source.(ir.CollectionRef); ok {
			out[c.Alias] = true
		}
	}
	return out
}

// singleAliasConjunct reports whether w is a predicate that only touches
// refs under a single alias, and if so, returns that alias. This is a
// conservative syntactic check: a Func whose Ref args (recursively) all
// share one alias, with any Val leaves.
func singleAliasConjunct(w ir.Expr) (string, bool) {
	alias := ""
	ok := true
	var walk func(e ir.Expr)
	walk = func(e ir.Expr) {
		if !ok {
			return
		}
		switch n := e.(type) {
		case ir.Ref:
			if len(n.Path) == 0 {
				ok = false
				return
			}
			if alias == "" {
				alias = n.Path[0]
			} else if alias != n.Path[0] {
				ok = false
			}
		case ir.Val:
			// literals don't constrain the alias
		case ir.Func:
			for _, a := range n.Args {
				walk(a)
			}
		default:
			ok = false
		}
	}
	walk(w)
	if !ok || alias == "" {
		return "", false
	}
	return alias, true
}

// flattenTrivialSubqueries replaces a QueryRef FROM whose inner query does
// nothing but pass rows through (no where/select/groupBy/having/orderBy/
// limit/distinct) with its inner FROM directly, merging any inner JOINs
// ahead of the outer ones and renaming the inner's own from-alias to the
// outer QueryRef's alias.
func flattenTrivialSubqueries(q *ir.Query) *ir.Query {
	qr, ok := q.From.(ir.QueryRef)
	if !ok {
		return q
	}
	inner := qr.Query
	if len(inner.Where) > 0 || len(inner.FnWhere) > 0 || len(inner.Select) > 0 ||
		len(inner.GroupBy) > 0 || len(inner.Having) > 0 || len(inner.FnHaving) > 0 ||
		len(inner.OrderBy) > 0 || inner.Limit != nil || inner.Offset != nil ||
		inner.Distinct || inner.SingleResult {
		return q
	}
	if len(inner.Join) > 0 {
		// Only flatten a bare single-source pass-through; joins inside the
		// subquery would need alias remapping this pass doesn't attempt.
		return q
	}
	innerFrom, ok := inner.From.(ir.CollectionRef)
	if !ok {
		return q
	}
	out := *q
	out.From = ir.CollectionRef{Alias: qr.Alias, CollectionID: innerFrom.CollectionID}
	return &out
}
