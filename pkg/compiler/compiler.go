package compiler

import (
	"github.com/tursodatabase/qflux/pkg/dataflow"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/ir"
	"github.com/tursodatabase/qflux/pkg/ivm"
	"github.com/tursodatabase/qflux/pkg/optimizer"
)

// stream is a compiled pipeline's current output edge.
type stream struct {
	node dataflow.NodeID
	port int
}

// Compile implements the 14-step algorithm of spec.md §4.7: check the cache,
// validate alias uniqueness, optimize (predicate pushdown + trivial subquery
// flattening), wire FROM/JOIN sources, apply WHERE, resolve includes
// subqueries, apply GROUP BY/HAVING, project SELECT, apply DISTINCT, apply
// ORDER BY/LIMIT/OFFSET, and cache the result.
func (e *Env) Compile(ins Inputs, q *ir.Query) (*Result, error) {
	if cached, ok := e.cache[q]; ok {
		return cached, nil
	}

	direct := directAliasesOf(q)
	for a := range direct {
		if ins.ancestorDirectAliases != nil && ins.ancestorDirectAliases[a] {
			return nil, compileErrf("alias %q collides with an alias declared by an enclosing query", a)
		}
	}
	if (q.Limit != nil || q.Offset != nil) && len(q.OrderBy) == 0 {
		return nil, compileErrf("limit or offset requires orderBy")
	}
	if len(q.Having) > 0 && len(q.GroupBy) == 0 && !q.HasAggregates() {
		return nil, compileErrf("having requires groupBy or an aggregate select")
	}
	if q.Distinct && len(q.Select) == 0 {
		return nil, compileErrf("distinct requires select")
	}

	opt := optimizer.Optimize(q)
	childAncestors := mergeAliasSets(ins.ancestorDirectAliases, direct)

	res := &Result{
		SourceWhereClauses:  map[string][]ir.Expr{},
		AliasToCollectionID: map[string]string{},
		AliasRemapping:      map[string]string{},
		DirectAliases:       direct,
	}
	for k, v := range opt.SourceWhereClauses {
		res.SourceWhereClauses[k] = v
	}

	st, err := e.compileFrom(ins, opt.Query.From, opt.SourceWhereClauses, childAncestors, res)
	if err != nil {
		return nil, err
	}

	for _, j := range opt.Query.Join {
		st, err = e.compileJoin(ins, st, j, opt.SourceWhereClauses, childAncestors, res)
		if err != nil {
			return nil, err
		}
	}

	if pred, err := e.compileWhere(opt.Query.Where, opt.Query.FnWhere); err != nil {
		return nil, err
	} else {
		st = e.applyFilter(ins.Graph, st, pred)
	}

	var includeItems []ir.SelectItem
	var plainItems []ir.SelectItem
	for _, s := range opt.Query.Select {
		if _, ok := s.Expr.(ir.IncludesSubquery); ok {
			includeItems = append(includeItems, s)
		} else {
			plainItems = append(plainItems, s)
		}
	}
	for _, s := range includeItems {
		inc := s.Expr.(ir.IncludesSubquery)
		binding, err := e.compileIncludes(ins, st, inc, res)
		if err != nil {
			return nil, err
		}
		res.Includes = append(res.Includes, *binding)
		st = binding.mergedStream
	}

	if len(opt.Query.GroupBy) > 0 || opt.Query.HasAggregates() {
		st, err = e.compileGroupBy(ins.Graph, st, opt.Query)
		if err != nil {
			return nil, err
		}
	}

	st, err = e.compileSelect(ins.Graph, st, plainItems, len(direct) == 1 && singleAlias(direct))
	if err != nil {
		return nil, err
	}

	if opt.Query.Distinct {
		st = e.applyDistinct(ins.Graph, st)
	}

	if len(opt.Query.OrderBy) > 0 || opt.Query.Limit != nil {
		st, err = e.compileOrderBy(ins, st, opt.Query, res)
		if err != nil {
			return nil, err
		}
	}

	res.Output = st.node
	res.OutputPort = st.port
	e.cache[q] = res
	e.queryMapping[opt.Query] = q
	return res, nil
}

func directAliasesOf(q *ir.Query) map[string]bool {
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

func singleAlias(direct map[string]bool) bool { return len(direct) == 1 }

func mergeAliasSets(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

// compileFrom wires the main FROM source: a direct collection (with its
// pushed-down where-clause applied, then namespaced under its alias) or a
// recursively-compiled subquery.
func (e *Env) compileFrom(ins Inputs, from ir.From, sourceWhere map[string][]ir.Expr, ancestors map[string]bool, res *Result) (stream, error) {
	switch n := from.(type) {
	case ir.CollectionRef:
		return e.wireCollectionAlias(ins, n.Alias, n.CollectionID, sourceWhere[n.Alias], res)
	case ir.QueryRef:
		childIns := ins
		childIns.ancestorDirectAliases = ancestors
		childRes, err := e.Compile(childIns, n.Query)
		if err != nil {
			return stream{}, err
		}
		for a, cid := range childRes.AliasToCollectionID {
			res.AliasToCollectionID[a] = cid
		}
		// Namespace the subquery's already-built row under its own alias so
		// outer refs (n.Alias.field) resolve the same way a direct
		// collection alias would.
		wrapped := ins.Graph.AddOperator(&ivm.MapOp{F: func(v dynval.Value) dynval.Value {
			return dynval.Object(map[string]dynval.Value{n.Alias: v})
		}})
		ins.Graph.Connect(childRes.Output, childRes.OutputPort, wrapped, 0)
		res.AliasRemapping[n.Alias] = n.Alias
		return stream{node: wrapped, port: 0}, nil
	default:
		return stream{}, compileErrf("unsupported FROM node %T", from)
	}
}

// wireCollectionAlias applies the pushed-down where-clause to a collection's
// raw input stream and namespaces it under alias.
func (e *Env) wireCollectionAlias(ins Inputs, alias, collectionID string, pushed []ir.Expr, res *Result) (stream, error) {
	src, ok := ins.Aliases[alias]
	if !ok {
		return stream{}, compileErrf("no input stream bound for alias %q", alias)
	}
	if src.CollectionID != "" {
		collectionID = src.CollectionID
	}
	res.AliasToCollectionID[alias] = collectionID

	cur := stream{node: src.Node, port: src.Port}
	if len(pushed) > 0 {
		pred, err := e.compileWhere(pushed, nil)
		if err != nil {
			return stream{}, err
		}
		cur = e.applyFilter(ins.Graph, cur, pred)
	}

	wrapped := ins.Graph.AddOperator(&ivm.MapOp{F: func(v dynval.Value) dynval.Value {
		return dynval.Object(map[string]dynval.Value{alias: v})
	}})
	ins.Graph.Connect(cur.node, cur.port, wrapped, 0)
	return stream{node: wrapped, port: 0}, nil
}

func (e *Env) applyFilter(g *dataflow.Graph, in stream, pred func(dynval.Value) (bool, error)) stream {
	node := g.AddOperator(&ivm.FilterOp{P: func(v dynval.Value) bool {
		ok, err := pred(v)
		if err != nil {
			panic(err)
		}
		return ok
	}})
	g.Connect(in.node, in.port, node, 0)
	return stream{node: node, port: 0}
}

func (e *Env) applyDistinct(g *dataflow.Graph, in stream) stream {
	node := g.AddOperator(&ivm.DistinctOp{KeyFn: func(v dynval.Value) string {
		return dynval.Fingerprint(v.Get("$selected"))
	}})
	g.Connect(in.node, in.port, node, 0)
	return stream{node: node, port: 0}
}

// compileJoin resolves one JOIN clause's source and wires an ivm.JoinOp that
// merges it onto the accumulated left-hand stream.
func (e *Env) compileJoin(ins Inputs, left stream, j ir.Join, sourceWhere map[string][]ir.Expr, ancestors map[string]bool, res *Result) (stream, error) {
	var right stream
	var err error
	switch n := j.Source.(type) {
	case ir.CollectionRef:
		right, err = e.wireCollectionAlias(ins, n.Alias, n.CollectionID, sourceWhere[n.Alias], res)
	case ir.QueryRef:
		right, err = e.compileFrom(ins, n, sourceWhere, ancestors, res)
	default:
		err = compileErrf("unsupported join source %T", j.Source)
	}
	if err != nil {
		return stream{}, err
	}

	leftKeyEval, err := e.compileExpr(j.Left, false)
	if err != nil {
		return stream{}, err
	}
	rightKeyEval, err := e.compileExpr(j.Right, false)
	if err != nil {
		return stream{}, err
	}

	leftRekeyed := e.applyRekey(ins.Graph, left, leftKeyEval)
	rightRekeyed := e.applyRekey(ins.Graph, right, rightKeyEval)

	var mode ivm.JoinMode
	switch j.Kind {
	case ir.InnerJoin:
		mode = ivm.JoinInner
	case ir.LeftJoin:
		mode = ivm.JoinLeft
	case ir.RightJoin:
		mode = ivm.JoinRight
	case ir.FullJoin:
		mode = ivm.JoinFull
	case ir.AntiJoin:
		mode = ivm.JoinAnti
	}

	op := &ivm.JoinOp{
		Mode: mode,
		Combine: func(a, b dynval.Value) dynval.Value {
			fields := map[string]dynval.Value{}
			if a.Kind == dynval.KindObject {
				for k, v := range a.Obj {
					if k == "__srcKey" {
						continue
					}
					fields[k] = v
				}
			}
			if mode != ivm.JoinAnti && b.Kind == dynval.KindObject {
				for k, v := range b.Obj {
					if k == "__srcKey" {
						continue
					}
					fields[k] = v
				}
			}
			return dynval.Object(fields)
		},
		OutKey: func(ak, bk dynval.Key, a, b dynval.Value) dynval.Key { return ak },
	}
	node := ins.Graph.AddOperator(op)
	ins.Graph.Connect(leftRekeyed.node, leftRekeyed.port, node, 0)
	ins.Graph.Connect(rightRekeyed.node, rightRekeyed.port, node, 1)
	return stream{node: node, port: 0}, nil
}

// applyRekey re-keys a stream by a join-key expression so the two sides of
// a JoinOp share a common key domain; the rekeyed stream's value is
// unchanged (CorrelateOp tags the original key but downstream Combine only
// reads the untagged fields it already knows about).
func (e *Env) applyRekey(g *dataflow.Graph, in stream, keyEval ir.Evaluator) stream {
	node := g.AddOperator(&ivm.CorrelateOp{
		KeyField: "__srcKey",
		Extract: func(row dynval.Value) dynval.Value {
			v, err := keyEval(row)
			if err != nil {
				panic(err)
			}
			return v
		},
	})
	g.Connect(in.node, in.port, node, 0)
	return stream{node: node, port: 0}
}

// compileSelect projects the plain (non-includes) select items into a
// $selected field, or forwards the sole alias's raw row when there is
// nothing to project (§4.7 step 11: "forward main-source row when no
// SELECT/JOIN/GROUP BY is present").
func (e *Env) compileSelect(g *dataflow.Graph, in stream, items []ir.SelectItem, passthroughEligible bool) (stream, error) {
	if len(items) == 0 {
		node := g.AddOperator(&ivm.MapOp{F: func(v dynval.Value) dynval.Value {
			if passthroughEligible && v.Kind == dynval.KindObject && len(v.Obj) >= 1 {
				for _, only := range v.Obj {
					return v.WithField("$selected", only)
				}
			}
			return v.WithField("$selected", v)
		}})
		g.Connect(in.node, in.port, node, 0)
		return stream{node: node, port: 0}, nil
	}

	type compiled struct {
		name string
		eval ir.Evaluator
	}
	evs := make([]compiled, len(items))
	for i, s := range items {
		if _, ok := s.Expr.(ir.Aggregate); ok {
			// compileGroupBy stored this aggregate's result under the item's
			// output name, so read it back from there.
			name := s.OutputName()
			evs[i] = compiled{name: name, eval: func(row dynval.Value) (dynval.Value, error) { return row.Get(name), nil }}
			continue
		}
		ev, err := e.compileExpr(s.Expr, false)
		if err != nil {
			return stream{}, err
		}
		evs[i] = compiled{name: s.OutputName(), eval: ev}
	}
	node := g.AddOperator(&ivm.MapOp{F: func(v dynval.Value) dynval.Value {
		fields := make(map[string]dynval.Value, len(evs))
		for _, c := range evs {
			fv, err := c.eval(v)
			if err != nil {
				panic(err)
			}
			fields[c.name] = fv
		}
		return v.WithField("$selected", dynval.Object(fields))
	}})
	g.Connect(in.node, in.port, node, 0)
	return stream{node: node, port: 0}, nil
}

// compileGroupBy wires an ivm.GroupByOp for a query with GROUP BY and/or
// aggregate select items. The group's representative row is forwarded
// unchanged alongside the aggregate outputs (§9 design note: this trades a
// dedicated "grouped row" abstraction for reusing the same namespaced-row
// shape the rest of the pipeline already understands — aggregate outputs
// simply become additional top-level fields a Select item can Ref by name).
func (e *Env) compileGroupBy(g *dataflow.Graph, in stream, q *ir.Query) (stream, error) {
	keyEvals := make([]ir.Evaluator, len(q.GroupBy))
	for i, gb := range q.GroupBy {
		ev, err := e.compileExpr(gb, false)
		if err != nil {
			return stream{}, err
		}
		keyEvals[i] = ev
	}

	var bindings []ivm.AggregateBinding
	for _, s := range q.Select {
		agg, ok := s.Expr.(ir.Aggregate)
		if !ok {
			continue
		}
		spec, err := e.compileAggregate(s.OutputName(), agg, false)
		if err != nil {
			return stream{}, err
		}
		bindings = append(bindings, ivm.AggregateBinding{Field: s.OutputName(), Spec: spec})
	}
	for _, h := range q.Having {
		if agg, ok := h.(ir.Aggregate); ok {
			spec, err := e.compileAggregate("$having_"+agg.Name, agg, false)
			if err != nil {
				return stream{}, err
			}
			bindings = append(bindings, ivm.AggregateBinding{Field: "$having_" + agg.Name, Spec: spec})
		}
	}

	var havingPred func(dynval.Value) (bool, error)
	if len(q.Having) > 0 {
		pred, err := e.compileWhere(q.Having, q.FnHaving)
		if err != nil {
			return stream{}, err
		}
		havingPred = pred
	}

	op := &ivm.GroupByOp{
		KeyFn: func(v dynval.Value) dynval.Key {
			if len(keyEvals) == 0 {
				return dynval.StringKey("$all")
			}
			parts := make([]dynval.Value, len(keyEvals))
			for i, ev := range keyEvals {
				val, err := ev(v)
				if err != nil {
					panic(err)
				}
				parts[i] = val
			}
			return dynval.StringKey(dynval.Fingerprint(dynval.Array(parts...)))
		},
		GroupRow: func(rep dynval.Value) dynval.Value { return rep },
		Aggregates: bindings,
		Having: func(v dynval.Value) (bool, error) {
			if havingPred == nil {
				return true, nil
			}
			return havingPred(v)
		},
	}
	node := g.AddOperator(op)
	g.Connect(in.node, in.port, node, 0)
	return stream{node: node, port: 0}, nil
}

// compileOrderBy wires an ivm.TopKOp implementing ORDER BY (with optional
// bounded window) per §4.6. The comparator chains OrderKey terms in
// declaration order.
func (e *Env) compileOrderBy(ins Inputs, in stream, q *ir.Query, res *Result) (stream, error) {
	type key struct {
		eval ir.Evaluator
		desc bool
	}
	keys := make([]key, len(q.OrderBy))
	for i, ok := range q.OrderBy {
		ev, err := e.compileExpr(ok.Expr, false)
		if err != nil {
			return stream{}, err
		}
		keys[i] = key{eval: ev, desc: ok.Desc}
	}
	cmp := func(a, b dynval.Value) int {
		for _, k := range keys {
			av, err := k.eval(a)
			if err != nil {
				panic(err)
			}
			bv, err := k.eval(b)
			if err != nil {
				panic(err)
			}
			c := dynval.Compare(av, bv)
			if k.desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	}

	limit := 0
	if q.Limit != nil {
		limit = *q.Limit
	}
	offset := 0
	if q.Offset != nil {
		offset = *q.Offset
	}

	// Per-parent bounded windows (e.g. "latest N comments per post" inside an
	// includes subquery) are a known limitation: CorrelationKeyFn stays nil
	// (a single global window) since includes children are compiled as
	// independent top-level queries and correlated afterward (§4.7 step 9),
	// not threaded through with a parent grouping key. See DESIGN.md.
	op := &ivm.TopKOp{Cmp: cmp, Limit: limit, Offset: offset, IndexField: "$orderByIndex"}
	node := ins.Graph.AddOperator(op)
	ins.Graph.Connect(in.node, in.port, node, 0)
	res.TopKOps = append(res.TopKOps, op)
	return stream{node: node, port: 0}, nil
}
