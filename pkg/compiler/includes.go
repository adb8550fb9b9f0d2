package compiler

import (
	"github.com/tursodatabase/qflux/pkg/aggregates"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/ir"
	"github.com/tursodatabase/qflux/pkg/ivm"
)

// compileIncludes resolves one includes-subquery select item (§4.7 step 9):
// the child query is compiled independently, correlated against the outer
// row by CorrelationField/ChildCorrelationField, collected into an array
// per parent, and merged back onto the outer stream as FieldName.
//
// Simplification (recorded in DESIGN.md): CorrelationField is assumed to
// denote the parent row's own identifying value, so the correlation key
// doubles as the merged row's new multiset key — this avoids carrying two
// parallel key domains through the rest of the pipeline at the cost of not
// supporting a per-parent bounded ORDER BY/LIMIT inside the child query.
func (e *Env) compileIncludes(ins Inputs, parent stream, inc ir.IncludesSubquery, outerRes *Result) (*IncludesBinding, error) {
	childIns := ins
	childIns.ancestorDirectAliases = mergeAliasSets(ins.ancestorDirectAliases, outerRes.DirectAliases)
	childRes, err := e.Compile(childIns, inc.Query)
	if err != nil {
		return nil, err
	}

	parentEval, err := e.compileExpr(inc.CorrelationField, false)
	if err != nil {
		return nil, err
	}
	childEval, err := e.compileExpr(inc.ChildCorrelationField, false)
	if err != nil {
		return nil, err
	}

	parentForJoin := e.applyRekey(ins.Graph, parent, parentEval)
	childForJoin := e.applyRekey(ins.Graph, stream{node: childRes.Output, port: childRes.OutputPort}, childEval)

	join := &ivm.JoinOp{
		Mode: ivm.JoinLeft,
		Combine: func(a, b dynval.Value) dynval.Value {
			if b.Kind == dynval.KindNull {
				return dynval.Object(map[string]dynval.Value{
					"__pk":       a.Get("__srcKey"),
					"__hasChild": dynval.Bool(false),
				})
			}
			return dynval.Object(map[string]dynval.Value{
				"__pk":       a.Get("__srcKey"),
				"__hasChild": dynval.Bool(true),
				"__child":    b.Get("$selected"),
			})
		},
		OutKey: func(ak, bk dynval.Key, a, b dynval.Value) dynval.Key { return ak },
	}
	joinNode := ins.Graph.AddOperator(join)
	ins.Graph.Connect(parentForJoin.node, parentForJoin.port, joinNode, 0)
	ins.Graph.Connect(childForJoin.node, childForJoin.port, joinNode, 1)
	joined := stream{node: joinNode, port: 0}

	collectSpec := aggregates.Spec{
		Name:           "$collect",
		ValueTransform: aggregates.Raw,
		PreMap:         func(row dynval.Value) (dynval.Value, error) { return row, nil },
		Reduce: func(contribs []aggregates.Contribution) (dynval.Value, error) {
			var arr []dynval.Value
			for _, c := range contribs {
				if c.Multiplicity <= 0 || !c.Value.Get("__hasChild").Truthy() {
					continue
				}
				for i := int64(0); i < c.Multiplicity; i++ {
					arr = append(arr, c.Value.Get("__child"))
				}
			}
			return dynval.Array(arr...), nil
		},
	}
	groupOp := &ivm.GroupByOp{
		KeyFn:      func(v dynval.Value) dynval.Key { return dynval.StringKey(dynval.Fingerprint(v.Get("__pk"))) },
		GroupRow:   func(dynval.Value) dynval.Value { return dynval.Object(map[string]dynval.Value{}) },
		Aggregates: []ivm.AggregateBinding{{Field: "__children", Spec: collectSpec}},
	}
	groupNode := ins.Graph.AddOperator(groupOp)
	ins.Graph.Connect(joined.node, joined.port, groupNode, 0)
	grouped := stream{node: groupNode, port: 0}

	merge := &ivm.JoinOp{
		Mode: ivm.JoinLeft,
		Combine: func(a, b dynval.Value) dynval.Value {
			children := dynval.Array()
			if b.Kind == dynval.KindObject {
				children = b.Get("__children")
			}
			out := map[string]dynval.Value{}
			if a.Kind == dynval.KindObject {
				for k, v := range a.Obj {
					if k == "__srcKey" {
						continue
					}
					out[k] = v
				}
			}
			out[inc.FieldName] = children
			return dynval.Object(out)
		},
		OutKey: func(ak, bk dynval.Key, a, b dynval.Value) dynval.Key { return ak },
	}
	mergeNode := ins.Graph.AddOperator(merge)
	ins.Graph.Connect(parentForJoin.node, parentForJoin.port, mergeNode, 0)
	ins.Graph.Connect(grouped.node, grouped.port, mergeNode, 1)

	return &IncludesBinding{
		FieldName:          inc.FieldName,
		MaterializeAsArray: inc.MaterializeAsArray,
		ChildResult:        childRes,
		mergedStream:       stream{node: mergeNode, port: 0},
	}, nil
}
