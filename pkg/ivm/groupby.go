package ivm

import (
	"github.com/tursodatabase/qflux/pkg/aggregates"
	"github.com/tursodatabase/qflux/pkg/dataflow"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/multiset"
)

// AggregateBinding wires one output field to a registered aggregate spec.
type AggregateBinding struct {
	Field string
	Spec  aggregates.Spec
}

// groupState is the per-key accumulator §4.5 describes: the live multiset of
// member rows (so min/max/avg can be recomputed under retraction) plus the
// last row this group emitted downstream (for diffing and retraction).
type groupState struct {
	rows      map[string]*multiset.Entry[dynval.Value]
	netMass   int64
	emitted   *dynval.Value
	groupKey  dynval.Key
}

// GroupByOp implements §4.5: keying function, aggregate map, optional having
// predicate, and an optional correlation-key pass-through for includes mode.
type GroupByOp struct {
	// KeyFn derives the (possibly composite) group key from a row.
	KeyFn func(dynval.Value) dynval.Key
	// GroupRow builds the non-aggregated portion of the output row (e.g. the
	// groupBy column values) from one representative member row.
	GroupRow func(dynval.Value) dynval.Value
	Aggregates []AggregateBinding
	// Having filters the fully-aggregated output row; nil means no HAVING.
	Having func(dynval.Value) (bool, error)
	// CorrelationField, when set, is copied from the representative member
	// row onto the output so parent-keyed includes children stay groupable
	// by the parent's key after aggregation.
	CorrelationField string

	groups map[string]*groupState
}

func (op *GroupByOp) Arity() (int, int) { return 1, 1 }

func (op *GroupByOp) ensure() {
	if op.groups == nil {
		op.groups = make(map[string]*groupState)
	}
}

func (op *GroupByOp) Run(inputs [][]dataflow.Message) [][]dataflow.Message {
	op.ensure()
	in := Merge(inputs[0])

	touched := map[string]bool{}
	for _, e := range in.GetInner() {
		gk := op.KeyFn(e.Value.Value)
		gkStr := gk.String()
		st, ok := op.groups[gkStr]
		if !ok {
			st = &groupState{rows: make(map[string]*multiset.Entry[dynval.Value]), groupKey: gk}
			op.groups[gkStr] = st
		}
		fp := dynval.Fingerprint(e.Value.Value) + "#" + e.Value.Key.String()
		if cur, ok := st.rows[fp]; ok {
			cur.Multiplicity += e.Multiplicity
			if cur.Multiplicity == 0 {
				delete(st.rows, fp)
			}
		} else if e.Multiplicity != 0 {
			ent := multiset.Entry[dynval.Value]{Value: e.Value.Value, Multiplicity: e.Multiplicity}
			st.rows[fp] = &ent
		}
		st.netMass += e.Multiplicity
		touched[gkStr] = true
	}

	var out []multiset.Entry[KV]
	for gkStr := range touched {
		st := op.groups[gkStr]
		if st.netMass <= 0 || len(st.rows) == 0 {
			if st.emitted != nil {
				out = append(out, op.retract(st))
			}
			delete(op.groups, gkStr)
			continue
		}

		aggregated, err := op.aggregate(st)
		if err != nil {
			// user-function faults propagate; caller (compiler/livequery)
			// rolls back the in-progress write transaction per §7.
			panic(err)
		}

		if op.Having != nil {
			ok, herr := op.Having(aggregated)
			if herr != nil {
				panic(herr)
			}
			if !ok {
				if st.emitted != nil {
					out = append(out, op.retract(st))
					st.emitted = nil
				}
				continue
			}
		}

		if st.emitted != nil && dynval.Equal(*st.emitted, aggregated) {
			continue
		}
		if st.emitted != nil {
			out = append(out, op.retract(st))
		}
		out = append(out, multiset.Entry[KV]{
			Value:        KV{Key: st.groupKey, Value: aggregated},
			Multiplicity: 1,
		})
		st.emitted = &aggregated
	}

	return single(0, 1, multiset.New(out...))
}

func (op *GroupByOp) retract(st *groupState) multiset.Entry[KV] {
	return multiset.Entry[KV]{Value: KV{Key: st.groupKey, Value: *st.emitted}, Multiplicity: -1}
}

func (op *GroupByOp) aggregate(st *groupState) (dynval.Value, error) {
	var rep dynval.Value
	for _, e := range st.rows {
		rep = e.Value
		break
	}
	fields := map[string]dynval.Value{}
	if op.GroupRow != nil {
		base := op.GroupRow(rep)
		if base.Kind == dynval.KindObject {
			for k, v := range base.Obj {
				fields[k] = v
			}
		}
	}
	if op.CorrelationField != "" {
		fields[op.CorrelationField] = rep.Get(op.CorrelationField)
	}

	members := make([]dynval.Value, 0, len(st.rows))
	mults := make([]int64, 0, len(st.rows))
	for _, e := range st.rows {
		members = append(members, e.Value)
		mults = append(mults, e.Multiplicity)
	}

	for _, ab := range op.Aggregates {
		contribs := make([]aggregates.Contribution, len(members))
		for i, row := range members {
			pm, err := ab.Spec.PreMap(row)
			if err != nil {
				return dynval.Value{}, err
			}
			contribs[i] = aggregates.Contribution{Value: pm, Multiplicity: mults[i]}
		}
		val, err := ab.Spec.Reduce(contribs)
		if err != nil {
			return dynval.Value{}, err
		}
		if ab.Spec.PostMap != nil {
			val = ab.Spec.PostMap(val)
		}
		fields[ab.Field] = val
	}
	return dynval.Object(fields), nil
}
