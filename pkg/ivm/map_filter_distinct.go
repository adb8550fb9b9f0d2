package ivm

import (
	"github.com/tursodatabase/qflux/pkg/dataflow"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/multiset"
)

// MapOp emits [f(v), m] for every [v, m] per §4.3.
type MapOp struct {
	F func(dynval.Value) dynval.Value
}

func (op *MapOp) Arity() (int, int) { return 1, 1 }

func (op *MapOp) Run(inputs [][]dataflow.Message) [][]dataflow.Message {
	in := Merge(inputs[0])
	entries := in.GetInner()
	out := make([]multiset.Entry[KV], len(entries))
	for i, e := range entries {
		out[i] = multiset.Entry[KV]{
			Value:        KV{Key: e.Value.Key, Value: op.F(e.Value.Value)},
			Multiplicity: e.Multiplicity,
		}
	}
	return single(0, 1, multiset.New(out...))
}

// FilterOp emits [v, m] iff P(v) is true per §4.3. Null counts as false.
type FilterOp struct {
	P func(dynval.Value) bool
}

func (op *FilterOp) Arity() (int, int) { return 1, 1 }

func (op *FilterOp) Run(inputs [][]dataflow.Message) [][]dataflow.Message {
	in := Merge(inputs[0])
	out := make([]multiset.Entry[KV], 0, in.Len())
	for _, e := range in.GetInner() {
		if op.P(e.Value.Value) {
			out = append(out, e)
		}
	}
	return single(0, 1, multiset.New(out...))
}

// DistinctOp maintains per-key running state and emits a retraction/insert
// pair as the sign of the accumulated multiplicity flips, per §4.3: "output
// multiplicity is sign(sum m) > 0 ? 1 : 0".
//
// If KeyFn is nil, the source key (KV.Key) is used directly; otherwise
// KeyFn derives a grouping key from the row (e.g. $selected for query-level
// DISTINCT per §4.7 step 12).
type DistinctOp struct {
	KeyFn func(dynval.Value) string

	// state: fingerprint(keyFn(v)) -> (representative KV, running net mass,
	// whether a "present" entry (mass>0) is currently emitted downstream)
	mass    map[string]int64
	present map[string]bool
	rep     map[string]KV
}

func (op *DistinctOp) Arity() (int, int) { return 1, 1 }

func (op *DistinctOp) ensure() {
	if op.mass == nil {
		op.mass = make(map[string]int64)
		op.present = make(map[string]bool)
		op.rep = make(map[string]KV)
	}
}

func (op *DistinctOp) keyOf(kv KV) string {
	if op.KeyFn != nil {
		return op.KeyFn(kv.Value)
	}
	return kv.Key.String()
}

func (op *DistinctOp) Run(inputs [][]dataflow.Message) [][]dataflow.Message {
	op.ensure()
	in := Merge(inputs[0])
	deltaMass := map[string]int64{}
	lastSeen := map[string]KV{}
	for _, e := range in.GetInner() {
		k := op.keyOf(e.Value)
		deltaMass[k] += e.Multiplicity
		lastSeen[k] = e.Value
		if _, ok := op.rep[k]; !ok {
			op.rep[k] = e.Value
		}
	}
	var out []multiset.Entry[KV]
	for k, dm := range deltaMass {
		op.mass[k] += dm
		wasPresent := op.present[k]
		nowPresent := op.mass[k] > 0
		if nowPresent {
			op.rep[k] = lastSeen[k]
		}
		switch {
		case !wasPresent && nowPresent:
			out = append(out, multiset.Entry[KV]{Value: op.rep[k], Multiplicity: 1})
			op.present[k] = true
		case wasPresent && !nowPresent:
			out = append(out, multiset.Entry[KV]{Value: op.rep[k], Multiplicity: -1})
			op.present[k] = false
		case wasPresent && nowPresent:
			// value may have changed identity (e.g. update); re-emit as
			// retract+insert in one batch so §3's invariant ("retractions
			// before new values") holds within the tick, but only when the
			// representative actually changed.
			if !dynval.Equal(op.rep[k].Value, lastSeen[k].Value) {
				out = append(out, multiset.Entry[KV]{Value: op.rep[k], Multiplicity: -1})
				op.rep[k] = lastSeen[k]
				out = append(out, multiset.Entry[KV]{Value: op.rep[k], Multiplicity: 1})
			}
		}
	}
	return single(0, 1, multiset.New(out...))
}
