package ivm

import (
	"github.com/tursodatabase/qflux/pkg/dataflow"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/multiset"
)

// JoinMode selects which of the five join variants an operator computes.
type JoinMode uint8

const (
	JoinInner JoinMode = iota
	JoinLeft
	JoinRight
	JoinFull
	JoinAnti
)

// JoinOp implements §4.4: inner/left/right/full/anti join with incremental
// delta propagation. State carries the full accumulated indexA/indexB plus
// per-key mass maps so unmatched-row bookkeeping survives across ticks.
type JoinOp struct {
	Mode JoinMode
	// Combine builds the output row for a matched (a,b) pair; for
	// left/right-null rows b (or a) is dynval.Null().
	Combine func(a, b dynval.Value) dynval.Value
	// OutKey derives the output row's multiset key from the matched pair.
	// ak and bk are both the shared join key the pair matched on; each
	// side's own source key is only reachable through a and b.
	OutKey func(ak, bk dynval.Key, a, b dynval.Value) dynval.Key

	indexA, indexB *multiset.Index[dynval.Key, dynval.Value]
	massA, massB   map[dynval.Key]int64
	// unmatchedA/unmatchedB track which left/right keys are currently
	// emitted as unmatched (their counterpart's mass is zero), so a mass
	// crossing can retract exactly what was previously emitted.
	unmatchedA map[dynval.Key]dynval.Value
	unmatchedB map[dynval.Key]dynval.Value
}

func (op *JoinOp) ensure() {
	if op.indexA == nil {
		op.indexA = multiset.NewIndex[dynval.Key, dynval.Value]()
		op.indexB = multiset.NewIndex[dynval.Key, dynval.Value]()
		op.massA = map[dynval.Key]int64{}
		op.massB = map[dynval.Key]int64{}
		op.unmatchedA = map[dynval.Key]dynval.Value{}
		op.unmatchedB = map[dynval.Key]dynval.Value{}
	}
}

func (op *JoinOp) Arity() (int, int) { return 2, 1 }

func (op *JoinOp) outKey(ak, bk dynval.Key, a, b dynval.Value) dynval.Key {
	if op.OutKey != nil {
		return op.OutKey(ak, bk, a, b)
	}
	return ak
}

// Run implements the five-step tick algorithm of §4.4.
func (op *JoinOp) Run(inputs [][]dataflow.Message) [][]dataflow.Message {
	op.ensure()
	deltaA := Unbox0(inputs[0])
	deltaB := Unbox0(inputs[1])

	dA := toKeyIndex(deltaA)
	dB := toKeyIndex(deltaB)

	var out []multiset.Entry[KV]

	// Step 2: inner portion, used by inner/left/right/full.
	if op.Mode != JoinAnti {
		out = append(out, op.innerPortion(dA, dB)...)
	}

	// Step 3: left-null portion (left/full/anti).
	if op.Mode == JoinLeft || op.Mode == JoinFull || op.Mode == JoinAnti {
		out = append(out, op.leftNullPortion(deltaA, dB)...)
	}

	// Step 4: right-null portion (right/full), symmetric.
	if op.Mode == JoinRight || op.Mode == JoinFull {
		out = append(out, op.rightNullPortion(deltaB, dA)...)
	}

	// Step 5: commit deltas into state.
	op.commit(deltaA, deltaB, dA, dB)

	return single(0, 1, multiset.New(out...))
}

// innerPortion computes dA ⋈ indexB + (indexA ⊎ dA) ⋈ dB. Because dA has
// already been read but not yet committed to indexA, indexA⊎dA is formed by
// joining dA against (indexA+dA) implicitly: join dA against indexB, then
// join (indexA after this tick's dA is added) against dB. To avoid mutating
// state before step 5 we materialize a temporary combined-A index.
func (op *JoinOp) innerPortion(dA, dB *multiset.Index[dynval.Key, dynval.Value]) []multiset.Entry[KV] {
	var out []multiset.Entry[KV]
	out = append(out, op.joinIndices(dA, op.indexB)...)

	combinedA := multiset.NewIndex[dynval.Key, dynval.Value]()
	combinedA.Append(op.indexA)
	combinedA.Append(dA)
	out = append(out, op.joinIndices(combinedA, dB)...)
	return out
}

func (op *JoinOp) joinIndices(a, b *multiset.Index[dynval.Key, dynval.Value]) []multiset.Entry[KV] {
	var out []multiset.Entry[KV]
	pairs := multiset.Join(a, b)
	for _, e := range pairs.GetInner() {
		k := e.Value.Key
		left, right := e.Value.Value.Left, e.Value.Value.Right
		row := op.Combine(left, right)
		out = append(out, multiset.Entry[KV]{
			Value:        KV{Key: op.outKey(k, k, left, right), Value: row},
			Multiplicity: e.Multiplicity,
		})
	}
	return out
}

// leftNullPortion handles new unmatched left rows and mass crossings on B.
func (op *JoinOp) leftNullPortion(deltaA []multiset.Entry[KV], dB *multiset.Index[dynval.Key, dynval.Value]) []multiset.Entry[KV] {
	var out []multiset.Entry[KV]

	// New rows in dA whose post-delta B mass is zero: emit unmatched.
	for _, e := range deltaA {
		k := e.Value.Key
		postMass := op.massB[k] + dB.Mass(k)
		if postMass == 0 {
			out = append(out, multiset.Entry[KV]{
				Value:        KV{Key: op.outKey(k, k, e.Value.Value, dynval.Null()), Value: op.Combine(e.Value.Value, dynval.Null())},
				Multiplicity: e.Multiplicity,
			})
			if e.Multiplicity > 0 {
				op.unmatchedA[k] = e.Value.Value
			} else {
				delete(op.unmatchedA, k)
			}
		}
	}

	// Mass crossings on B for keys touched this tick.
	for k := range dB.EntriesIterators() {
		before := op.massB[k]
		after := before + dB.Mass(k)
		if before == 0 && after != 0 {
			// 0 -> positive: retract previously-unmatched left rows at k.
			if v, ok := op.unmatchedA[k]; ok {
				out = append(out, multiset.Entry[KV]{
					Value:        KV{Key: op.outKey(k, k, v, dynval.Null()), Value: op.Combine(v, dynval.Null())},
					Multiplicity: -1,
				})
				delete(op.unmatchedA, k)
			}
		} else if before != 0 && after == 0 {
			// positive -> 0: emit left rows at k as unmatched.
			for _, la := range op.indexA.GetIterator(k) {
				out = append(out, multiset.Entry[KV]{
					Value:        KV{Key: op.outKey(k, k, la.Value, dynval.Null()), Value: op.Combine(la.Value, dynval.Null())},
					Multiplicity: 1,
				})
				op.unmatchedA[k] = la.Value
			}
		}
	}
	return out
}

// rightNullPortion is the symmetric mirror of leftNullPortion.
func (op *JoinOp) rightNullPortion(deltaB []multiset.Entry[KV], dA *multiset.Index[dynval.Key, dynval.Value]) []multiset.Entry[KV] {
	var out []multiset.Entry[KV]

	for _, e := range deltaB {
		k := e.Value.Key
		postMass := op.massA[k] + dA.Mass(k)
		if postMass == 0 {
			out = append(out, multiset.Entry[KV]{
				Value:        KV{Key: op.outKey(k, k, dynval.Null(), e.Value.Value), Value: op.Combine(dynval.Null(), e.Value.Value)},
				Multiplicity: e.Multiplicity,
			})
			if e.Multiplicity > 0 {
				op.unmatchedB[k] = e.Value.Value
			} else {
				delete(op.unmatchedB, k)
			}
		}
	}

	for k := range dA.EntriesIterators() {
		before := op.massA[k]
		after := before + dA.Mass(k)
		if before == 0 && after != 0 {
			if v, ok := op.unmatchedB[k]; ok {
				out = append(out, multiset.Entry[KV]{
					Value:        KV{Key: op.outKey(k, k, dynval.Null(), v), Value: op.Combine(dynval.Null(), v)},
					Multiplicity: -1,
				})
				delete(op.unmatchedB, k)
			}
		} else if before != 0 && after == 0 {
			for _, rb := range op.indexB.GetIterator(k) {
				out = append(out, multiset.Entry[KV]{
					Value:        KV{Key: op.outKey(k, k, dynval.Null(), rb.Value), Value: op.Combine(dynval.Null(), rb.Value)},
					Multiplicity: 1,
				})
				op.unmatchedB[k] = rb.Value
			}
		}
	}
	return out
}

func (op *JoinOp) commit(deltaA, deltaB []multiset.Entry[KV], dA, dB *multiset.Index[dynval.Key, dynval.Value]) {
	op.indexA.Append(dA)
	op.indexB.Append(dB)
	for _, e := range deltaA {
		op.massA[e.Value.Key] += e.Multiplicity
	}
	for _, e := range deltaB {
		op.massB[e.Value.Key] += e.Multiplicity
	}
}

func toKeyIndex(entries []multiset.Entry[KV]) *multiset.Index[dynval.Key, dynval.Value] {
	ix := multiset.NewIndex[dynval.Key, dynval.Value]()
	for _, e := range entries {
		ix.AddValue(e.Value.Key, multiset.Entry[dynval.Value]{Value: e.Value.Value, Multiplicity: e.Multiplicity})
	}
	return ix
}

// Unbox0 flattens a single input port's messages into a raw entry slice.
func Unbox0(msgs []dataflow.Message) []multiset.Entry[KV] {
	return Merge(msgs).GetInner()
}
