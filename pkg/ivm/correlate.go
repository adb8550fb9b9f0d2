package ivm

import (
	"github.com/tursodatabase/qflux/pkg/dataflow"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/multiset"
)

// CorrelateOp re-keys a stream by an arbitrary row-derived value rather than
// its source primary key, used to align an includes-subquery's parent and
// child streams on a shared foreign-key value before joining them (§4.7
// step 9). The row is first tagged with its original key under KeyField (so
// downstream Combine callbacks can recover it), then re-keyed by
// fingerprinting Extract's result — fingerprinting rather than
// dynval.KeyFromValue avoids Int(5)/"5" spuriously colliding while still
// giving a stable, comparable key.
type CorrelateOp struct {
	KeyField string
	Extract  func(row dynval.Value) dynval.Value
}

func (op *CorrelateOp) Arity() (int, int) { return 1, 1 }

func (op *CorrelateOp) Run(inputs [][]dataflow.Message) [][]dataflow.Message {
	in := Merge(inputs[0])
	entries := in.GetInner()
	out := make([]multiset.Entry[KV], len(entries))
	for i, e := range entries {
		tagged := e.Value.Value.WithField(op.KeyField, keyAsValue(e.Value.Key))
		corr := op.Extract(tagged)
		out[i] = multiset.Entry[KV]{
			Value:        KV{Key: CorrelationKey(corr), Value: tagged},
			Multiplicity: e.Multiplicity,
		}
	}
	return single(0, 1, multiset.New(out...))
}

// CorrelationKey canonicalizes an arbitrary row value into a dynval.Key
// suitable for joining streams on a shared derived value.
func CorrelationKey(v dynval.Value) dynval.Key {
	return dynval.StringKey(dynval.Fingerprint(v))
}

func keyAsValue(k dynval.Key) dynval.Value {
	if k.IsI {
		return dynval.Int(k.I)
	}
	return dynval.String(k.S)
}
