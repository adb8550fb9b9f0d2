// Package ivm implements the incremental-view-maintenance operators that run
// on the dataflow graph: map, filter, distinct, join (five modes), groupBy
// with aggregates, and orderBy/topK (§4.3–§4.6).
package ivm

import (
	"github.com/tursodatabase/qflux/pkg/dataflow"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/multiset"
)

// KV is the keyed-record payload flowing along dataflow edges: a source
// primary key paired with its (possibly namespaced) row value.
type KV = multiset.Keyed[dynval.Key, dynval.Value]

// Batch is the concrete multiset type every IVM operator exchanges.
type Batch = multiset.Multiset[KV]

// Box wraps a Batch as a dataflow.Message.
func Box(b *Batch) dataflow.Message { return dataflow.Message{Batch: anyMultiset(b)} }

// anyMultiset re-wraps a typed Batch behind the dataflow.Row-erased Multiset
// the graph moves around; dataflow only ever forwards opaque pointers so
// this is a safe identity reinterpretation recovered by Unbox.
func anyMultiset(b *Batch) *multiset.Multiset[dataflow.Row] {
	entries := b.GetInner()
	out := make([]multiset.Entry[dataflow.Row], len(entries))
	for i, e := range entries {
		out[i] = multiset.Entry[dataflow.Row]{Value: e.Value, Multiplicity: e.Multiplicity}
	}
	return multiset.New(out...)
}

// Unbox recovers the typed Batch from a dataflow.Message.
func Unbox(m dataflow.Message) *Batch {
	entries := m.Batch.GetInner()
	out := make([]multiset.Entry[KV], len(entries))
	for i, e := range entries {
		out[i] = multiset.Entry[KV]{Value: e.Value.(KV), Multiplicity: e.Multiplicity}
	}
	return multiset.New(out...)
}

// Merge flattens a slice of Messages (from one input port across several
// upstream deliveries in a tick) into a single Batch.
func Merge(msgs []dataflow.Message) *Batch {
	var all []multiset.Entry[KV]
	for _, m := range msgs {
		all = append(all, Unbox(m).GetInner()...)
	}
	return multiset.New(all...)
}

func single(port int, numOuts int, b *Batch) [][]dataflow.Message {
	out := make([][]dataflow.Message, numOuts)
	out[port] = []dataflow.Message{Box(b)}
	return out
}
