// Package multiset implements the bag-with-multiplicity primitives the IVM
// engine is built on: Multiset[T], a flat bag of (value, multiplicity)
// entries, and Index[K,V], a keyed multi-map supporting the delta-join used
// by the join operator.
package multiset

import "github.com/tursodatabase/qflux/pkg/dynval"

// Entry is one (value, multiplicity) pair. Multiplicity may be negative
// (a retraction); a zero multiplicity is elidable.
type Entry[T any] struct {
	Value        T
	Multiplicity int64
}

// Multiset is an unordered, streamed-in-batches bag of entries.
type Multiset[T any] struct {
	entries []Entry[T]
}

// New builds a Multiset from an initial entry list without copying/sorting.
func New[T any](entries ...Entry[T]) *Multiset[T] {
	return &Multiset[T]{entries: entries}
}

// Extend appends entries without consolidating.
func (m *Multiset[T]) Extend(entries []Entry[T]) {
	m.entries = append(m.entries, entries...)
}

// GetInner returns the raw entry list.
func (m *Multiset[T]) GetInner() []Entry[T] {
	return m.entries
}

// Len reports the number of raw (pre-consolidation) entries.
func (m *Multiset[T]) Len() int { return len(m.entries) }

// Map applies f to every value, preserving multiplicities.
func Map[T, U any](m *Multiset[T], f func(T) U) *Multiset[U] {
	out := make([]Entry[U], len(m.entries))
	for i, e := range m.entries {
		out[i] = Entry[U]{Value: f(e.Value), Multiplicity: e.Multiplicity}
	}
	return &Multiset[U]{entries: out}
}

// Filter keeps entries where p(value) is true (three-valued via Value.Truthy
// at call sites; Filter itself just takes a bool predicate).
func Filter[T any](m *Multiset[T], p func(T) bool) *Multiset[T] {
	out := make([]Entry[T], 0, len(m.entries))
	for _, e := range m.entries {
		if p(e.Value) {
			out = append(out, e)
		}
	}
	return &Multiset[T]{entries: out}
}

// ConsolidateBy sums multiplicities for entries whose keyFn values compare
// equal (by dynval.Fingerprint semantics through the caller-supplied key),
// dropping zero-multiplicity results. It returns entries in an unspecified
// but deterministic (first-seen) order.
func ConsolidateBy[T any](entries []Entry[T], keyFn func(T) string) []Entry[T] {
	sums := make(map[string]int64, len(entries))
	reps := make(map[string]T, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		k := keyFn(e.Value)
		if _, seen := sums[k]; !seen {
			order = append(order, k)
			reps[k] = e.Value
		}
		sums[k] += e.Multiplicity
	}
	out := make([]Entry[T], 0, len(order))
	for _, k := range order {
		if m := sums[k]; m != 0 {
			out = append(out, Entry[T]{Value: reps[k], Multiplicity: m})
		}
	}
	return out
}

// Consolidate sums multiplicities for structurally-equal dynval.Value
// entries and drops zero-multiplicity results.
func Consolidate(m *Multiset[dynval.Value]) *Multiset[dynval.Value] {
	return &Multiset[dynval.Value]{
		entries: ConsolidateBy(m.entries, dynval.Fingerprint),
	}
}

// Keyed is a (key, value) pair flowing along a keyed edge of the dataflow
// graph — the "Keyed record" of §3.
type Keyed[K comparable, V any] struct {
	Key   K
	Value V
}

// Index maps K to a bag of V entries, the structure join/groupBy/distinct
// maintain as per-key accumulated state across ticks.
type Index[K comparable, V any] struct {
	buckets map[K][]Entry[V]
}

func NewIndex[K comparable, V any]() *Index[K, V] {
	return &Index[K, V]{buckets: make(map[K][]Entry[V])}
}

// AddValue appends one entry under k.
func (ix *Index[K, V]) AddValue(k K, e Entry[V]) {
	ix.buckets[k] = append(ix.buckets[k], e)
}

// Append merges another index's entries into this one in place.
func (ix *Index[K, V]) Append(other *Index[K, V]) {
	for k, es := range other.buckets {
		ix.buckets[k] = append(ix.buckets[k], es...)
	}
}

// GetIterator returns the entries stored for k (nil if absent).
func (ix *Index[K, V]) GetIterator(k K) []Entry[V] {
	return ix.buckets[k]
}

// Keys returns the set of keys with at least one entry (consolidated or not).
func (ix *Index[K, V]) Keys() []K {
	out := make([]K, 0, len(ix.buckets))
	for k := range ix.buckets {
		out = append(out, k)
	}
	return out
}

// EntriesIterators exposes the full key->entries map for range-style
// iteration by callers (join, groupBy).
func (ix *Index[K, V]) EntriesIterators() map[K][]Entry[V] {
	return ix.buckets
}

// Pair is the join output payload: both sides' values for a matched key.
type Pair[A, B any] struct {
	Left  A
	Right B
}

// Join computes, for every key present in both indices, the cross product of
// left and right entries with multiplicity = product of the two incoming
// multiplicities, per §4.1: "join(other) producing a multiset of
// (K,(V,V2)) with multiplicity = product ... summed over matches".
func Join[K comparable, A, B any](left *Index[K, A], right *Index[K, B]) *Multiset[Keyed[K, Pair[A, B]]] {
	out := make([]Entry[Keyed[K, Pair[A, B]]], 0)
	for k, la := range left.buckets {
		rb, ok := right.buckets[k]
		if !ok {
			continue
		}
		for _, ea := range la {
			for _, eb := range rb {
				out = append(out, Entry[Keyed[K, Pair[A, B]]]{
					Value:        Keyed[K, Pair[A, B]]{Key: k, Value: Pair[A, B]{Left: ea.Value, Right: eb.Value}},
					Multiplicity: ea.Multiplicity * eb.Multiplicity,
				})
			}
		}
	}
	return &Multiset[Keyed[K, Pair[A, B]]]{entries: out}
}

// Mass sums all multiplicities stored for k across the index.
func (ix *Index[K, V]) Mass(k K) int64 {
	var sum int64
	for _, e := range ix.buckets[k] {
		sum += e.Multiplicity
	}
	return sum
}
