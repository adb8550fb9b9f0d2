package multiset

import (
	"testing"

	"github.com/tursodatabase/qflux/pkg/dynval"
)

func TestConsolidateDropsZeroMultiplicity(t *testing.T) {
	m := New(
		Entry[dynval.Value]{Value: dynval.Int(1), Multiplicity: 1},
		Entry[dynval.Value]{Value: dynval.Int(1), Multiplicity: -1},
		Entry[dynval.Value]{Value: dynval.Int(2), Multiplicity: 3},
	)
	out := Consolidate(m)
	entries := out.GetInner()
	if len(entries) != 1 {
		t.Fatalf("want 1 surviving entry, got %d: %+v", len(entries), entries)
	}
	if entries[0].Value.I != 2 || entries[0].Multiplicity != 3 {
		t.Errorf("want (2, mult 3), got %+v", entries[0])
	}
}

func TestConsolidateBySumsMultiplicityPerKey(t *testing.T) {
	entries := []Entry[string]{
		{Value: "a", Multiplicity: 2},
		{Value: "a", Multiplicity: 3},
		{Value: "b", Multiplicity: -1},
	}
	out := ConsolidateBy(entries, func(s string) string { return s })
	sums := map[string]int64{}
	for _, e := range out {
		sums[e.Value] = e.Multiplicity
	}
	if sums["a"] != 5 {
		t.Errorf("want a=5, got %d", sums["a"])
	}
	if sums["b"] != -1 {
		t.Errorf("want b=-1, got %d", sums["b"])
	}
}

func TestMapPreservesMultiplicity(t *testing.T) {
	m := New(Entry[int]{Value: 3, Multiplicity: 2})
	out := Map(m, func(i int) int { return i * 10 })
	entries := out.GetInner()
	if len(entries) != 1 || entries[0].Value != 30 || entries[0].Multiplicity != 2 {
		t.Errorf("unexpected mapped entries: %+v", entries)
	}
}

func TestFilterKeepsOnlyMatching(t *testing.T) {
	m := New(
		Entry[int]{Value: 1, Multiplicity: 1},
		Entry[int]{Value: 2, Multiplicity: 1},
		Entry[int]{Value: 3, Multiplicity: 1},
	)
	out := Filter(m, func(i int) bool { return i%2 == 0 })
	entries := out.GetInner()
	if len(entries) != 1 || entries[0].Value != 2 {
		t.Errorf("want only 2 to survive, got %+v", entries)
	}
}

func TestIndexJoinProducesCrossProductWithMultipliedMultiplicity(t *testing.T) {
	left := NewIndex[int, string]()
	left.AddValue(1, Entry[string]{Value: "L1", Multiplicity: 2})
	right := NewIndex[int, string]()
	right.AddValue(1, Entry[string]{Value: "R1", Multiplicity: 3})
	right.AddValue(2, Entry[string]{Value: "R2", Multiplicity: 1})

	out := Join(left, right)
	entries := out.GetInner()
	if len(entries) != 1 {
		t.Fatalf("want 1 matched pair (key 2 has no left side), got %d", len(entries))
	}
	e := entries[0]
	if e.Value.Key != 1 || e.Value.Value.Left != "L1" || e.Value.Value.Right != "R1" {
		t.Errorf("unexpected join pair: %+v", e)
	}
	if e.Multiplicity != 6 {
		t.Errorf("want multiplicity 2*3=6, got %d", e.Multiplicity)
	}
}

func TestIndexMassSumsMultiplicities(t *testing.T) {
	ix := NewIndex[string, int]()
	ix.AddValue("k", Entry[int]{Value: 1, Multiplicity: 2})
	ix.AddValue("k", Entry[int]{Value: 2, Multiplicity: -1})
	if got := ix.Mass("k"); got != 1 {
		t.Errorf("want mass 1, got %d", got)
	}
	if got := ix.Mass("missing"); got != 0 {
		t.Errorf("want mass 0 for absent key, got %d", got)
	}
}
