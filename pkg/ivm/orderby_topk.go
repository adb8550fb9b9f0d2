package ivm

import (
	"sort"

	"github.com/tursodatabase/qflux/pkg/dataflow"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/multiset"
)

// Comparator orders two rows for orderBy/topK; ties should already be broken
// by primary key inside the comparator to keep sort stable per §4.6.
type Comparator func(a, b dynval.Value) int

type member struct {
	key     dynval.Key
	value   dynval.Value
	netMass int64
}

// windowGroup tracks one correlation key's full live member set and the
// subset currently windowed (emitted) downstream.
type windowGroup struct {
	members map[string]*member
	windowed map[string]bool
}

// TopKOp implements §4.6: plain orderBy (Limit<=0) is a pass-through that
// annotates rows with a stable sort index; with Limit>0 it maintains a
// bounded top-K window per correlation key, evicting/retracting as the
// underlying order changes and invoking NeedMore when a deletion shrinks the
// window below target and more source rows may exist (loadSubset hook).
type TopKOp struct {
	Cmp       Comparator
	Limit     int // 0 means unlimited (plain orderBy)
	Offset    int
	// CorrelationKeyFn groups rows for per-parent topK in includes mode; nil
	// means a single global group.
	CorrelationKeyFn func(dynval.Value) string
	// IndexField is the row field name annotated with the 0-based rank
	// within its group, matching "[selectedValue, orderByIndex?, ...]".
	IndexField string
	// NeedMore is invoked with the correlation key (empty string for the
	// global group) when the window shrank due to deletion and the operator
	// would like more rows loaded from upstream (§4.8 loadSubset).
	NeedMore func(correlationKey string)

	groups map[string]*windowGroup
}

func (op *TopKOp) Arity() (int, int) { return 1, 1 }

func (op *TopKOp) ensure() {
	if op.groups == nil {
		op.groups = make(map[string]*windowGroup)
	}
}

func (op *TopKOp) corrKey(v dynval.Value) string {
	if op.CorrelationKeyFn != nil {
		return op.CorrelationKeyFn(v)
	}
	return ""
}

func (op *TopKOp) Run(inputs [][]dataflow.Message) [][]dataflow.Message {
	op.ensure()
	in := Merge(inputs[0])

	touchedGroups := map[string]bool{}
	for _, e := range in.GetInner() {
		ck := op.corrKey(e.Value.Value)
		g, ok := op.groups[ck]
		if !ok {
			g = &windowGroup{members: map[string]*member{}, windowed: map[string]bool{}}
			op.groups[ck] = g
		}
		mk := e.Value.Key.String()
		m, ok := g.members[mk]
		if !ok {
			m = &member{key: e.Value.Key, value: e.Value.Value}
			g.members[mk] = m
		} else {
			m.value = e.Value.Value
		}
		m.netMass += e.Multiplicity
		touchedGroups[ck] = true
	}

	var out []multiset.Entry[KV]
	for ck := range touchedGroups {
		out = append(out, op.rebalance(ck)...)
	}
	return single(0, 1, multiset.New(out...))
}

func (op *TopKOp) rebalance(ck string) []multiset.Entry[KV] {
	g := op.groups[ck]
	live := make([]*member, 0, len(g.members))
	for _, m := range g.members {
		if m.netMass > 0 {
			live = append(live, m)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return op.Cmp(live[i].value, live[j].value) < 0 })

	lo, hi := 0, len(live)
	if op.Limit > 0 {
		lo = op.Offset
		if lo > len(live) {
			lo = len(live)
		}
		hi = lo + op.Limit
		if hi > len(live) {
			hi = len(live)
		}
	}

	newWindowed := make(map[string]bool, hi-lo)
	var out []multiset.Entry[KV]
	for i := lo; i < hi; i++ {
		m := live[i]
		mk := m.key.String()
		newWindowed[mk] = true
		row := m.value
		if op.IndexField != "" {
			row = row.WithField(op.IndexField, dynval.Int(int64(i)))
		}
		if !g.windowed[mk] {
			out = append(out, multiset.Entry[KV]{Value: KV{Key: m.key, Value: row}, Multiplicity: 1})
		}
	}
	shrank := false
	for mk := range g.windowed {
		if !newWindowed[mk] {
			m, stillLive := g.members[mk]
			gone := !stillLive || m.netMass <= 0
			if gone {
				shrank = true
			}
			out = append(out, multiset.Entry[KV]{Value: KV{Key: m.key, Value: m.value}, Multiplicity: -1})
		}
	}
	g.windowed = newWindowed

	for mk, m := range g.members {
		if m.netMass <= 0 {
			delete(g.members, mk)
		}
	}

	if op.Limit > 0 && shrank && len(live) < op.Offset+op.Limit && op.NeedMore != nil {
		op.NeedMore(ck)
	}
	return out
}
