// Package dedupe implements the subset deduper of spec.md §4.9: tracking
// which where-predicate subsets of a collection have already been (or are
// currently being) loaded, so concurrent/overlapping loadSubset calls
// collapse into a single adapter round trip instead of one per caller.
package dedupe

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/tursodatabase/qflux/pkg/dynval"
)

// CompareOp is one of the pushdown-eligible comparison operators §4.9 names.
type CompareOp string

const (
	OpEq          CompareOp = "eq"
	OpNe          CompareOp = "ne"
	OpGt          CompareOp = "gt"
	OpGte         CompareOp = "gte"
	OpLt          CompareOp = "lt"
	OpLte         CompareOp = "lte"
	OpIn          CompareOp = "in"
	OpIsNull      CompareOp = "isNull"
	OpIsUndefined CompareOp = "isUndefined"
	OpLike        CompareOp = "like"
	OpILike       CompareOp = "ilike"
)

// Condition is one field-level predicate term.
type Condition struct {
	Field string
	Op    CompareOp
	Value dynval.Value
	Set   []dynval.Value // for OpIn
}

// OrderTerm is one ORDER BY key of a bounded (limit/offset-bearing) call,
// used only to test "compatible orderBy" between two limited calls (§4.9
// step 3) — it carries no comparator, just enough to compare for equality.
type OrderTerm struct {
	Field string
	Desc  bool
}

// Predicate is a conjunction of Conditions plus, for a bounded call, the
// (orderBy, limit, offset) window it requested. Conditions nil/empty with no
// Limit/Offset means "the whole collection" (§4.9's "unlimitedWhere").
type Predicate struct {
	Conditions []Condition
	OrderBy    []OrderTerm
	Limit      *int
	Offset     *int
}

// Unlimited reports whether p denotes "no restriction" — loading it loads
// everything. A call with a Limit or Offset is bounded even with no
// Conditions, so it is never Unlimited.
func (p Predicate) Unlimited() bool {
	return len(p.Conditions) == 0 && p.Limit == nil && p.Offset == nil
}

// whereFingerprint builds a canonical, comparison-order-independent
// signature of p's Conditions alone, so structurally identical where
// clauses (possibly listed in a different order) dedupe to the same key
// regardless of any limit/offset/orderBy riding along with them (§4.9 step 2
// compares only the where clause against unlimitedWhere).
func (p Predicate) whereFingerprint() string {
	conds := append([]Condition(nil), p.Conditions...)
	sort.Slice(conds, func(i, j int) bool {
		if conds[i].Field != conds[j].Field {
			return conds[i].Field < conds[j].Field
		}
		return conds[i].Op < conds[j].Op
	})
	s := ""
	for _, c := range conds {
		s += fmt.Sprintf("%s%s%s;", c.Field, c.Op, dynval.Fingerprint(c.Value))
		for _, v := range c.Set {
			s += dynval.Fingerprint(v) + ","
		}
	}
	return s
}

// fingerprint extends whereFingerprint with (orderBy, limit, offset) so two
// concurrent calls only collapse onto the same inflight slot when their
// whole bounded window matches, not just their where clause.
func (p Predicate) fingerprint() string {
	s := p.whereFingerprint() + "|order:"
	for _, o := range p.OrderBy {
		s += o.Field
		if o.Desc {
			s += "-"
		} else {
			s += "+"
		}
		s += ","
	}
	s += "|limit:"
	if p.Limit != nil {
		s += strconv.Itoa(*p.Limit)
	}
	s += "|offset:"
	if p.Offset != nil {
		s += strconv.Itoa(*p.Offset)
	}
	return s
}

// subsumes reports whether the where-unbounded subset already loaded for
// `other` covers everything `p`'s where clause would load — conservatively
// true only for exact where-clause equality or when other is Unlimited (§9
// design note: full subset-algebra containment, e.g. recognizing that
// `gt 5` is covered by `gt 3`, is left as a documented simplification; see
// DESIGN.md).
func (other Predicate) subsumes(p Predicate) bool {
	if other.Unlimited() {
		return true
	}
	return other.whereFingerprint() == p.whereFingerprint()
}

func orderByEqual(a, b []OrderTerm) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// supersedesBounded reports whether other is a previously-completed bounded
// call whose window already covers p — equal where, compatible orderBy,
// other's limit at least p's, other's offset at most p's (§4.9 step 3).
// Callers only invoke this when p.Limit is non-nil.
func (other Predicate) supersedesBounded(p Predicate) bool {
	if other.Limit == nil || other.whereFingerprint() != p.whereFingerprint() {
		return false
	}
	if !orderByEqual(other.OrderBy, p.OrderBy) {
		return false
	}
	if *other.Limit < *p.Limit {
		return false
	}
	otherOffset, pOffset := 0, 0
	if other.Offset != nil {
		otherOffset = *other.Offset
	}
	if p.Offset != nil {
		pOffset = *p.Offset
	}
	return otherOffset <= pOffset
}

type inflightCall struct {
	done chan struct{}
	err  error
}

// Deduper tracks one collection's loaded/in-flight subsets.
type Deduper struct {
	mu              sync.Mutex
	unlimitedLoaded bool
	loaded          []Predicate // completed where-unbounded calls
	boundedLoaded   []Predicate // completed limit/offset-bearing calls (§4.9's limitedCalls[])
	inflight        map[string]*inflightCall
	generation      int64
	limitedCalls    int64

	// OnDeduplicate, if set, is invoked once for every request that short-
	// circuits without reaching the loader — steps 1-4 of §4.9 — with the
	// predicate that was deduplicated away.
	OnDeduplicate func(Predicate)
}

// New builds an empty Deduper.
func New() *Deduper {
	return &Deduper{inflight: make(map[string]*inflightCall)}
}

func (d *Deduper) fireOnDeduplicate(p Predicate) {
	if d.OnDeduplicate != nil {
		d.OnDeduplicate(p)
	}
}

// LimitedCalls reports how many non-redundant loader invocations this
// Deduper has actually issued — a testable property per §8 ("dedup call
// count bound").
func (d *Deduper) LimitedCalls() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limitedCalls
}

// HasLoadedAllData reports whether an unlimited load has ever completed.
func (d *Deduper) HasLoadedAllData() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unlimitedLoaded
}

// RequestSubset ensures p's rows are loaded, invoking loader at most once
// for any given subset (or its superset), collapsing concurrent duplicate
// requests onto the call already in flight.
func (d *Deduper) RequestSubset(ctx context.Context, p Predicate, loader func(context.Context, Predicate) error) error {
	d.mu.Lock()
	if d.unlimitedLoaded {
		d.mu.Unlock()
		d.fireOnDeduplicate(p)
		return nil
	}
	for _, lp := range d.loaded {
		if lp.subsumes(p) {
			d.mu.Unlock()
			d.fireOnDeduplicate(p)
			return nil
		}
	}
	if p.Limit != nil {
		for _, lp := range d.boundedLoaded {
			if lp.supersedesBounded(p) {
				d.mu.Unlock()
				d.fireOnDeduplicate(p)
				return nil
			}
		}
	}
	key := p.fingerprint()
	if call, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		select {
		case <-call.done:
			d.fireOnDeduplicate(p)
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	call := &inflightCall{done: make(chan struct{})}
	d.inflight[key] = call
	d.generation++
	d.limitedCalls++
	d.mu.Unlock()

	err := loader(ctx, p)

	d.mu.Lock()
	delete(d.inflight, key)
	if err == nil {
		switch {
		case p.Unlimited():
			d.unlimitedLoaded = true
			d.loaded = nil
			d.boundedLoaded = nil
		case p.Limit != nil:
			d.boundedLoaded = append(d.boundedLoaded, p)
		default:
			d.loaded = append(d.loaded, p)
		}
	}
	d.mu.Unlock()

	call.err = err
	close(call.done)
	return err
}

// Minus computes the conditions of p that are not already implied by any
// previously-loaded subset, for callers that want to narrow a loader
// request rather than skip it outright. Per the simplification noted on
// subsumes, this only elides conditions that exactly match a loaded
// predicate's conditions field-for-field.
func (d *Deduper) Minus(p Predicate) Predicate {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unlimitedLoaded {
		return Predicate{}
	}
	out := Predicate{}
	for _, c := range p.Conditions {
		covered := false
		for _, lp := range d.loaded {
			for _, lc := range lp.Conditions {
				if lc.Field == c.Field && lc.Op == c.Op && dynval.Equal(lc.Value, c.Value) {
					covered = true
				}
			}
		}
		if !covered {
			out.Conditions = append(out.Conditions, c)
		}
	}
	return out
}
