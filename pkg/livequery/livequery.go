// Package livequery assembles a compiled query (pkg/compiler) against a set
// of live collections (pkg/collection): wiring each referenced alias to its
// backing collection's change feed, driving the dataflow graph one tick per
// delivered batch, and re-exposing the pipeline's output as its own
// change-stream API, per spec.md §4.10.
package livequery

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/internal/qerrors"
	"github.com/tursodatabase/qflux/pkg/collection"
	"github.com/tursodatabase/qflux/pkg/compiler"
	"github.com/tursodatabase/qflux/pkg/dataflow"
	"github.com/tursodatabase/qflux/pkg/dedupe"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/ir"
	"github.com/tursodatabase/qflux/pkg/ivm"
	"github.com/tursodatabase/qflux/pkg/multiset"
)

// Subscriber receives a live query's row changes plus readiness transitions.
// Ready reports whether every collection the query reads from has completed
// its initial sync (§4.10 step 6: "ready once every direct source is
// ready").
type Subscriber struct {
	Changes func([]collection.Change)
	Ready   func(bool)
}

// LiveQuery binds one compiled query to a concrete set of collections and
// keeps its output materialized and incrementally updated as those
// collections change.
type LiveQuery struct {
	env   *compiler.Env
	query *ir.Query
	log   *zap.Logger

	graph  *dataflow.Graph
	result *compiler.Result

	aliasNode         map[string]dataflow.NodeID
	aliasCollection   map[string]*collection.Collection
	aliasCollectionID map[string]string
	aliasCache        map[string]map[dynval.Key]dynval.Value
	aliasReady        map[string]bool

	dedupers map[string]*dedupe.Deduper // keyed by collection ID; nil entries are fine

	mu      sync.Mutex
	rows    map[dynval.Key]dynval.Value
	pending []collection.Change
	ready   bool

	subs    map[int]*Subscriber
	nextID  int
	unsubs  []func()
	closed  bool
}

// Build compiles q against env and wires it to collections (keyed by
// collection ID, not alias — a self-join binds two aliases to the same
// collection). dedupers, if non-nil, lets §4.9's subset deduper coalesce the
// LoadSubset calls a bounded ORDER BY/LIMIT issues when its window shrinks
// (ivm.TopKOp.NeedMore); a collection ID absent from dedupers just calls
// LoadSubset directly.
func Build(env *compiler.Env, log *zap.Logger, q *ir.Query, collections map[string]*collection.Collection, dedupers map[string]*dedupe.Deduper) (*LiveQuery, error) {
	if log == nil {
		log = zap.NewNop()
	}

	aliasCollectionIDs := map[string]string{}
	collectAliasCollections(q, aliasCollectionIDs)

	graph := dataflow.New(log)
	aliases := map[string]compiler.AliasSource{}
	aliasNode := map[string]dataflow.NodeID{}
	aliasCollection := map[string]*collection.Collection{}

	for alias, collID := range aliasCollectionIDs {
		col, ok := collections[collID]
		if !ok {
			return nil, fmt.Errorf("livequery: no collection registered for id %q (alias %q)", collID, alias)
		}
		node := graph.AddOperator(dataflow.PassthroughOp{})
		aliases[alias] = compiler.AliasSource{Node: node, Port: 0, CollectionID: collID}
		aliasNode[alias] = node
		aliasCollection[alias] = col
	}

	ins := compiler.Inputs{Graph: graph, Aliases: aliases}
	result, err := env.Compile(ins, q)
	if err != nil {
		return nil, err
	}

	lq := &LiveQuery{
		env:               env,
		query:             q,
		log:               log,
		graph:             graph,
		result:            result,
		aliasNode:         aliasNode,
		aliasCollection:   aliasCollection,
		aliasCollectionID: aliasCollectionIDs,
		aliasCache:        map[string]map[dynval.Key]dynval.Value{},
		aliasReady:        map[string]bool{},
		dedupers:          dedupers,
		rows:              map[dynval.Key]dynval.Value{},
		subs:              map[int]*Subscriber{},
	}
	for alias := range aliasNode {
		lq.aliasCache[alias] = map[dynval.Key]dynval.Value{}
	}

	sinkNode := graph.AddOperator(&dataflow.SinkOp{OnBatch: lq.onOutputBatch})
	graph.Connect(result.Output, result.OutputPort, sinkNode, 0)

	for _, op := range result.TopKOps {
		op.NeedMore = lq.needMore
	}

	for alias, col := range aliasCollection {
		alias, col := alias, col
		node := aliasNode[alias]
		sub := &collection.Subscriber{
			Changes: func(changes []collection.Change) { lq.feedAlias(alias, node, changes) },
			Status:  func(st collection.Status) { lq.onAliasStatus(alias, st) },
		}
		unsub := col.SubscribeChanges(sub)
		lq.unsubs = append(lq.unsubs, unsub)
	}

	return lq, nil
}

// collectAliasCollections walks every From/Join/includes-subquery reachable
// from q and records each direct CollectionRef's alias -> collection ID,
// mirroring the optimizer's own recursive descent (pkg/optimizer) but
// without rewriting anything.
func collectAliasCollections(q *ir.Query, out map[string]string) {
	if q == nil {
		return
	}
	collectFrom(q.From, out)
	for _, j := range q.Join {
		collectFrom(j.Source, out)
	}
	for _, s := range q.Select {
		if inc, ok := s.Expr.(ir.IncludesSubquery); ok {
			collectAliasCollections(inc.Query, out)
		}
	}
}

func collectFrom(f ir.From, out map[string]string) {
	switch n := f.(type) {
	case ir.CollectionRef:
		out[n.Alias] = n.CollectionID
	case ir.QueryRef:
		collectAliasCollections(n.Query, out)
	}
}

// feedAlias translates one batch of collection changes into signed KV
// multiset entries, feeds them onto alias's input node, and drives the
// graph forward one tick.
func (lq *LiveQuery) feedAlias(alias string, node dataflow.NodeID, changes []collection.Change) {
	lq.mu.Lock()
	if lq.closed {
		lq.mu.Unlock()
		return
	}
	cache := lq.aliasCache[alias]
	entries := translateChanges(changes, cache)
	lq.pending = nil
	lq.graph.Feed(node, 0, ivm.Box(multiset.New(entries...)))
	if err := lq.graph.Run(); err != nil {
		lq.log.Error("livequery_tick_failed", zap.Error(err))
	}
	pending := lq.pending
	lq.pending = nil
	lq.mu.Unlock()

	if len(pending) > 0 {
		lq.broadcastChanges(pending)
	}
}

// translateChanges maps collection.Change events to signed KV entries,
// consulting cache (this alias's last-known raw value per key) so deletes
// and updates retract the value operators actually saw rather than a zero
// Value — join/groupBy state is indexed by key, but a retraction still
// carries the original row content for operators that inspect it.
func translateChanges(changes []collection.Change, cache map[dynval.Key]dynval.Value) []multiset.Entry[ivm.KV] {
	var out []multiset.Entry[ivm.KV]
	for _, ch := range changes {
		switch ch.Kind {
		case collection.ChangeInsert:
			out = append(out, kvEntry(ch.Key, ch.Value, 1))
			cache[ch.Key] = ch.Value
		case collection.ChangeUpdate:
			if old, ok := cache[ch.Key]; ok {
				out = append(out, kvEntry(ch.Key, old, -1))
			} else if !ch.Previous.IsNull() {
				out = append(out, kvEntry(ch.Key, ch.Previous, -1))
			}
			out = append(out, kvEntry(ch.Key, ch.Value, 1))
			cache[ch.Key] = ch.Value
		case collection.ChangeDelete:
			if old, ok := cache[ch.Key]; ok {
				out = append(out, kvEntry(ch.Key, old, -1))
				delete(cache, ch.Key)
			}
		}
	}
	return out
}

func kvEntry(k dynval.Key, v dynval.Value, mult int64) multiset.Entry[ivm.KV] {
	return multiset.Entry[ivm.KV]{Value: ivm.KV{Key: k, Value: v}, Multiplicity: mult}
}

// onOutputBatch is the compiled pipeline's SinkOp callback; it runs
// synchronously inside graph.Run, already under lq.mu held by feedAlias, and
// folds the delta batch into lq.rows plus lq.pending (drained and broadcast
// by the caller once the lock is released).
func (lq *LiveQuery) onOutputBatch(msgs []dataflow.Message) {
	for _, m := range msgs {
		for _, e := range ivm.Unbox(m).GetInner() {
			k, v := e.Value.Key, e.Value.Value
			switch {
			case e.Multiplicity > 0:
				prev, existed := lq.rows[k]
				lq.rows[k] = v
				if existed {
					lq.pending = append(lq.pending, collection.Change{Kind: collection.ChangeUpdate, Key: k, Value: v, Previous: prev})
				} else {
					lq.pending = append(lq.pending, collection.Change{Kind: collection.ChangeInsert, Key: k, Value: v})
				}
			case e.Multiplicity < 0:
				if _, existed := lq.rows[k]; existed {
					delete(lq.rows, k)
					lq.pending = append(lq.pending, collection.Change{Kind: collection.ChangeDelete, Key: k})
				}
			}
		}
	}
}

// needMore backs every ivm.TopKOp.NeedMore hook the compiled pipeline
// produced (§4.6/§4.9): since the correlation key an includes-bounded topK
// reports back is opaque at this layer, this conservatively asks every
// direct-alias collection's deduper for an unlimited load rather than
// threading a narrowed predicate back through the IR — a documented
// simplification, not a full per-parent predicate reconstruction.
func (lq *LiveQuery) needMore(_ string) {
	for alias := range lq.result.DirectAliases {
		col, ok := lq.aliasCollection[alias]
		if !ok {
			continue
		}
		collID := lq.aliasCollectionID[alias]
		d := lq.dedupers[collID]
		go func(col *collection.Collection, d *dedupe.Deduper) {
			ctx := context.Background()
			var err error
			if d != nil {
				err = d.RequestSubset(ctx, dedupe.Predicate{}, func(ctx context.Context, _ dedupe.Predicate) error {
					return col.LoadSubset(ctx, dynval.Null())
				})
			} else {
				err = col.LoadSubset(ctx, dynval.Null())
			}
			if err != nil {
				lq.log.Warn("livequery_need_more_failed", zap.Error(err))
			}
		}(col, d)
	}
}

func (lq *LiveQuery) onAliasStatus(alias string, st collection.Status) {
	lq.mu.Lock()
	lq.aliasReady[alias] = st == collection.StatusReady
	wasReady := lq.ready
	lq.ready = lq.allAliasesReadyLocked()
	nowReady := lq.ready
	lq.mu.Unlock()

	if wasReady != nowReady {
		lq.broadcastReady(nowReady)
	}
}

func (lq *LiveQuery) allAliasesReadyLocked() bool {
	if len(lq.aliasReady) < len(lq.aliasNode) {
		return false
	}
	for _, ready := range lq.aliasReady {
		if !ready {
			return false
		}
	}
	return true
}

// SubscribeChanges registers sub, replaying the query's current materialized
// rows as an initial insert batch (and its current readiness) before
// delivering subsequent incremental changes, mirroring
// collection.Collection.SubscribeChanges.
func (lq *LiveQuery) SubscribeChanges(sub *Subscriber) (unsubscribe func()) {
	lq.mu.Lock()
	id := lq.nextID
	lq.nextID++
	lq.subs[id] = sub
	snap := make([]collection.Change, 0, len(lq.rows))
	for k, v := range lq.rows {
		snap = append(snap, collection.Change{Kind: collection.ChangeInsert, Key: k, Value: v})
	}
	ready := lq.ready
	lq.mu.Unlock()

	if len(snap) > 0 && sub.Changes != nil {
		sub.Changes(snap)
	}
	if sub.Ready != nil {
		sub.Ready(ready)
	}

	return func() {
		lq.mu.Lock()
		delete(lq.subs, id)
		lq.mu.Unlock()
	}
}

func (lq *LiveQuery) broadcastChanges(changes []collection.Change) {
	lq.mu.Lock()
	subs := make([]*Subscriber, 0, len(lq.subs))
	for _, s := range lq.subs {
		subs = append(subs, s)
	}
	lq.mu.Unlock()
	for _, s := range subs {
		if s.Changes != nil {
			s.Changes(changes)
		}
	}
}

func (lq *LiveQuery) broadcastReady(ready bool) {
	lq.mu.Lock()
	subs := make([]*Subscriber, 0, len(lq.subs))
	for _, s := range lq.subs {
		subs = append(subs, s)
	}
	lq.mu.Unlock()
	for _, s := range subs {
		if s.Ready != nil {
			s.Ready(ready)
		}
	}
}

// Snapshot returns the live query's current materialized rows.
func (lq *LiveQuery) Snapshot() map[dynval.Key]dynval.Value {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	out := make(map[dynval.Key]dynval.Value, len(lq.rows))
	for k, v := range lq.rows {
		out[k] = v
	}
	return out
}

// Close tears down every underlying collection subscription and evicts this
// query's compile cache entry (§4.10 step 7), after which the LiveQuery must
// not be used again.
func (lq *LiveQuery) Close() error {
	lq.mu.Lock()
	if lq.closed {
		lq.mu.Unlock()
		return nil
	}
	lq.closed = true
	unsubs := lq.unsubs
	lq.unsubs = nil
	lq.mu.Unlock()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = qerrors.Recover("livequery.Close", r)
			}
		}()
		for _, u := range unsubs {
			u()
		}
	}()
	lq.env.Forget(lq.query)
	return err
}
