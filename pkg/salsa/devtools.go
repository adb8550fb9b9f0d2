package salsa

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// NodeKind distinguishes an input cell from a derived query in a graph
// snapshot.
type NodeKind int

const (
	NodeInput NodeKind = iota
	NodeDerived
)

// GraphNode is one entry in a devtools snapshot.
type GraphNode struct {
	Key        string
	Kind       NodeKind
	ChangedAt  Revision
	VerifiedAt Revision
	Deps       []string
	HasError   bool
}

// RecomputeEvent is emitted every time a derived query is (re)computed,
// whether or not its value actually changed — devtools distinguishes the
// two via Changed.
type RecomputeEvent struct {
	Key       string
	Revision  Revision
	Changed   bool
	HasError  bool
}

// Snapshot returns every node in the dependency graph as it stands right
// now, for devtools' graph view.
func (db *Database) Snapshot() []GraphNode {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]GraphNode, 0, len(db.inputs)+len(db.derived))
	for k, c := range db.inputs {
		out = append(out, GraphNode{Key: k, Kind: NodeInput, ChangedAt: c.changedAt})
	}
	for k, e := range db.derived {
		out = append(out, GraphNode{
			Key: k, Kind: NodeDerived,
			ChangedAt: e.changedAt, VerifiedAt: e.verifiedAt,
			Deps: append([]string(nil), e.deps...), HasError: e.err != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// DOT renders the current graph as Graphviz DOT source.
func (db *Database) DOT() string {
	nodes := db.Snapshot()
	var sb strings.Builder
	sb.WriteString("digraph salsa {\n")
	for _, n := range nodes {
		shape := "box"
		if n.Kind == NodeInput {
			shape = "ellipse"
		}
		color := "black"
		if n.HasError {
			color = "red"
		}
		fmt.Fprintf(&sb, "  %q [shape=%s color=%s];\n", n.Key, shape, color)
		for _, d := range n.Deps {
			fmt.Fprintf(&sb, "  %q -> %q;\n", n.Key, d)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// JSON renders the current graph as a plain map tree suitable for
// encoding/json, avoiding an import cycle back into a wire-format package.
func (db *Database) JSON() map[string]any {
	nodes := db.Snapshot()
	list := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		kind := "input"
		if n.Kind == NodeDerived {
			kind = "derived"
		}
		list = append(list, map[string]any{
			"key":        n.Key,
			"kind":       kind,
			"changedAt":  uint64(n.ChangedAt),
			"verifiedAt": uint64(n.VerifiedAt),
			"deps":       n.Deps,
			"hasError":   n.HasError,
		})
	}
	return map[string]any{"revision": uint64(db.CurrentRevision()), "nodes": list}
}

// TraceRoots returns the keys with no incoming dependency edge (nothing
// depends on them being recomputed for any other query's sake) — typically
// the live queries devtools should treat as top-level recompute roots.
func (db *Database) TraceRoots() []string {
	nodes := db.Snapshot()
	hasDependent := map[string]bool{}
	for _, n := range nodes {
		for _, d := range n.Deps {
			hasDependent[d] = true
		}
	}
	var roots []string
	for _, n := range nodes {
		if n.Kind == NodeDerived && !hasDependent[n.Key] {
			roots = append(roots, n.Key)
		}
	}
	sort.Strings(roots)
	return roots
}

// eventHub fans recompute events out to devtools stream subscribers.
type eventHub struct {
	mu   sync.Mutex
	subs map[int]func(RecomputeEvent)
	next int
}

var hubs = struct {
	mu sync.Mutex
	m  map[*Database]*eventHub
}{m: make(map[*Database]*eventHub)}

func hubFor(db *Database) *eventHub {
	hubs.mu.Lock()
	defer hubs.mu.Unlock()
	h, ok := hubs.m[db]
	if !ok {
		h = &eventHub{subs: make(map[int]func(RecomputeEvent))}
		hubs.m[db] = h
	}
	return h
}

// SubscribeRecomputes streams every recompute event (change or reverify)
// across the whole database, for devtools' live trace view.
func (db *Database) SubscribeRecomputes(fn func(RecomputeEvent)) (unsubscribe func()) {
	h := hubFor(db)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (db *Database) emitRecompute(ev RecomputeEvent) {
	h := hubFor(db)
	h.mu.Lock()
	subs := make([]func(RecomputeEvent), 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s(ev)
	}
}
