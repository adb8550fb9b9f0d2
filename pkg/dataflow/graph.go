// Package dataflow implements the directed operator graph the IVM pipeline
// runs on: unary/binary operators connected by writer->reader edges, pumped
// one wavefront per tick in topological order (§4.2).
package dataflow

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/pkg/multiset"
)

// NodeID is a monotonically-assigned operator identifier.
type NodeID int

// Message is one batch of row deltas carried along an edge between ticks.
type Message struct {
	Batch *multiset.Multiset[Row]
}

// Row is the namespaced-row payload operators pass between each other; it is
// an alias to keep dataflow decoupled from the dynval package's import path
// while still carrying dynval.Value at runtime (compiler/ivm import dynval
// directly and type-assert as needed via the Row interface method set).
type Row = interface{}

// Operator is the unit of work the graph schedules. Run is called once per
// tick with the accumulated inbound messages on each input edge and must be
// synchronous — per §5, operator Run must never suspend.
type Operator interface {
	// Run consumes batches delivered on each input edge (indexed the same
	// way edges were registered) and returns output batches to send on each
	// output edge (same indexing). Either slice may be shorter than the
	// edge count when an operator has no work to emit this tick.
	Run(inputs [][]Message) [][]Message
	// Arity reports (numInputs, numOutputs) so the graph can size edges.
	Arity() (ins, outs int)
}

type edge struct {
	from, to     NodeID
	fromPort     int
	toPort       int
	pending      []Message
}

type node struct {
	id       NodeID
	op       Operator
	inEdges  []int // indices into graph.edges, ordered by toPort
	outEdges []int // indices into graph.edges, ordered by fromPort
	depth    int
}

// Graph is an arena of operators with integer IDs for reader/writer
// endpoints; messages are moved by value, not shared, per the design notes.
type Graph struct {
	nodes    []*node
	edges    []*edge
	final    bool
	order    []NodeID // topological order, computed at Finalize
	log      *zap.Logger
	tickNo   int
}

// New constructs an empty graph. A nil logger falls back to zap.NewNop().
func New(log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{log: log}
}

// AddOperator registers op and returns its new NodeID.
func (g *Graph) AddOperator(op Operator) NodeID {
	if g.final {
		panic("dataflow: cannot add operators after Finalize")
	}
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, &node{id: id, op: op})
	return id
}

// Connect wires from's output port fromPort to to's input port toPort.
func (g *Graph) Connect(from NodeID, fromPort int, to NodeID, toPort int) {
	if g.final {
		panic("dataflow: cannot connect after Finalize")
	}
	idx := len(g.edges)
	g.edges = append(g.edges, &edge{from: from, to: to, fromPort: fromPort, toPort: toPort})
	g.nodes[from].outEdges = append(g.nodes[from].outEdges, idx)
	g.nodes[to].inEdges = append(g.nodes[to].inEdges, idx)
}

// Feed enqueues a message directly on a node's input port, used by source
// operators (input streams) with no upstream writer in this graph.
func (g *Graph) Feed(to NodeID, toPort int, msg Message) {
	// synthesize a virtual edge-less delivery by pushing straight into a
	// pseudo edge bound to the node; represented as an edge with from=-1.
	for _, idx := range g.nodes[to].inEdges {
		e := g.edges[idx]
		if e.from == -1 && e.toPort == toPort {
			e.pending = append(e.pending, msg)
			return
		}
	}
	idx := len(g.edges)
	g.edges = append(g.edges, &edge{from: -1, to: to, fromPort: -1, toPort: toPort, pending: []Message{msg}})
	g.nodes[to].inEdges = append(g.nodes[to].inEdges, idx)
}

// Finalize freezes the topology and computes a topological visiting order.
func (g *Graph) Finalize() error {
	if g.final {
		return nil
	}
	indeg := make(map[NodeID]int, len(g.nodes))
	for _, n := range g.nodes {
		indeg[n.id] = 0
	}
	for _, e := range g.edges {
		if e.from == -1 {
			continue
		}
		indeg[e.to]++
	}
	var queue []NodeID
	for _, n := range g.nodes {
		if indeg[n.id] == 0 {
			queue = append(queue, n.id)
		}
	}
	var order []NodeID
	childrenOf := func(id NodeID) []NodeID {
		var out []NodeID
		for _, idx := range g.nodes[id].outEdges {
			out = append(out, g.edges[idx].to)
		}
		return out
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, c := range childrenOf(id) {
			indeg[c]--
			if indeg[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return fmt.Errorf("dataflow: cycle detected while finalizing graph (%d/%d nodes ordered)", len(order), len(g.nodes))
	}
	g.order = order
	g.final = true
	return nil
}

// Run pumps all pending messages through the graph to topological
// completion: each operator is visited once per tick, in order, draining
// every input edge (binary operators drain both inputs before producing)
// and appending produced output messages onto downstream edges.
func (g *Graph) Run() error {
	if !g.final {
		if err := g.Finalize(); err != nil {
			return err
		}
	}
	g.tickNo++
	tlog := g.log.With(zap.Int("tick", g.tickNo))

	for _, id := range g.order {
		n := g.nodes[id]
		ins, outs := n.op.Arity()
		inputs := make([][]Message, ins)
		for _, idx := range n.inEdges {
			e := g.edges[idx]
			if e.toPort < 0 || e.toPort >= ins {
				continue
			}
			inputs[e.toPort] = append(inputs[e.toPort], e.pending...)
			e.pending = nil
		}
		anyInput := false
		for _, in := range inputs {
			if len(in) > 0 {
				anyInput = true
				break
			}
		}
		if !anyInput {
			continue
		}
		produced := n.op.Run(inputs)
		if len(produced) > outs {
			produced = produced[:outs]
		}
		for port, msgs := range produced {
			for _, idx := range n.outEdges {
				e := g.edges[idx]
				if e.fromPort == port {
					e.pending = append(e.pending, msgs...)
				}
			}
		}
		tlog.Debug("operator_run", zap.Int("node", int(id)), zap.Int("produced_ports", len(produced)))
	}
	return nil
}

// NodeCount reports how many operators are registered.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// PassthroughOp forwards its single input edge to its single output edge
// unchanged; used as the graph-side handle for a Feed-driven source stream
// (collection changes) that has no upstream operator of its own.
type PassthroughOp struct{}

func (PassthroughOp) Arity() (int, int) { return 1, 1 }

func (PassthroughOp) Run(inputs [][]Message) [][]Message {
	return [][]Message{inputs[0]}
}
