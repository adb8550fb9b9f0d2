// Package collection implements the keyed-store and subscription layer of
// spec.md §4.8: a per-collection map of current rows, change-stream
// broadcast to subscribers (with initial-state replay), transactional
// writes, status lifecycle, a pluggable sync adapter, and predicate-pushdown
// loadSubset.
package collection

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/internal/qerrors"
	"github.com/tursodatabase/qflux/pkg/dynval"
)

// Status mirrors a collection's sync lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ChangeKind distinguishes an insert/update/delete within a Change.
type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// Change is one row mutation broadcast to subscribers, carrying enough
// information for a MapOp/FilterOp to translate it into a signed
// multiplicity delta (insert=+1, delete=-1, update=retract+insert per §3).
type Change struct {
	Kind     ChangeKind
	Key      dynval.Key
	Value    dynval.Value // new value; zero Value for ChangeDelete
	Previous dynval.Value // prior value for ChangeUpdate; unset otherwise
}

// SyncAdapter is the pluggable source of truth a Collection pulls from.
// Implementations (e.g. pkg/pgsync) deliver remote Change events via the
// sink passed to Start. The interface has no write path: transactions
// committed on the collection are applied locally and are not sent through
// the adapter.
type SyncAdapter interface {
	// Start begins streaming changes into sink; must not block past
	// returning (the adapter runs its own goroutine). Returns a stop func.
	Start(ctx context.Context, sink func(Change)) (stop func(), err error)
	// LoadSubset asks the adapter to ensure rows matching where are loaded
	// and synced, per §4.9's predicate-pushdown contract. It may be a no-op
	// for adapters that always sync everything.
	LoadSubset(ctx context.Context, where dynval.Value) error
}

// Subscriber receives change batches plus the status transitions of the
// collection it subscribed to.
type Subscriber struct {
	Changes func([]Change)
	Status  func(Status)
}

// Collection is a keyed store of dynval.Value rows with subscription
// fan-out, grounded on the teacher's reactive.LiveQuery/Registry pattern
// (internal/reactive/{types,registry}.go) generalized from "one SQL query's
// client set" to "one named collection's subscriber set".
type Collection struct {
	ID      string
	mu      sync.RWMutex
	rows    map[dynval.Key]dynval.Value
	status  Status
	lastErr error

	subs   map[int]*Subscriber
	nextID int

	adapter SyncAdapter
	stop    func()
	log     *zap.Logger
}

// New constructs an empty collection bound to adapter (nil for a purely
// local/in-memory collection used in tests).
func New(id string, adapter SyncAdapter, log *zap.Logger) *Collection {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collection{
		ID:      id,
		rows:    make(map[dynval.Key]dynval.Value),
		subs:    make(map[int]*Subscriber),
		adapter: adapter,
		log:     log.With(zap.String("collection", id)),
	}
}

// Start begins syncing from the adapter, transitioning Idle -> Loading ->
// Ready (or Error on failure).
func (c *Collection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.adapter == nil {
		c.status = StatusReady
		c.mu.Unlock()
		c.broadcastStatus(StatusReady)
		return nil
	}
	c.status = StatusLoading
	c.mu.Unlock()
	c.broadcastStatus(StatusLoading)

	stop, err := c.adapter.Start(ctx, c.applyRemoteChange)
	if err != nil {
		c.mu.Lock()
		c.status = StatusError
		c.lastErr = err
		c.mu.Unlock()
		c.broadcastStatus(StatusError)
		return &qerrors.AdapterError{CollectionID: c.ID, Cause: err}
	}
	c.mu.Lock()
	c.stop = stop
	c.status = StatusReady
	c.mu.Unlock()
	c.broadcastStatus(StatusReady)
	return nil
}

// Stop tears down the sync adapter, if any.
func (c *Collection) Stop() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// StatusNow reports the collection's current lifecycle state and the error
// recorded by the last failed Start, if any.
func (c *Collection) StatusNow() (Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.lastErr
}

// Get returns the current value for key, if present.
func (c *Collection) Get(key dynval.Key) (dynval.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.rows[key]
	return v, ok
}

// Size reports the number of rows currently held.
func (c *Collection) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rows)
}

// Snapshot returns every current row as a Change slice (all ChangeInsert),
// for a newly-subscribed client's initial-state replay.
func (c *Collection) Snapshot() []Change {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Change, 0, len(c.rows))
	for k, v := range c.rows {
		out = append(out, Change{Kind: ChangeInsert, Key: k, Value: v})
	}
	return out
}

// SubscribeChanges registers sub and immediately replays the current
// snapshot as an initial insert batch, then delivers subsequent Changes and
// status transitions until the returned unsubscribe func is called — per
// §4.8's "subscribeChanges with initial-state replay".
func (c *Collection) SubscribeChanges(sub *Subscriber) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = sub
	snap := make([]Change, 0, len(c.rows))
	for k, v := range c.rows {
		snap = append(snap, Change{Kind: ChangeInsert, Key: k, Value: v})
	}
	status := c.status
	c.mu.Unlock()

	if len(snap) > 0 && sub.Changes != nil {
		sub.Changes(snap)
	}
	if sub.Status != nil {
		sub.Status(status)
	}

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// LoadSubset forwards a predicate-pushdown hint to the adapter (§4.9); a nil
// adapter or an adapter indifferent to subsetting is a no-op.
func (c *Collection) LoadSubset(ctx context.Context, where dynval.Value) error {
	if c.adapter == nil {
		return nil
	}
	if err := c.adapter.LoadSubset(ctx, where); err != nil {
		return &qerrors.AdapterError{CollectionID: c.ID, Cause: err}
	}
	return nil
}

func (c *Collection) applyRemoteChange(ch Change) {
	c.mu.Lock()
	switch ch.Kind {
	case ChangeInsert, ChangeUpdate:
		c.rows[ch.Key] = ch.Value
	case ChangeDelete:
		delete(c.rows, ch.Key)
	}
	c.mu.Unlock()
	c.broadcastChanges([]Change{ch})
}

func (c *Collection) broadcastChanges(changes []Change) {
	c.mu.RLock()
	subs := make([]*Subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.RUnlock()
	for _, s := range subs {
		if s.Changes != nil {
			s.Changes(changes)
		}
	}
}

func (c *Collection) broadcastStatus(status Status) {
	c.mu.RLock()
	subs := make([]*Subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.RUnlock()
	for _, s := range subs {
		if s.Status != nil {
			s.Status(status)
		}
	}
}

// Tx is a batched local write transaction (§4.8 begin/write/commit): writes
// accumulate in memory and are applied plus broadcast atomically on Commit,
// so subscribers never observe a partially-applied batch.
type Tx struct {
	c       *Collection
	changes []Change
}

// Begin opens a write transaction against the collection.
func (c *Collection) Begin() *Tx { return &Tx{c: c} }

// Insert stages an insert.
func (tx *Tx) Insert(key dynval.Key, value dynval.Value) {
	tx.changes = append(tx.changes, Change{Kind: ChangeInsert, Key: key, Value: value})
}

// Update stages an update.
func (tx *Tx) Update(key dynval.Key, value dynval.Value) {
	prev, _ := tx.c.Get(key)
	tx.changes = append(tx.changes, Change{Kind: ChangeUpdate, Key: key, Value: value, Previous: prev})
}

// Delete stages a delete.
func (tx *Tx) Delete(key dynval.Key) {
	tx.changes = append(tx.changes, Change{Kind: ChangeDelete, Key: key})
}

// collapseByKey collapses duplicate operations on the same key within a
// batch to their last write (§4.8): a delete followed by an insert on the
// same key must produce a single emitted insert, not both. Output order
// follows each key's first appearance in changes.
func collapseByKey(changes []Change) []Change {
	if len(changes) < 2 {
		return changes
	}
	out := make([]Change, 0, len(changes))
	pos := make(map[dynval.Key]int, len(changes))
	for _, ch := range changes {
		if i, ok := pos[ch.Key]; ok {
			out[i] = ch
			continue
		}
		pos[ch.Key] = len(out)
		out = append(out, ch)
	}
	return out
}

// Commit applies every staged change to the store and broadcasts them as one
// batch. A panic from a subscriber's Changes callback is recovered and
// returned as a *qerrors.DataflowFault per §7, rolling back nothing already
// committed to the store itself (the store mutation always succeeds; only
// the notification fan-out is guarded).
func (tx *Tx) Commit() (err error) {
	changes := collapseByKey(tx.changes)

	tx.c.mu.Lock()
	for _, ch := range changes {
		switch ch.Kind {
		case ChangeInsert, ChangeUpdate:
			tx.c.rows[ch.Key] = ch.Value
		case ChangeDelete:
			delete(tx.c.rows, ch.Key)
		}
	}
	tx.c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = qerrors.Recover(fmt.Sprintf("collection(%s).Commit", tx.c.ID), r)
		}
	}()
	tx.c.broadcastChanges(changes)
	return nil
}
