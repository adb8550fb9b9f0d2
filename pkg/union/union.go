// Package union implements §4.11's union collection: a read-only merge of
// several member collections into one keyed view, rejecting (rather than
// silently overwriting) a key that two members both claim.
package union

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/pkg/collection"
	"github.com/tursodatabase/qflux/pkg/dynval"
)

// ConflictError is raised when two member collections emit the same key.
type ConflictError struct {
	Key       dynval.Key
	Owner     string
	Attempted string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("union: key %s already owned by %q, rejected from %q", e.Key, e.Owner, e.Attempted)
}

// Union merges several member collections, keeping per-key owner tracking
// so a later member cannot silently clobber an earlier one's row.
type Union struct {
	mu      sync.RWMutex
	out     *collection.Collection
	owner   map[dynval.Key]string
	members map[string]*collection.Collection
	unsubs  []func()
	log     *zap.Logger
	onErr   func(error)
}

// New builds a union collection with id, logging via log, reporting
// conflicts (and any other wiring error) to onErr rather than panicking —
// §7 treats union conflicts as reportable faults, not crashes.
func New(id string, log *zap.Logger, onErr func(error)) *Union {
	if log == nil {
		log = zap.NewNop()
	}
	if onErr == nil {
		onErr = func(error) {}
	}
	return &Union{
		out:     collection.New(id, nil, log),
		owner:   make(map[dynval.Key]string),
		members: make(map[string]*collection.Collection),
		log:     log.With(zap.String("union", id)),
		onErr:   onErr,
	}
}

// Output is the merged read-only collection clients subscribe to.
func (u *Union) Output() *collection.Collection { return u.out }

// AddMember subscribes to member (keyed by memberID for conflict reporting)
// and starts forwarding its changes into the union output.
func (u *Union) AddMember(memberID string, member *collection.Collection) {
	u.mu.Lock()
	u.members[memberID] = member
	u.mu.Unlock()

	unsub := member.SubscribeChanges(&collection.Subscriber{
		Changes: func(changes []collection.Change) {
			u.apply(memberID, changes)
		},
	})
	u.mu.Lock()
	u.unsubs = append(u.unsubs, unsub)
	u.mu.Unlock()
}

// Close unsubscribes from every member.
func (u *Union) Close() {
	u.mu.Lock()
	unsubs := u.unsubs
	u.unsubs = nil
	u.mu.Unlock()
	for _, un := range unsubs {
		un()
	}
}

func (u *Union) apply(memberID string, changes []collection.Change) {
	tx := u.out.Begin()
	u.mu.Lock()
	for _, ch := range changes {
		owner, owned := u.owner[ch.Key]
		switch ch.Kind {
		case collection.ChangeDelete:
			if owned && owner == memberID {
				delete(u.owner, ch.Key)
				tx.Delete(ch.Key)
			}
		default:
			if owned && owner != memberID {
				u.mu.Unlock()
				u.onErr(&ConflictError{Key: ch.Key, Owner: owner, Attempted: memberID})
				u.mu.Lock()
				continue
			}
			u.owner[ch.Key] = memberID
			if ch.Kind == collection.ChangeUpdate {
				tx.Update(ch.Key, ch.Value)
			} else {
				tx.Insert(ch.Key, ch.Value)
			}
		}
	}
	u.mu.Unlock()
	if err := tx.Commit(); err != nil {
		u.onErr(err)
	}
}
