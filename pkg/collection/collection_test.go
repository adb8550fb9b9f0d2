package collection

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/pkg/dynval"
)

func TestStartWithNilAdapterGoesReadyImmediately(t *testing.T) {
	c := New("users", nil, zap.NewNop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	status, err := c.StatusNow()
	if err != nil || status != StatusReady {
		t.Fatalf("want StatusReady, got %v (err %v)", status, err)
	}
}

func TestTxCommitAppliesAndBroadcastsAtomically(t *testing.T) {
	c := New("users", nil, zap.NewNop())
	_ = c.Start(context.Background())

	var seen []Change
	unsub := c.SubscribeChanges(&Subscriber{Changes: func(chs []Change) { seen = append(seen, chs...) }})
	defer unsub()

	tx := c.Begin()
	tx.Insert(dynval.IntKey(1), dynval.String("a"))
	tx.Insert(dynval.IntKey(2), dynval.String("b"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if c.Size() != 2 {
		t.Fatalf("want 2 rows, got %d", c.Size())
	}
	if len(seen) != 2 {
		t.Fatalf("want 2 changes broadcast, got %d", len(seen))
	}

	v, ok := c.Get(dynval.IntKey(1))
	if !ok || v.S != "a" {
		t.Errorf("want row 1 = \"a\", got %v (ok=%v)", v, ok)
	}
}

func TestTxUpdateCarriesPreviousValue(t *testing.T) {
	c := New("users", nil, zap.NewNop())
	_ = c.Start(context.Background())

	tx := c.Begin()
	tx.Insert(dynval.IntKey(1), dynval.String("old"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}

	var updateSeen Change
	unsub := c.SubscribeChanges(&Subscriber{Changes: func(chs []Change) {
		for _, ch := range chs {
			if ch.Kind == ChangeUpdate {
				updateSeen = ch
			}
		}
	}})
	defer unsub()

	tx = c.Begin()
	tx.Update(dynval.IntKey(1), dynval.String("new"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit update: %v", err)
	}

	if updateSeen.Previous.S != "old" || updateSeen.Value.S != "new" {
		t.Errorf("want previous=old value=new, got %+v", updateSeen)
	}
}

func TestSubscribeChangesReplaysSnapshotAndStatus(t *testing.T) {
	c := New("users", nil, zap.NewNop())
	_ = c.Start(context.Background())

	tx := c.Begin()
	tx.Insert(dynval.IntKey(1), dynval.String("a"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var replayed []Change
	var gotStatus Status
	c.SubscribeChanges(&Subscriber{
		Changes: func(chs []Change) { replayed = append(replayed, chs...) },
		Status:  func(s Status) { gotStatus = s },
	})

	if len(replayed) != 1 || replayed[0].Kind != ChangeInsert {
		t.Errorf("want replay of the 1 existing row as an insert, got %+v", replayed)
	}
	if gotStatus != StatusReady {
		t.Errorf("want StatusReady replayed synchronously, got %v", gotStatus)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	c := New("users", nil, zap.NewNop())
	_ = c.Start(context.Background())

	tx := c.Begin()
	tx.Insert(dynval.IntKey(1), dynval.String("a"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}

	tx = c.Begin()
	tx.Delete(dynval.IntKey(1))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit delete: %v", err)
	}

	if _, ok := c.Get(dynval.IntKey(1)); ok {
		t.Error("want row removed after delete")
	}
	if c.Size() != 0 {
		t.Errorf("want size 0, got %d", c.Size())
	}
}

func TestTxCommitCollapsesDeleteThenInsertOnSameKeyToOneInsert(t *testing.T) {
	c := New("users", nil, zap.NewNop())
	_ = c.Start(context.Background())

	tx := c.Begin()
	tx.Insert(dynval.IntKey(1), dynval.String("a"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit initial insert: %v", err)
	}

	var got []Change
	unsub := c.SubscribeChanges(&Subscriber{Changes: func(chs []Change) { got = append(got, chs...) }})
	defer unsub()

	tx = c.Begin()
	tx.Delete(dynval.IntKey(1))
	tx.Insert(dynval.IntKey(1), dynval.String("b"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit delete+insert: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("want exactly 1 collapsed change broadcast, got %d: %+v", len(got), got)
	}
	if got[0].Kind != ChangeInsert || !dynval.Equal(got[0].Value, dynval.String("b")) {
		t.Errorf("want a single ChangeInsert with the final value, got %+v", got[0])
	}

	v, ok := c.Get(dynval.IntKey(1))
	if !ok || !dynval.Equal(v, dynval.String("b")) {
		t.Errorf("want row to hold the final inserted value, got %v, ok=%v", v, ok)
	}
}

func TestLoadSubsetNoAdapterIsNoop(t *testing.T) {
	c := New("users", nil, zap.NewNop())
	if err := c.LoadSubset(context.Background(), dynval.Null()); err != nil {
		t.Errorf("want nil-adapter LoadSubset to be a no-op, got %v", err)
	}
}
