package compiler_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/pkg/collection"
	"github.com/tursodatabase/qflux/pkg/compiler"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/ir"
	"github.com/tursodatabase/qflux/pkg/livequery"
	"github.com/tursodatabase/qflux/pkg/query"
)

func newReadyCollection(t *testing.T, id string) *collection.Collection {
	t.Helper()
	col := collection.New(id, nil, zap.NewNop())
	if err := col.Start(context.Background()); err != nil {
		t.Fatalf("col.Start(%s): %v", id, err)
	}
	return col
}

func insertRow(t *testing.T, col *collection.Collection, key dynval.Key, row dynval.Value) {
	t.Helper()
	tx := col.Begin()
	tx.Insert(key, row)
	if err := tx.Commit(); err != nil {
		t.Fatalf("tx.Commit: %v", err)
	}
}

func TestCompilerInnerJoinMatchesAcrossCollections(t *testing.T) {
	users := newReadyCollection(t, "users")
	orders := newReadyCollection(t, "orders")
	insertRow(t, users, dynval.IntKey(1), dynval.Object(map[string]dynval.Value{
		"id": dynval.Int(1), "name": dynval.String("ada"),
	}))
	insertRow(t, orders, dynval.IntKey(10), dynval.Object(map[string]dynval.Value{
		"id": dynval.Int(10), "userId": dynval.Int(1), "amount": dynval.Int(50),
	}))

	env := compiler.NewEnv(zap.NewNop())
	b := query.From("u", "users").
		Join(ir.InnerJoin, "o", "orders", query.Ref("u", "id"), query.Ref("o", "userId")).
		Select(
			query.Sel(query.Ref("u", "name"), "name"),
			query.Sel(query.Ref("o", "amount"), "amount"),
		)

	cols := map[string]*collection.Collection{"users": users, "orders": orders}
	lq, err := livequery.Build(env, zap.NewNop(), b.Build(), cols, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer lq.Close()

	rows := lq.Snapshot()
	if len(rows) != 1 {
		t.Fatalf("want 1 joined row, got %d: %+v", len(rows), rows)
	}
	for _, v := range rows {
		if got := v.Get("$selected", "name"); got.S != "ada" {
			t.Errorf("want name=ada, got %v", got)
		}
		if got := v.Get("$selected", "amount"); got.I != 50 {
			t.Errorf("want amount=50, got %v", got)
		}
	}

	// An order for an unknown user must not appear under an inner join.
	insertRow(t, orders, dynval.IntKey(11), dynval.Object(map[string]dynval.Value{
		"id": dynval.Int(11), "userId": dynval.Int(999), "amount": dynval.Int(1),
	}))
	if len(lq.Snapshot()) != 1 {
		t.Errorf("want orphaned order to be dropped by inner join, got %d rows", len(lq.Snapshot()))
	}
}

func TestCompilerLeftJoinRetractsUnmatchedRowOnceMatchAppears(t *testing.T) {
	users := newReadyCollection(t, "users")
	orders := newReadyCollection(t, "orders")
	insertRow(t, users, dynval.IntKey(1), dynval.Object(map[string]dynval.Value{
		"id": dynval.Int(1), "name": dynval.String("ada"),
	}))

	env := compiler.NewEnv(zap.NewNop())
	b := query.From("u", "users").
		Join(ir.LeftJoin, "o", "orders", query.Ref("u", "id"), query.Ref("o", "userId")).
		Select(
			query.Sel(query.Ref("u", "name"), "name"),
			query.Sel(query.Ref("o", "amount"), "amount"),
		)

	cols := map[string]*collection.Collection{"users": users, "orders": orders}
	lq, err := livequery.Build(env, zap.NewNop(), b.Build(), cols, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer lq.Close()

	rows := lq.Snapshot()
	if len(rows) != 1 {
		t.Fatalf("want 1 unmatched-left row before any order exists, got %d", len(rows))
	}
	for _, v := range rows {
		if got := v.Get("$selected", "amount"); !got.IsNull() {
			t.Errorf("want amount=null for the unmatched side, got %v", got)
		}
	}

	insertRow(t, orders, dynval.IntKey(10), dynval.Object(map[string]dynval.Value{
		"id": dynval.Int(10), "userId": dynval.Int(1), "amount": dynval.Int(50),
	}))

	rows = lq.Snapshot()
	if len(rows) != 1 {
		t.Fatalf("want the unmatched row retracted and replaced by the matched one, got %d rows", len(rows))
	}
	for _, v := range rows {
		if got := v.Get("$selected", "amount"); got.I != 50 {
			t.Errorf("want amount=50 once the order arrives, got %v", got)
		}
	}
}

func TestCompilerGroupBySum(t *testing.T) {
	orders := newReadyCollection(t, "orders")
	insertRow(t, orders, dynval.IntKey(1), dynval.Object(map[string]dynval.Value{
		"userId": dynval.Int(1), "amount": dynval.Int(30),
	}))
	insertRow(t, orders, dynval.IntKey(2), dynval.Object(map[string]dynval.Value{
		"userId": dynval.Int(1), "amount": dynval.Int(70),
	}))
	insertRow(t, orders, dynval.IntKey(3), dynval.Object(map[string]dynval.Value{
		"userId": dynval.Int(2), "amount": dynval.Int(5),
	}))

	env := compiler.NewEnv(zap.NewNop())
	b := query.From("o", "orders").
		GroupBy(query.Ref("o", "userId")).
		Select(
			query.Sel(query.Ref("o", "userId"), "userId"),
			query.Sel(query.Agg("sum", nil, query.Ref("o", "amount")), "total"),
		)

	cols := map[string]*collection.Collection{"orders": orders}
	lq, err := livequery.Build(env, zap.NewNop(), b.Build(), cols, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer lq.Close()

	rows := lq.Snapshot()
	if len(rows) != 2 {
		t.Fatalf("want 2 groups, got %d", len(rows))
	}
	totals := map[int64]float64{}
	for _, v := range rows {
		userID := v.Get("$selected", "userId").I
		totals[userID], _ = v.Get("$selected", "total").AsFloat()
	}
	if totals[1] != 100 {
		t.Errorf("want user 1's total=100, got %v", totals[1])
	}
	if totals[2] != 5 {
		t.Errorf("want user 2's total=5, got %v", totals[2])
	}
}

// TestCompilerIncludesAliasCollisionIsRejected exercises spec.md §4.7's
// alias-scoping rule for a correlated includes-subquery: a child query
// reusing its parent's own direct-collection alias must fail to compile.
func TestCompilerIncludesAliasCollisionIsRejected(t *testing.T) {
	users := newReadyCollection(t, "users")
	orders := newReadyCollection(t, "orders")

	env := compiler.NewEnv(zap.NewNop())
	child := query.From("u", "orders"). // reuses the parent's "u" alias
						Select(query.Sel(query.Ref("u", "id"), "id"))
	parent := query.From("u", "users").
		Select(
			query.Sel(query.Ref("u", "id"), "id"),
			query.Includes("orders", child, query.Ref("u", "id"), query.Ref("u", "id"), true),
		)

	cols := map[string]*collection.Collection{"users": users, "orders": orders}
	_, err := livequery.Build(env, zap.NewNop(), parent.Build(), cols, nil)
	if err == nil {
		t.Fatal("expected an alias-collision compile error")
	}
}
