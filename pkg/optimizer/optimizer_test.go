package optimizer_test

import (
	"testing"

	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/ir"
	"github.com/tursodatabase/qflux/pkg/opregistry"
	"github.com/tursodatabase/qflux/pkg/optimizer"
)

func TestOptimizePushesSingleAliasPredicateIntoSourceWhereClauses(t *testing.T) {
	reg := opregistry.NewRegistry()
	eq, _ := reg.Lookup("eq")
	_ = eq

	q := &ir.Query{
		From: ir.CollectionRef{Alias: "o", CollectionID: "orders"},
		Where: []ir.Expr{
			ir.Func{Name: "eq", Args: []ir.Expr{ir.NewRef("o", "status"), ir.Val{Value: dynval.String("open")}}},
		},
	}
	res := optimizer.Optimize(q)

	if len(res.Query.Where) != 0 {
		t.Errorf("want the single-alias predicate pulled out of Where, got %+v", res.Query.Where)
	}
	if len(res.SourceWhereClauses["o"]) != 1 {
		t.Errorf("want the predicate pushed into sourceWhereClauses[\"o\"], got %+v", res.SourceWhereClauses)
	}
}

func TestOptimizeLeavesMultiAliasPredicateInWhere(t *testing.T) {
	q := &ir.Query{
		From: ir.CollectionRef{Alias: "u", CollectionID: "users"},
		Join: []ir.Join{{Kind: ir.InnerJoin, Alias: "o", Source: ir.CollectionRef{Alias: "o", CollectionID: "orders"}}},
		Where: []ir.Expr{
			ir.Func{Name: "eq", Args: []ir.Expr{ir.NewRef("u", "id"), ir.NewRef("o", "userId")}},
		},
	}
	res := optimizer.Optimize(q)
	if len(res.Query.Where) != 1 {
		t.Errorf("want a cross-alias predicate to remain in Where, got %+v", res.Query.Where)
	}
	if len(res.SourceWhereClauses["u"]) != 0 || len(res.SourceWhereClauses["o"]) != 0 {
		t.Errorf("want no source pushdown for a cross-alias predicate, got %+v", res.SourceWhereClauses)
	}
}

func TestOptimizeFlattensTrivialPassThroughSubquery(t *testing.T) {
	inner := &ir.Query{From: ir.CollectionRef{Alias: "x", CollectionID: "orders"}}
	q := &ir.Query{From: ir.QueryRef{Alias: "o", Query: inner}}

	res := optimizer.Optimize(q)
	cref, ok := res.Query.From.(ir.CollectionRef)
	if !ok {
		t.Fatalf("want a trivial subquery flattened into a direct CollectionRef, got %T", res.Query.From)
	}
	if cref.Alias != "o" || cref.CollectionID != "orders" {
		t.Errorf("want flattened ref to keep the outer alias and inner collection, got %+v", cref)
	}
}

func TestOptimizeDoesNotFlattenSubqueryWithItsOwnSelect(t *testing.T) {
	inner := &ir.Query{
		From:   ir.CollectionRef{Alias: "x", CollectionID: "orders"},
		Select: []ir.SelectItem{{Expr: ir.NewRef("x", "amount")}},
	}
	q := &ir.Query{From: ir.QueryRef{Alias: "o", Query: inner}}

	res := optimizer.Optimize(q)
	if _, ok := res.Query.From.(ir.QueryRef); !ok {
		t.Errorf("want a subquery with its own Select left un-flattened, got %T", res.Query.From)
	}
}
