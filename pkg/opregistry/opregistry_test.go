package opregistry_test

import (
	"testing"

	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/ir"
	"github.com/tursodatabase/qflux/pkg/opregistry"
)

func evalBuiltin(t *testing.T, name string, args []ir.Evaluator, row dynval.Value) dynval.Value {
	t.Helper()
	r := opregistry.NewRegistry()
	compile, ok := r.Lookup(name)
	if !ok {
		t.Fatalf("builtin %q not registered", name)
	}
	v, err := compile(args, false)(row)
	if err != nil {
		t.Fatalf("eval %q: %v", name, err)
	}
	return v
}

func lit(v dynval.Value) ir.Evaluator {
	return func(dynval.Value) (dynval.Value, error) { return v, nil }
}

func TestComparisonOperatorsPropagateNullAsUnknown(t *testing.T) {
	got := evalBuiltin(t, "gt", []ir.Evaluator{lit(dynval.Null()), lit(dynval.Int(1))}, dynval.Null())
	if !got.IsNull() {
		t.Errorf("want gt(null, 1) to propagate as unknown (Null), got %v", got)
	}
}

func TestEqReturnsBoolForComparableOperands(t *testing.T) {
	got := evalBuiltin(t, "eq", []ir.Evaluator{lit(dynval.Int(5)), lit(dynval.Int(5))}, dynval.Null())
	if got.Kind != dynval.KindBool || !got.B {
		t.Errorf("want eq(5,5)=true, got %v", got)
	}
}

func TestLikeMatchesSQLWildcards(t *testing.T) {
	got := evalBuiltin(t, "like", []ir.Evaluator{lit(dynval.String("hello world")), lit(dynval.String("hell%"))}, dynval.Null())
	if !got.B {
		t.Error("want 'hello world' LIKE 'hell%' to match")
	}
	got = evalBuiltin(t, "like", []ir.Evaluator{lit(dynval.String("hello world")), lit(dynval.String("h_llo%"))}, dynval.Null())
	if !got.B {
		t.Error("want 'hello world' LIKE 'h_llo%' to match via the single-char wildcard")
	}
}

func TestIlikeIsCaseInsensitive(t *testing.T) {
	got := evalBuiltin(t, "ilike", []ir.Evaluator{lit(dynval.String("HELLO")), lit(dynval.String("hello"))}, dynval.Null())
	if !got.B {
		t.Error("want ILIKE to match regardless of case")
	}
}

func TestCoalesceReturnsFirstNonNull(t *testing.T) {
	got := evalBuiltin(t, "coalesce", []ir.Evaluator{lit(dynval.Null()), lit(dynval.Null()), lit(dynval.String("x"))}, dynval.Null())
	if got.S != "x" {
		t.Errorf("want coalesce to skip nulls and return 'x', got %v", got)
	}
}

func TestInOperatorMatchesAnyOfRemainingArgs(t *testing.T) {
	got := evalBuiltin(t, "in", []ir.Evaluator{lit(dynval.Int(2)), lit(dynval.Int(1)), lit(dynval.Int(2)), lit(dynval.Int(3))}, dynval.Null())
	if !got.B {
		t.Error("want 2 IN (1,2,3) to be true")
	}
	got = evalBuiltin(t, "in", []ir.Evaluator{lit(dynval.Int(9)), lit(dynval.Int(1)), lit(dynval.Int(2))}, dynval.Null())
	if got.B {
		t.Error("want 9 IN (1,2) to be false")
	}
}

func TestAndShortCircuitsOnFalseBeforeNull(t *testing.T) {
	got := evalBuiltin(t, "and", []ir.Evaluator{lit(dynval.Bool(false)), lit(dynval.Null())}, dynval.Null())
	if got.Kind != dynval.KindBool || got.B {
		t.Errorf("want and(false, null)=false, got %v", got)
	}
}
