package dynval

import "testing"

func TestGetTraversesNestedObjectPath(t *testing.T) {
	v := Object(map[string]Value{
		"user": Object(map[string]Value{
			"name": String("ada"),
		}),
	})
	if got := v.Get("user", "name"); got.S != "ada" {
		t.Errorf("want ada, got %v", got)
	}
	if got := v.Get("user", "missing"); !got.IsNull() {
		t.Errorf("want Null for a missing hop, got %v", got)
	}
	if got := v.Get("user", "name", "tooDeep"); !got.IsNull() {
		t.Errorf("want Null when descending past a non-Object leaf, got %v", got)
	}
}

func TestCompareOrdersAcrossKindsByKind(t *testing.T) {
	if Compare(Null(), Int(1)) >= 0 {
		t.Error("want Null to sort before Int")
	}
	if Compare(Int(1), Int(2)) >= 0 {
		t.Error("want Int(1) < Int(2)")
	}
	if Compare(String("a"), String("b")) >= 0 {
		t.Error("want 'a' < 'b'")
	}
}

func TestEqualUsesStructuralFingerprintIgnoringFieldOrder(t *testing.T) {
	a := Object(map[string]Value{"x": Int(1), "y": Int(2)})
	b := Object(map[string]Value{"y": Int(2), "x": Int(1)})
	if !Equal(a, b) {
		t.Error("want two objects with the same fields to be Equal regardless of map iteration order")
	}
	c := Object(map[string]Value{"x": Int(1), "y": Int(3)})
	if Equal(a, c) {
		t.Error("want differing field values to be unequal")
	}
}

func TestFingerprintDistinguishesIntFromStringWithSameText(t *testing.T) {
	if Fingerprint(Int(5)) == Fingerprint(String("5")) {
		t.Error("want Int(5) and String(\"5\") to fingerprint differently")
	}
}

func TestKeyFromValueRejectsNonScalarKinds(t *testing.T) {
	if _, err := KeyFromValue(Bool(true)); err == nil {
		t.Error("want an error deriving a Key from a Bool value")
	}
	k, err := KeyFromValue(String("abc"))
	if err != nil || k.S != "abc" || k.IsI {
		t.Errorf("want a string key, got %+v (err %v)", k, err)
	}
}

func TestWithFieldReturnsShallowCopyLeavingOriginalUntouched(t *testing.T) {
	orig := Object(map[string]Value{"a": Int(1)})
	updated := orig.WithField("b", Int(2))
	if _, ok := orig.Obj["b"]; ok {
		t.Error("want WithField to leave the original object unmodified")
	}
	if updated.Obj["a"].I != 1 || updated.Obj["b"].I != 2 {
		t.Errorf("want updated to carry both fields, got %+v", updated.Obj)
	}
}

func TestTruthyTreatsNullAsFalseAndZeroAsFalse(t *testing.T) {
	if Null().Truthy() {
		t.Error("want Null to be falsy")
	}
	if Int(0).Truthy() {
		t.Error("want Int(0) to be falsy")
	}
	if !Int(1).Truthy() {
		t.Error("want Int(1) to be truthy")
	}
	if !String("x").Truthy() || String("").Truthy() {
		t.Error("want non-empty string truthy, empty string falsy")
	}
}
