// Package dynval implements the portable dynamic-value representation rows
// are built from: Null|Bool|Int|Float|String|Date|Array|Object, plus a
// canonical structural encoding used for hashing, equality, and fingerprinting
// across the engine (multiset consolidation, distinct, orderBy comparisons).
package dynval

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind tags the shape of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindDate
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindDate:
		return "date"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a schema-free row cell or namespaced-row field. Row records carried
// through the dataflow are typically Object values keyed by alias/field name.
type Value struct {
	Kind Kind
	B    bool
	I    int64
	F    float64
	S    string
	D    time.Time
	Arr  []Value
	Obj  map[string]Value
}

func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, B: b} }
func Int(i int64) Value          { return Value{Kind: KindInt, I: i} }
func Float(f float64) Value      { return Value{Kind: KindFloat, F: f} }
func String(s string) Value      { return Value{Kind: KindString, S: s} }
func Date(t time.Time) Value     { return Value{Kind: KindDate, D: t} }
func Array(vs ...Value) Value    { return Value{Kind: KindArray, Arr: vs} }
func Object(m map[string]Value) Value {
	return Value{Kind: KindObject, Obj: m}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Get reads a nested field path off an Object value, returning Null if any
// hop is missing or not an Object — used to evaluate Ref{path} expressions.
func (v Value) Get(path ...string) Value {
	cur := v
	for _, p := range path {
		if cur.Kind != KindObject {
			return Null()
		}
		next, ok := cur.Obj[p]
		if !ok {
			return Null()
		}
		cur = next
	}
	return cur
}

// WithField returns a shallow copy of an Object value with field set to val.
func (v Value) WithField(field string, val Value) Value {
	m := make(map[string]Value, len(v.Obj)+1)
	for k, vv := range v.Obj {
		m[k] = vv
	}
	m[field] = val
	return Object(m)
}

// Truthy implements the three-valued logic used by Filter: Null is treated as
// false for the purposes of filtering, but distinct from a real false when
// propagated through compositional boolean operators (And/Or/Not honor it).
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.B
	case KindNull:
		return false
	case KindInt:
		return v.I != 0
	case KindFloat:
		return v.F != 0
	case KindString:
		return v.S != ""
	default:
		return true
	}
}

// AsFloat coerces numeric-ish values for aggregate/comparison purposes.
// ok is false if the value cannot be coerced.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.I), true
	case KindFloat:
		return v.F, true
	case KindDate:
		return float64(v.D.UnixMilli()), true
	default:
		return 0, false
	}
}

// Compare provides a total order over Values for orderBy/topK and for
// canonicalizing Object key iteration. Cross-kind comparisons order by Kind.
func Compare(a, b Value) int {
	if a.Kind != b.Kind {
		if int(a.Kind) < int(b.Kind) {
			return -1
		}
		return 1
	}
	switch a.Kind {
	case KindNull:
		return 0
	case KindBool:
		return boolCompare(a.B, b.B)
	case KindInt:
		return intCompare(a.I, b.I)
	case KindFloat:
		return floatCompare(a.F, b.F)
	case KindString:
		return strings.Compare(a.S, b.S)
	case KindDate:
		return intCompare(a.D.UnixNano(), b.D.UnixNano())
	case KindArray:
		n := len(a.Arr)
		if len(b.Arr) < n {
			n = len(b.Arr)
		}
		for i := 0; i < n; i++ {
			if c := Compare(a.Arr[i], b.Arr[i]); c != 0 {
				return c
			}
		}
		return intCompare(int64(len(a.Arr)), int64(len(b.Arr)))
	case KindObject:
		return strings.Compare(Fingerprint(a), Fingerprint(b))
	default:
		return 0
	}
}

func boolCompare(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func intCompare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func floatCompare(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Equal reports structural equality, used by Distinct and Multiset
// consolidation to decide whether two entries denote "the same" value.
func Equal(a, b Value) bool {
	return Fingerprint(a) == Fingerprint(b)
}

// Fingerprint produces a deterministic, cheap structural signature for a
// Value: object keys are sorted before concatenation so duplicate entries
// with different field insertion order still compact to the same bucket.
func Fingerprint(v Value) string {
	var sb strings.Builder
	writeFingerprint(&sb, v)
	return sb.String()
}

func writeFingerprint(sb *strings.Builder, v Value) {
	switch v.Kind {
	case KindNull:
		sb.WriteString("N")
	case KindBool:
		if v.B {
			sb.WriteString("Bt")
		} else {
			sb.WriteString("Bf")
		}
	case KindInt:
		sb.WriteString("I")
		sb.WriteString(strconv.FormatInt(v.I, 10))
	case KindFloat:
		sb.WriteString("F")
		sb.WriteString(strconv.FormatFloat(v.F, 'g', -1, 64))
	case KindString:
		sb.WriteString("S")
		sb.WriteString(strconv.Itoa(len(v.S)))
		sb.WriteString(":")
		sb.WriteString(v.S)
	case KindDate:
		sb.WriteString("D")
		sb.WriteString(strconv.FormatInt(v.D.UnixMilli(), 10))
	case KindArray:
		sb.WriteString("A[")
		for i, e := range v.Arr {
			if i > 0 {
				sb.WriteString(",")
			}
			writeFingerprint(sb, e)
		}
		sb.WriteString("]")
	case KindObject:
		keys := make([]string, 0, len(v.Obj))
		for k := range v.Obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("O{")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(k)
			sb.WriteString("=")
			writeFingerprint(sb, v.Obj[k])
		}
		sb.WriteString("}")
	}
}

// Key is the value of a source's primary key: a string or integer, as spec'd
// for "Keyed record" in §3 of the specification.
type Key struct {
	S    string
	I    int64
	IsI  bool
}

func StringKey(s string) Key { return Key{S: s} }
func IntKey(i int64) Key     { return Key{I: i, IsI: true} }

func (k Key) String() string {
	if k.IsI {
		return strconv.FormatInt(k.I, 10)
	}
	return k.S
}

func KeyFromValue(v Value) (Key, error) {
	switch v.Kind {
	case KindString:
		return StringKey(v.S), nil
	case KindInt:
		return IntKey(v.I), nil
	default:
		return Key{}, fmt.Errorf("dynval: key must be string or int, got %s", v.Kind)
	}
}
