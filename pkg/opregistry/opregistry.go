// Package opregistry implements the operator plugin interface of spec.md §6:
// defineOperator({name, compile}), plus the comparison/transform/numeric/
// isUnknown helper constructors.
package opregistry

import (
	"fmt"

	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/ir"
)

// Registry is the injected environment the compiler carries for resolving
// Func nodes that don't embed their own Factory (§9: "injected environment
// structs carried by the compiler, not process-wide singletons").
type Registry struct {
	compilers map[string]func(args []ir.Evaluator, isSingleRow bool) ir.Evaluator
}

func NewRegistry() *Registry {
	r := &Registry{compilers: make(map[string]func([]ir.Evaluator, bool) ir.Evaluator)}
	r.registerBuiltins()
	return r
}

// Define registers name -> compile, matching defineOperator's shape; it
// returns a Func-node builder for callers constructing IR by hand.
func (r *Registry) Define(name string, compile func(compiledArgs []ir.Evaluator, isSingleRow bool) ir.Evaluator) func(args ...ir.Expr) ir.Func {
	r.compilers[name] = compile
	return func(args ...ir.Expr) ir.Func {
		return ir.Func{Name: name, Args: args}
	}
}

// Lookup resolves a previously-defined operator's compile function.
func (r *Registry) Lookup(name string) (func([]ir.Evaluator, bool) ir.Evaluator, bool) {
	c, ok := r.compilers[name]
	return c, ok
}

// IsUnknown reports whether v should be treated as SQL-style NULL/unknown
// for three-valued comparison logic.
func IsUnknown(v dynval.Value) bool { return v.Kind == dynval.KindNull }

// Comparison builds a compile func for a binary comparison operator: both
// args are evaluated per row; if either is unknown the result is unknown
// (propagated as Null rather than Bool false).
func Comparison(cmp func(a, b dynval.Value) (bool, error)) func([]ir.Evaluator, bool) ir.Evaluator {
	return func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			if len(args) != 2 {
				return dynval.Value{}, fmt.Errorf("opregistry: comparison requires 2 args, got %d", len(args))
			}
			a, err := args[0](row)
			if err != nil {
				return dynval.Value{}, err
			}
			b, err := args[1](row)
			if err != nil {
				return dynval.Value{}, err
			}
			if IsUnknown(a) || IsUnknown(b) {
				return dynval.Null(), nil
			}
			ok, err := cmp(a, b)
			if err != nil {
				return dynval.Value{}, err
			}
			return dynval.Bool(ok), nil
		}
	}
}

// Transform builds a compile func for a unary value transform.
func Transform(fn func(v dynval.Value) (dynval.Value, error)) func([]ir.Evaluator, bool) ir.Evaluator {
	return func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			if len(args) != 1 {
				return dynval.Value{}, fmt.Errorf("opregistry: transform requires 1 arg, got %d", len(args))
			}
			v, err := args[0](row)
			if err != nil {
				return dynval.Value{}, err
			}
			if IsUnknown(v) {
				return dynval.Null(), nil
			}
			return fn(v)
		}
	}
}

// Numeric builds a compile func for a binary numeric operator.
func Numeric(bin func(a, b float64) float64) func([]ir.Evaluator, bool) ir.Evaluator {
	return func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			if len(args) != 2 {
				return dynval.Value{}, fmt.Errorf("opregistry: numeric requires 2 args, got %d", len(args))
			}
			a, err := args[0](row)
			if err != nil {
				return dynval.Value{}, err
			}
			b, err := args[1](row)
			if err != nil {
				return dynval.Value{}, err
			}
			if IsUnknown(a) || IsUnknown(b) {
				return dynval.Null(), nil
			}
			af, ok1 := a.AsFloat()
			bf, ok2 := b.AsFloat()
			if !ok1 || !ok2 {
				return dynval.Value{}, fmt.Errorf("opregistry: numeric operator requires numeric operands")
			}
			return dynval.Float(bin(af, bf)), nil
		}
	}
}

func (r *Registry) registerBuiltins() {
	r.Define("eq", Comparison(func(a, b dynval.Value) (bool, error) { return dynval.Compare(a, b) == 0, nil }))
	r.Define("ne", Comparison(func(a, b dynval.Value) (bool, error) { return dynval.Compare(a, b) != 0, nil }))
	r.Define("gt", Comparison(func(a, b dynval.Value) (bool, error) { return dynval.Compare(a, b) > 0, nil }))
	r.Define("gte", Comparison(func(a, b dynval.Value) (bool, error) { return dynval.Compare(a, b) >= 0, nil }))
	r.Define("lt", Comparison(func(a, b dynval.Value) (bool, error) { return dynval.Compare(a, b) < 0, nil }))
	r.Define("lte", Comparison(func(a, b dynval.Value) (bool, error) { return dynval.Compare(a, b) <= 0, nil }))

	r.Define("add", Numeric(func(a, b float64) float64 { return a + b }))
	r.Define("sub", Numeric(func(a, b float64) float64 { return a - b }))
	r.Define("mul", Numeric(func(a, b float64) float64 { return a * b }))
	r.Define("div", Numeric(func(a, b float64) float64 { return a / b }))

	r.Define("and", func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			result := true
			sawNull := false
			for _, a := range args {
				v, err := a(row)
				if err != nil {
					return dynval.Value{}, err
				}
				if IsUnknown(v) {
					sawNull = true
					continue
				}
				if !v.Truthy() {
					return dynval.Bool(false), nil
				}
			}
			if sawNull {
				return dynval.Null(), nil
			}
			return dynval.Bool(result), nil
		}
	})
	r.Define("or", func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			sawNull := false
			for _, a := range args {
				v, err := a(row)
				if err != nil {
					return dynval.Value{}, err
				}
				if IsUnknown(v) {
					sawNull = true
					continue
				}
				if v.Truthy() {
					return dynval.Bool(true), nil
				}
			}
			if sawNull {
				return dynval.Null(), nil
			}
			return dynval.Bool(false), nil
		}
	})
	r.Define("not", Transform(func(v dynval.Value) (dynval.Value, error) { return dynval.Bool(!v.Truthy()), nil }))

	r.Define("like", Comparison(func(a, b dynval.Value) (bool, error) { return likeMatch(a.S, b.S, false), nil }))
	r.Define("ilike", Comparison(func(a, b dynval.Value) (bool, error) { return likeMatch(a.S, b.S, true), nil }))

	r.Define("concat", func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			var sb []byte
			for _, a := range args {
				v, err := a(row)
				if err != nil {
					return dynval.Value{}, err
				}
				sb = append(sb, []byte(stringify(v))...)
			}
			return dynval.String(string(sb)), nil
		}
	})
	r.Define("coalesce", func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			for _, a := range args {
				v, err := a(row)
				if err != nil {
					return dynval.Value{}, err
				}
				if !IsUnknown(v) {
					return v, nil
				}
			}
			return dynval.Null(), nil
		}
	})
	r.Define("in", func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			if len(args) < 1 {
				return dynval.Bool(false), nil
			}
			needle, err := args[0](row)
			if err != nil {
				return dynval.Value{}, err
			}
			if IsUnknown(needle) {
				return dynval.Null(), nil
			}
			for _, a := range args[1:] {
				v, err := a(row)
				if err != nil {
					return dynval.Value{}, err
				}
				if dynval.Compare(needle, v) == 0 {
					return dynval.Bool(true), nil
				}
			}
			return dynval.Bool(false), nil
		}
	})
	r.Define("isNull", func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			v, err := args[0](row)
			if err != nil {
				return dynval.Value{}, err
			}
			return dynval.Bool(v.Kind == dynval.KindNull), nil
		}
	})
	r.Define("isUndefined", func(args []ir.Evaluator, _ bool) ir.Evaluator {
		return func(row dynval.Value) (dynval.Value, error) {
			v, err := args[0](row)
			if err != nil {
				return dynval.Value{}, err
			}
			return dynval.Bool(v.Kind == dynval.KindNull), nil
		}
	})
}

func stringify(v dynval.Value) string {
	switch v.Kind {
	case dynval.KindString:
		return v.S
	case dynval.KindNull:
		return ""
	default:
		return dynval.Fingerprint(v)
	}
}

// likeMatch implements SQL LIKE/ILIKE with % and _ wildcards via a small
// recursive matcher (no regexp compile on the hot path).
func likeMatch(s, pattern string, ci bool) bool {
	if ci {
		s = foldCase(s)
		pattern = foldCase(pattern)
	}
	return likeMatchRunes([]rune(s), []rune(pattern))
}

func foldCase(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r = r - 'A' + 'a'
		}
		out = append(out, r)
	}
	return string(out)
}

func likeMatchRunes(s, p []rune) bool {
	if len(p) == 0 {
		return len(s) == 0
	}
	switch p[0] {
	case '%':
		if likeMatchRunes(s, p[1:]) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if likeMatchRunes(s[i+1:], p[1:]) {
				return true
			}
		}
		return false
	case '_':
		if len(s) == 0 {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	default:
		if len(s) == 0 || s[0] != p[0] {
			return false
		}
		return likeMatchRunes(s[1:], p[1:])
	}
}
