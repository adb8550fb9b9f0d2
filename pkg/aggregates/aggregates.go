// Package aggregates implements the pluggable aggregate-function interface
// of spec.md §4.5 and §6: defineAggregate({name, factory, valueTransform}).
package aggregates

import (
	"fmt"
	"sort"

	"github.com/tursodatabase/qflux/pkg/dynval"
)

// ValueTransform coerces a raw row value before it reaches preMap.
type ValueTransform uint8

const (
	// Numeric rejects anything that isn't Int/Float.
	Numeric ValueTransform = iota
	// NumericOrDate additionally accepts Date, coerced to epoch ms.
	NumericOrDate
	// Raw forwards the value unchanged, letting the aggregate itself reject.
	Raw
)

// Contribution pairs one row's extracted value with its live multiplicity.
type Contribution struct {
	Value        dynval.Value
	Multiplicity int64
}

// Spec is one aggregate's plugin implementation: preMap converts a row to an
// accumulator-contributing value, Reduce folds the live contributions into
// an aggregate, and PostMap (optional) finalizes the result.
type Spec struct {
	Name           string
	ValueTransform ValueTransform
	PreMap         func(row dynval.Value) (dynval.Value, error)
	Reduce         func(contribs []Contribution) (dynval.Value, error)
	PostMap        func(dynval.Value) dynval.Value
}

// Factory builds a Spec given a valueExtractor (typically a compiled Ref or
// expression evaluator), matching the §6 defineAggregate plugin interface.
type Factory func(valueExtractor func(dynval.Value) (dynval.Value, error)) Spec

// Registry is the injected environment carrying built-in and user-defined
// aggregate factories; the compiler is handed one rather than consulting a
// process-wide singleton (§9 design notes).
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.registerBuiltins()
	return r
}

// Define registers name -> factory, implementing the public defineAggregate
// surface; it returns the factory itself so callers can build IR nodes.
func (r *Registry) Define(name string, f Factory) Factory {
	r.factories[name] = f
	return f
}

// Lookup resolves a previously-defined aggregate factory by name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

func transform(vt ValueTransform, v dynval.Value) (dynval.Value, error) {
	switch vt {
	case Raw:
		return v, nil
	case NumericOrDate:
		if v.Kind == dynval.KindDate {
			return dynval.Float(float64(v.D.UnixMilli())), nil
		}
		fallthrough
	case Numeric:
		f, ok := v.AsFloat()
		if !ok {
			if v.Kind == dynval.KindNull {
				return dynval.Null(), nil
			}
			return dynval.Value{}, fmt.Errorf("aggregates: cannot coerce %s to numeric", v.Kind)
		}
		return dynval.Float(f), nil
	default:
		return v, nil
	}
}

func (r *Registry) registerBuiltins() {
	r.Define("sum", func(extract func(dynval.Value) (dynval.Value, error)) Spec {
		return Spec{
			Name:           "sum",
			ValueTransform: Numeric,
			PreMap: func(row dynval.Value) (dynval.Value, error) {
				v, err := extract(row)
				if err != nil {
					return dynval.Value{}, err
				}
				return transform(Numeric, v)
			},
			Reduce: func(contribs []Contribution) (dynval.Value, error) {
				var sum float64
				for _, c := range contribs {
					if c.Value.IsNull() {
						continue
					}
					f, _ := c.Value.AsFloat()
					sum += f * float64(c.Multiplicity)
				}
				return dynval.Float(sum), nil
			},
		}
	})

	r.Define("count", func(extract func(dynval.Value) (dynval.Value, error)) Spec {
		return Spec{
			Name:           "count",
			ValueTransform: Raw,
			PreMap: func(row dynval.Value) (dynval.Value, error) {
				return extract(row)
			},
			Reduce: func(contribs []Contribution) (dynval.Value, error) {
				var n int64
				for _, c := range contribs {
					if c.Value.IsNull() {
						continue
					}
					n += c.Multiplicity
				}
				return dynval.Int(n), nil
			},
		}
	})

	r.Define("avg", func(extract func(dynval.Value) (dynval.Value, error)) Spec {
		return Spec{
			Name:           "avg",
			ValueTransform: Numeric,
			PreMap: func(row dynval.Value) (dynval.Value, error) {
				v, err := extract(row)
				if err != nil {
					return dynval.Value{}, err
				}
				return transform(Numeric, v)
			},
			Reduce: func(contribs []Contribution) (dynval.Value, error) {
				var sum float64
				var n int64
				for _, c := range contribs {
					if c.Value.IsNull() {
						continue
					}
					f, _ := c.Value.AsFloat()
					sum += f * float64(c.Multiplicity)
					n += c.Multiplicity
				}
				if n == 0 {
					return dynval.Null(), nil
				}
				return dynval.Float(sum / float64(n)), nil
			},
		}
	})

	minmax := func(name string, pickLowest bool) Factory {
		return func(extract func(dynval.Value) (dynval.Value, error)) Spec {
			return Spec{
				Name:           name,
				ValueTransform: NumericOrDate,
				PreMap: func(row dynval.Value) (dynval.Value, error) {
					v, err := extract(row)
					if err != nil {
						return dynval.Value{}, err
					}
					return transform(NumericOrDate, v)
				},
				Reduce: func(contribs []Contribution) (dynval.Value, error) {
					present := make([]dynval.Value, 0, len(contribs))
					for _, c := range contribs {
						if c.Value.IsNull() || c.Multiplicity <= 0 {
							continue
						}
						present = append(present, c.Value)
					}
					if len(present) == 0 {
						return dynval.Null(), nil
					}
					sort.Slice(present, func(i, j int) bool { return dynval.Compare(present[i], present[j]) < 0 })
					if pickLowest {
						return present[0], nil
					}
					return present[len(present)-1], nil
				},
			}
		}
	}
	r.Define("min", minmax("min", true))
	r.Define("max", minmax("max", false))
}
