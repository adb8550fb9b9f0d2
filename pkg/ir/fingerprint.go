package ir

import (
	"fmt"
	"strings"

	"github.com/tursodatabase/qflux/pkg/dynval"
)

// Fingerprint computes a cheap, deterministic structural signature over an
// IR query (§4.13): stable concatenation of collection IDs, ref paths,
// literal values, operator names/args, and structural markers for
// F|J|W|S|G|H|O|L|X|D|1 (from/join/where/select/groupBy/having/orderBy/
// limit/offset/distinct/singleResult).
func Fingerprint(q *Query) string {
	var sb strings.Builder
	writeQuery(&sb, q)
	return sb.String()
}

func writeQuery(sb *strings.Builder, q *Query) {
	sb.WriteString("F:")
	writeFrom(sb, q.From)

	if len(q.Join) > 0 {
		sb.WriteString("|J:")
		for _, j := range q.Join {
			fmt.Fprintf(sb, "[%d,%s,", j.Kind, j.Alias)
			writeFrom(sb, j.Source)
			sb.WriteString(",")
			writeExpr(sb, j.Left)
			sb.WriteString("=")
			writeExpr(sb, j.Right)
			sb.WriteString("]")
		}
	}

	if len(q.Where) > 0 || len(q.FnWhere) > 0 {
		sb.WriteString("|W:")
		for _, w := range q.Where {
			writeExpr(sb, w)
			sb.WriteString(";")
		}
		fmt.Fprintf(sb, "fn%d", len(q.FnWhere))
	}

	if len(q.Select) > 0 {
		sb.WriteString("|S:")
		for _, s := range q.Select {
			sb.WriteString(s.OutputName())
			sb.WriteString("=")
			writeExpr(sb, s.Expr)
			sb.WriteString(";")
		}
	}

	if len(q.GroupBy) > 0 {
		sb.WriteString("|G:")
		for _, g := range q.GroupBy {
			writeExpr(sb, g)
			sb.WriteString(";")
		}
	}

	if len(q.Having) > 0 || len(q.FnHaving) > 0 {
		sb.WriteString("|H:")
		for _, h := range q.Having {
			writeExpr(sb, h)
			sb.WriteString(";")
		}
		fmt.Fprintf(sb, "fn%d", len(q.FnHaving))
	}

	if len(q.OrderBy) > 0 {
		sb.WriteString("|O:")
		for _, o := range q.OrderBy {
			writeExpr(sb, o.Expr)
			if o.Desc {
				sb.WriteString("↓")
			} else {
				sb.WriteString("↑")
			}
		}
	}

	if q.Limit != nil {
		fmt.Fprintf(sb, "|L:%d", *q.Limit)
	}
	if q.Offset != nil {
		fmt.Fprintf(sb, "|X:%d", *q.Offset)
	}
	if q.Distinct {
		sb.WriteString("|D")
	}
	if q.SingleResult {
		sb.WriteString("|1")
	}
}

func writeFrom(sb *strings.Builder, f From) {
	switch n := f.(type) {
	case CollectionRef:
		fmt.Fprintf(sb, "%s:%s", n.Alias, n.CollectionID)
	case QueryRef:
		sb.WriteString(n.Alias)
		sb.WriteString(":(")
		writeQuery(sb, n.Query)
		sb.WriteString(")")
	}
}

func writeExpr(sb *strings.Builder, e Expr) {
	switch n := e.(type) {
	case Ref:
		sb.WriteString(strings.Join(n.Path, "."))
	case Val:
		sb.WriteString(dynval.Fingerprint(n.Value))
	case Func:
		sb.WriteString(n.Name)
		sb.WriteString("(")
		for i, a := range n.Args {
			if i > 0 {
				sb.WriteString(",")
			}
			writeExpr(sb, a)
		}
		sb.WriteString(")")
	case Aggregate:
		sb.WriteString("agg:")
		sb.WriteString(n.Name)
		sb.WriteString("(")
		for i, a := range n.Args {
			if i > 0 {
				sb.WriteString(",")
			}
			writeExpr(sb, a)
		}
		sb.WriteString(")")
	case IncludesSubquery:
		sb.WriteString("includes:")
		sb.WriteString(n.FieldName)
		sb.WriteString("(")
		writeQuery(sb, n.Query)
		sb.WriteString(")")
	}
}
