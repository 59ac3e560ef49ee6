package meta

import (
	"strings"

	"github.com/quiverdb/quiver/metadata"
	"github.com/quiverdb/quiver/segment"
)

// buildGetQuery renders a GetRequest into a single SELECT over the
// records table. Every predicate leaf becomes an EXISTS subquery
// against record_metadata, so the evaluation matches the in-memory
// metadata.Where.Matches semantics: a key absent on a row never
// matches, regardless of the operator.
func buildGetQuery(req segment.GetRequest) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)

	sb.WriteString(`SELECT record_id, document, metadata_json FROM records r`)

	var conds []string

	if req.IDs != nil {
		if len(req.IDs) == 0 {
			conds = append(conds, `1 = 0`)
		} else {
			placeholders := strings.Repeat("?, ", len(req.IDs))
			conds = append(conds, `r.record_id IN (`+placeholders[:len(placeholders)-2]+`)`)

			for _, id := range req.IDs {
				args = append(args, id)
			}
		}
	}

	if req.Where != nil {
		sql, whereArgs := whereSQL(req.Where)
		conds = append(conds, sql)
		args = append(args, whereArgs...)
	}

	if req.WhereDocument != nil {
		sql, docArgs := documentSQL(req.WhereDocument)
		conds = append(conds, sql)
		args = append(args, docArgs...)
	}

	if len(conds) > 0 {
		sb.WriteString(` WHERE `)
		sb.WriteString(strings.Join(conds, ` AND `))
	}

	sb.WriteString(` ORDER BY r.id ASC`)

	if req.Limit > 0 || req.Offset > 0 {
		sb.WriteString(` LIMIT ? OFFSET ?`)

		limit := int64(req.Limit)
		if limit <= 0 {
			limit = -1 // no cap
		}

		args = append(args, limit, int64(req.Offset))
	}

	return sb.String(), args
}

func whereSQL(w *metadata.Where) (string, []any) {
	switch {
	case w.Cond != nil:
		return conditionSQL(w.Cond)
	case w.And != nil:
		return combineSQL(w.And, ` AND `)
	case w.Or != nil:
		return combineSQL(w.Or, ` OR `)
	default:
		return `1 = 0`, nil
	}
}

func combineSQL(children []*metadata.Where, sep string) (string, []any) {
	parts := make([]string, 0, len(children))

	var args []any

	for _, child := range children {
		sql, childArgs := whereSQL(child)
		parts = append(parts, sql)
		args = append(args, childArgs...)
	}

	return `(` + strings.Join(parts, sep) + `)`, args
}

// conditionSQL renders one leaf as an EXISTS subquery. Negated
// operators (ne, nin) still require the key to be present, so they
// negate the value clause inside the EXISTS rather than the EXISTS
// itself. COALESCE pins NULL comparisons to false before negation.
func conditionSQL(c *metadata.Condition) (string, []any) {
	var (
		clause string
		args   []any
	)

	switch c.Operator {
	case metadata.OpEqual:
		clause, args = equalitySQL(c.Value)
	case metadata.OpNotEqual:
		eq, eqArgs := equalitySQL(c.Value)
		clause, args = `NOT COALESCE(`+eq+`, 0)`, eqArgs
	case metadata.OpGreaterThan:
		clause, args = orderingSQL(c.Value, `>`)
	case metadata.OpGreaterEqual:
		clause, args = orderingSQL(c.Value, `>=`)
	case metadata.OpLessThan:
		clause, args = orderingSQL(c.Value, `<`)
	case metadata.OpLessEqual:
		clause, args = orderingSQL(c.Value, `<=`)
	case metadata.OpIn:
		clause, args = membershipSQL(c.Values)
	case metadata.OpNotIn:
		in, inArgs := membershipSQL(c.Values)
		clause, args = `NOT COALESCE(`+in+`, 0)`, inArgs
	default:
		return `1 = 0`, nil
	}

	sql := `EXISTS (SELECT 1 FROM record_metadata m WHERE m.record_id = r.id AND m.key = ? AND (` + clause + `))`

	return sql, append([]any{c.Key}, args...)
}

// equalitySQL mirrors the cross-numeric equality of the in-memory
// comparator: int operands compare exactly against int rows and as
// floats against float rows, and vice versa.
func equalitySQL(v metadata.Value) (string, []any) {
	switch v.Kind {
	case metadata.KindString:
		return `m.string_value = ?`, []any{v.S}
	case metadata.KindBool:
		return `m.bool_value = ?`, []any{v.B}
	case metadata.KindInt:
		return `(m.int_value = ? OR m.float_value = CAST(? AS REAL))`, []any{v.I64, v.I64}
	case metadata.KindFloat:
		return `(m.float_value = ? OR CAST(m.int_value AS REAL) = ?)`, []any{v.F64, v.F64}
	default:
		return `1 = 0`, nil
	}
}

// orderingSQL compares numbers against numeric rows and strings against
// string rows; kinds never compare across that boundary.
func orderingSQL(v metadata.Value, op string) (string, []any) {
	switch v.Kind {
	case metadata.KindString:
		return `m.string_value ` + op + ` ?`, []any{v.S}
	case metadata.KindInt, metadata.KindFloat:
		return `COALESCE(CAST(m.int_value AS REAL), m.float_value) ` + op + ` ?`, []any{v.Number()}
	default:
		return `1 = 0`, nil
	}
}

func membershipSQL(values []metadata.Value) (string, []any) {
	parts := make([]string, 0, len(values))

	var args []any

	for _, v := range values {
		sql, vArgs := equalitySQL(v)
		parts = append(parts, sql)
		args = append(args, vArgs...)
	}

	return `(` + strings.Join(parts, ` OR `) + `)`, args
}

// documentSQL renders a document filter. instr is a case-sensitive
// substring search, matching the in-memory evaluation; LIKE would be
// ASCII case-insensitive and diverge. Contains requires a document;
// NotContains also matches rows without one, via the COALESCE over the
// NULL instr result.
func documentSQL(f *metadata.DocumentFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if f.Contains != "" {
		conds = append(conds, `instr(r.document, ?) > 0`)
		args = append(args, f.Contains)
	}

	if f.NotContains != "" {
		conds = append(conds, `COALESCE(instr(r.document, ?), 0) = 0`)
		args = append(args, f.NotContains)
	}

	return `(` + strings.Join(conds, ` AND `) + `)`, args
}
