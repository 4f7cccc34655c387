package store

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/roach88/pitchside/internal/domain"
)

// Query selects records through a declared index.
//
// Equal binds the leading index columns in order. Range, if set, bounds the
// column that follows them. Results are ordered by the index columns and
// then by id.
type Query struct {
	// Index is a declared key such as "match_id" or "match_id,clock_ms".
	// Empty scans the table in id order.
	Index string
	Equal []any
	Range *Range

	// IncludeDeleted returns soft-deleted rows too.
	IncludeDeleted bool
	Descending     bool
	Limit          int
}

// Range is an inclusive bound. A nil side is open.
type Range struct {
	Lower any
	Upper any
}

// Query returns a lazy sequence of matching records. Each range over the
// sequence re-runs the query, so it can be iterated more than once.
//
// The store has a single connection and it is held while iterating: do not
// call other Store methods from inside the loop body. Use Collect when the
// results feed further writes.
func (s *Store) Query(ctx context.Context, table domain.Table, q Query) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		ts, err := specFor(table)
		if err != nil {
			yield(nil, err)
			return
		}
		query, args, err := ts.buildQuery(q)
		if err != nil {
			yield(nil, err)
			return
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("query %s: %w", table, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(table, rows)
			if err != nil {
				yield(nil, fmt.Errorf("query %s: %w", table, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("query %s: %w", table, err))
		}
	}
}

// Collect drains a sequence, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (ts *tableSpec) buildQuery(q Query) (string, []any, error) {
	var cols []string
	if q.Index != "" {
		if !ts.hasIndex(q.Index) {
			return "", nil, fmt.Errorf("query %s: undeclared index %q", ts.table, q.Index)
		}
		cols = strings.Split(q.Index, ",")
	}
	if len(q.Equal) > len(cols) {
		return "", nil, fmt.Errorf("query %s: %d values for index %q", ts.table, len(q.Equal), q.Index)
	}
	if q.Range != nil && len(q.Equal) >= len(cols) {
		return "", nil, fmt.Errorf("query %s: no index column left for range", ts.table)
	}

	var (
		where []string
		args  []any
	)
	if !q.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}
	for i, v := range q.Equal {
		where = append(where, cols[i]+" = ?")
		args = append(args, sqlArg(v))
	}
	if q.Range != nil {
		col := cols[len(q.Equal)]
		if q.Range.Lower != nil {
			where = append(where, col+" >= ?")
			args = append(args, sqlArg(q.Range.Lower))
		}
		if q.Range.Upper != nil {
			where = append(where, col+" <= ?")
			args = append(args, sqlArg(q.Range.Upper))
		}
	}

	var b strings.Builder
	b.WriteString(ts.selectSQL)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	dir := ""
	if q.Descending {
		dir = " DESC"
	}
	order := make([]string, 0, len(cols)+1)
	for _, c := range append(cols, "id") {
		order = append(order, c+dir)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(order, ", "))

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args, nil
}

func sqlArg(v any) any {
	switch x := v.(type) {
	case time.Time:
		return formatTime(x)
	case bool:
		return boolInt(x)
	case fmt.Stringer:
		return x.String()
	}
	return v
}
