// Package export streams filtered resource rows out of the relational
// store in a stable order. The count and the stream share one predicate
// builder so they can never drift; pagination is keyset-based on
// (created_at, id), which keeps pages stable under concurrent writes.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// Columns returns the canonical exported column order for a resource.
func Columns(resource types.ResourceType) []string {
	switch resource {
	case types.ResourceUsers:
		return []string{"id", "email", "name", "role", "active", "created_at", "updated_at"}
	case types.ResourceArticles:
		return []string{"id", "slug", "title", "body", "author_id", "tags", "status", "published_at", "created_at", "updated_at"}
	case types.ResourceComments:
		return []string{"id", "article_id", "user_id", "body", "created_at"}
	}
	return nil
}

// Project restricts the canonical columns to a requested field list,
// preserving the request order and dropping unknown names.
func Project(resource types.ResourceType, fields []string) []string {
	if len(fields) == 0 {
		return Columns(resource)
	}
	known := make(map[string]bool)
	for _, c := range Columns(resource) {
		known[c] = true
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if known[f] {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return Columns(resource)
	}
	return out
}

// Querier runs export queries.
type Querier struct {
	db       *sql.DB
	pageSize int
}

// NewQuerier wraps a database handle; pageSize bounds rows held in memory.
func NewQuerier(db *sql.DB, pageSize int) *Querier {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Querier{db: db, pageSize: pageSize}
}

// Count returns the number of rows the stream will produce, using the
// identical predicate.
func (q *Querier) Count(ctx context.Context, resource types.ResourceType, f types.ExportFilters) (int64, error) {
	where, args := buildWhere(resource, f, 1)
	query := fmt.Sprintf(`SELECT count(*) FROM %s%s`, tableOf(resource), where)
	var n int64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", resource, err)
	}
	return n, nil
}

// Stream yields every matching row in (created_at, id) ascending order,
// one page at a time, calling fn for each projected record. It returns the
// number of rows emitted.
func (q *Querier) Stream(ctx context.Context, resource types.ResourceType, f types.ExportFilters, fields []string, fn func(map[string]any) error) (int64, error) {
	cols := Project(resource, fields)
	var (
		emitted     int64
		lastCreated time.Time
		lastID      uuid.UUID
		paging      bool
	)
	for {
		n, err := q.page(ctx, resource, f, cols, paging, lastCreated, lastID, func(rec map[string]any, createdAt time.Time, id uuid.UUID) error {
			lastCreated, lastID = createdAt, id
			emitted++
			return fn(rec)
		})
		if err != nil {
			return emitted, err
		}
		if n < q.pageSize {
			return emitted, nil
		}
		paging = true
	}
}

func (q *Querier) page(ctx context.Context, resource types.ResourceType, f types.ExportFilters, cols []string, paging bool, afterCreated time.Time, afterID uuid.UUID, fn func(map[string]any, time.Time, uuid.UUID) error) (int, error) {
	where, args := buildWhere(resource, f, 1)
	if paging {
		conj := " WHERE "
		if where != "" {
			conj = " AND "
		}
		where += fmt.Sprintf("%s(created_at, id) > ($%d, $%d)", conj, len(args)+1, len(args)+2)
		args = append(args, afterCreated, afterID)
	}
	// created_at and id always ride along for the keyset even when not
	// projected.
	query := fmt.Sprintf(`SELECT %s, created_at AS _cursor_at, id AS _cursor_id FROM %s%s ORDER BY created_at ASC, id ASC LIMIT %d`,
		strings.Join(cols, ", "), tableOf(resource), where, q.pageSize)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("stream %s: %w", resource, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		rec, createdAt, id, err := scanRecord(rows, cols)
		if err != nil {
			return count, err
		}
		count++
		if err := fn(rec, createdAt, id); err != nil {
			return count, err
		}
	}
	return count, rows.Err()
}

func tableOf(resource types.ResourceType) string {
	// ResourceType values are validated enum members, never user input.
	return string(resource)
}

// buildWhere renders the filter predicate with placeholders starting at
// $start. Filters that do not apply to the resource are ignored.
func buildWhere(resource types.ResourceType, f types.ExportFilters, start int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	next := func() int { return start + len(args) }

	if len(f.IDs) > 0 {
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = id.String()
		}
		conds = append(conds, fmt.Sprintf("id = ANY($%d::uuid[])", next()))
		args = append(args, pq.Array(ids))
	}
	if f.CreatedAfter != nil {
		conds = append(conds, fmt.Sprintf("created_at >= $%d", next()))
		args = append(args, *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		conds = append(conds, fmt.Sprintf("created_at <= $%d", next()))
		args = append(args, *f.CreatedBefore)
	}
	if resource != types.ResourceComments {
		if f.UpdatedAfter != nil {
			conds = append(conds, fmt.Sprintf("updated_at >= $%d", next()))
			args = append(args, *f.UpdatedAfter)
		}
		if f.UpdatedBefore != nil {
			conds = append(conds, fmt.Sprintf("updated_at <= $%d", next()))
			args = append(args, *f.UpdatedBefore)
		}
	}
	switch resource {
	case types.ResourceUsers:
		if f.Active != nil {
			conds = append(conds, fmt.Sprintf("active = $%d", next()))
			args = append(args, *f.Active)
		}
	case types.ResourceArticles:
		if f.Status != "" {
			conds = append(conds, fmt.Sprintf("status = $%d", next()))
			args = append(args, f.Status)
		}
		if f.AuthorID != nil {
			conds = append(conds, fmt.Sprintf("author_id = $%d", next()))
			args = append(args, *f.AuthorID)
		}
	case types.ResourceComments:
		if f.ArticleID != nil {
			conds = append(conds, fmt.Sprintf("article_id = $%d", next()))
			args = append(args, *f.ArticleID)
		}
		if f.UserID != nil {
			conds = append(conds, fmt.Sprintf("user_id = $%d", next()))
			args = append(args, *f.UserID)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// scanRecord reads one row into an export record plus the keyset cursor.
func scanRecord(rows *sql.Rows, cols []string) (map[string]any, time.Time, uuid.UUID, error) {
	dest := make([]any, len(cols)+2)
	holders := make([]scanHolder, len(cols))
	for i, c := range cols {
		holders[i] = holderFor(c)
		dest[i] = holders[i].target()
	}
	var cursorAt time.Time
	var cursorID uuid.UUID
	dest[len(cols)] = &cursorAt
	dest[len(cols)+1] = &cursorID
	if err := rows.Scan(dest...); err != nil {
		return nil, time.Time{}, uuid.Nil, err
	}
	rec := make(map[string]any, len(cols))
	for i, c := range cols {
		rec[c] = holders[i].value()
	}
	return rec, cursorAt, cursorID, nil
}

// scanHolder adapts one column to its export representation.
type scanHolder interface {
	target() any
	value() any
}

type stringCol struct{ v string }

func (h *stringCol) target() any { return &h.v }
func (h *stringCol) value() any  { return h.v }

type boolCol struct{ v bool }

func (h *boolCol) target() any { return &h.v }
func (h *boolCol) value() any  { return h.v }

type uuidCol struct{ v uuid.UUID }

func (h *uuidCol) target() any { return &h.v }
func (h *uuidCol) value() any  { return h.v.String() }

type timeCol struct{ v time.Time }

func (h *timeCol) target() any { return &h.v }
func (h *timeCol) value() any  { return h.v.UTC().Format(time.RFC3339) }

type nullTimeCol struct{ v sql.NullTime }

func (h *nullTimeCol) target() any { return &h.v }
func (h *nullTimeCol) value() any {
	if !h.v.Valid {
		return nil
	}
	return h.v.Time.UTC().Format(time.RFC3339)
}

type tagsCol struct{ v pq.StringArray }

func (h *tagsCol) target() any { return &h.v }
func (h *tagsCol) value() any  { return []string(h.v) }

func holderFor(col string) scanHolder {
	switch col {
	case "id", "author_id", "article_id", "user_id":
		return &uuidCol{}
	case "active":
		return &boolCol{}
	case "created_at", "updated_at":
		return &timeCol{}
	case "published_at":
		return &nullTimeCol{}
	case "tags":
		return &tagsCol{}
	default:
		return &stringCol{}
	}
}
