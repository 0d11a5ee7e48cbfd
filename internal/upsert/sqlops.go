package upsert

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ChuLiYu/bulkflow/internal/record"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// prepared holds the batch-wide lookups fetched in single round trips
// before the row loop: existing rows by natural key and the referenced-id
// sets for the foreign-key pre-checks.
type prepared struct {
	resource types.ResourceType

	existingByKey map[string]uuid.UUID
	validAuthors  map[uuid.UUID]bool
	validArticles map[uuid.UUID]bool
	validUsers    map[uuid.UUID]bool
}

func (e *Engine) prepare(ctx context.Context, tx *sql.Tx, resource types.ResourceType, rows []record.Validated) (*prepared, error) {
	p := &prepared{resource: resource, existingByKey: make(map[string]uuid.UUID)}

	keys := make([]string, 0, len(rows))
	for _, v := range rows {
		if k := v.Rec.NaturalKey(); k != "" {
			keys = append(keys, k)
		}
	}

	switch resource {
	case types.ResourceUsers:
		if err := p.loadExisting(ctx, tx,
			`SELECT email, id FROM users WHERE email = ANY($1)`, keys); err != nil {
			return nil, err
		}

	case types.ResourceArticles:
		if err := p.loadExisting(ctx, tx,
			`SELECT slug, id FROM articles WHERE slug = ANY($1)`, keys); err != nil {
			return nil, err
		}
		authorIDs := make(map[uuid.UUID]bool)
		for _, v := range rows {
			authorIDs[v.Rec.(*record.Article).AuthorID] = true
		}
		var err error
		p.validAuthors, err = loadIDSet(ctx, tx,
			`SELECT id FROM users WHERE id = ANY($1)`, idList(authorIDs))
		if err != nil {
			return nil, err
		}

	case types.ResourceComments:
		if err := p.loadExisting(ctx, tx,
			`SELECT id::text, id FROM comments WHERE id = ANY($1::uuid[])`, keys); err != nil {
			return nil, err
		}
		articleIDs := make(map[uuid.UUID]bool)
		userIDs := make(map[uuid.UUID]bool)
		for _, v := range rows {
			c := v.Rec.(*record.Comment)
			articleIDs[c.ArticleID] = true
			userIDs[c.UserID] = true
		}
		var err error
		if p.validArticles, err = loadIDSet(ctx, tx,
			`SELECT id FROM articles WHERE id = ANY($1)`, idList(articleIDs)); err != nil {
			return nil, err
		}
		if p.validUsers, err = loadIDSet(ctx, tx,
			`SELECT id FROM users WHERE id = ANY($1)`, idList(userIDs)); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown resource type %q", resource)
	}
	return p, nil
}

func (p *prepared) loadExisting(ctx context.Context, tx *sql.Tx, query string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	rows, err := tx.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var id uuid.UUID
		if err := rows.Scan(&key, &id); err != nil {
			return err
		}
		p.existingByKey[key] = id
	}
	return rows.Err()
}

func loadIDSet(ctx context.Context, tx *sql.Tx, query string, ids []string) (map[uuid.UUID]bool, error) {
	set := make(map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return set, nil
	}
	rows, err := tx.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}

func idList(set map[uuid.UUID]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		if id != uuid.Nil {
			out = append(out, id.String())
		}
	}
	return out
}

// checkReferences is the pre-check against the referenced-id sets. The DB
// constraint remains the backstop against concurrent deletes.
func (p *prepared) checkReferences(v record.Validated) *types.RowError {
	switch rec := v.Rec.(type) {
	case *record.Article:
		if !p.validAuthors[rec.AuthorID] {
			return &types.RowError{
				Row: v.Line, Field: "author_id",
				Message: "author does not exist",
				Value:   rec.AuthorID.String(),
			}
		}
	case *record.Comment:
		if !p.validArticles[rec.ArticleID] {
			return &types.RowError{
				Row: v.Line, Field: "article_id",
				Message: "article does not exist",
				Value:   rec.ArticleID.String(),
			}
		}
		if !p.validUsers[rec.UserID] {
			return &types.RowError{
				Row: v.Line, Field: "user_id",
				Message: "user does not exist",
				Value:   rec.UserID.String(),
			}
		}
	}
	return nil
}

// apply resolves the natural key and updates the existing row's mutable
// fields, or inserts a new row with a generated id when the client omitted
// one.
func (p *prepared) apply(ctx context.Context, tx *sql.Tx, v record.Validated) error {
	switch rec := v.Rec.(type) {
	case *record.User:
		if _, exists := p.existingByKey[rec.Email]; exists {
			_, err := tx.ExecContext(ctx, `
				UPDATE users SET name = $2, role = $3, active = $4,
					updated_at = COALESCE($5, now())
				WHERE email = $1`,
				rec.Email, rec.Name, rec.Role, rec.Active, rec.UpdatedAt)
			return err
		}
		id := rec.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (id, email, name, role, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()), COALESCE($7, now()))`,
			id, rec.Email, rec.Name, rec.Role, rec.Active, rec.CreatedAt, rec.UpdatedAt)
		return err

	case *record.Article:
		if _, exists := p.existingByKey[rec.Slug]; exists {
			_, err := tx.ExecContext(ctx, `
				UPDATE articles SET title = $2, body = $3, author_id = $4, tags = $5,
					status = $6, published_at = $7, updated_at = COALESCE($8, now())
				WHERE slug = $1`,
				rec.Slug, rec.Title, rec.Body, rec.AuthorID, pq.Array(rec.Tags),
				rec.Status, rec.PublishedAt, rec.UpdatedAt)
			return err
		}
		id := rec.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO articles (id, slug, title, body, author_id, tags, status,
				published_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()), COALESCE($10, now()))`,
			id, rec.Slug, rec.Title, rec.Body, rec.AuthorID, pq.Array(rec.Tags),
			rec.Status, rec.PublishedAt, rec.CreatedAt, rec.UpdatedAt)
		return err

	case *record.Comment:
		if rec.ID != uuid.Nil {
			if _, exists := p.existingByKey[rec.ID.String()]; exists {
				_, err := tx.ExecContext(ctx, `
					UPDATE comments SET body = $2, article_id = $3, user_id = $4
					WHERE id = $1`,
					rec.ID, rec.Body, rec.ArticleID, rec.UserID)
				return err
			}
		}
		id := rec.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO comments (id, article_id, user_id, body, created_at)
			VALUES ($1, $2, $3, $4, COALESCE($5, now()))`,
			id, rec.ArticleID, rec.UserID, rec.Body, rec.CreatedAt)
		return err
	}
	return fmt.Errorf("unsupported record type %T", v.Rec)
}
