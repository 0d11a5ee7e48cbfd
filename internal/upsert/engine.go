// Package upsert writes batches of validated records into the relational
// store. One transaction per batch amortizes commit cost; a savepoint per
// row bounds the blast radius of any single failure, so a unique-key race
// or constraint violation costs exactly one row.
package upsert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/record"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// Result is the per-batch accounting.
type Result struct {
	Successful int64
	Failed     int64
	Errors     []types.RowError
}

func (r *Result) failRow(e types.RowError) {
	r.Failed++
	r.Errors = append(r.Errors, e)
}

// Engine performs idempotent batch upserts by natural key.
type Engine struct {
	db  *sql.DB
	log *zap.Logger
}

// NewEngine wraps a database handle.
func NewEngine(db *sql.DB, log *zap.Logger) *Engine {
	return &Engine{db: db, log: log.With(zap.String("component", "upsert"))}
}

// UpsertBatch writes one batch of a single resource kind. Row failures are
// absorbed into the Result; the returned error is reserved for
// transaction-level failures, in which case the Result already counts every
// attempted row as failed — nothing survived the rollback.
func (e *Engine) UpsertBatch(ctx context.Context, resource types.ResourceType, rows []record.Validated) (Result, error) {
	var res Result
	if len(rows) == 0 {
		return res, nil
	}

	rows, dupErrs := Dedupe(resource, rows)
	for _, de := range dupErrs {
		res.failRow(de)
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	prep, err := e.prepare(ctx, tx, resource, rows)
	if err != nil {
		return res, fmt.Errorf("prepare batch: %w", err)
	}

	for i, v := range rows {
		if rowErr := prep.checkReferences(v); rowErr != nil {
			res.failRow(*rowErr)
			continue
		}
		if err := e.upsertRow(ctx, tx, prep, i, v); err != nil {
			field, msg := classify(err, resource)
			res.failRow(types.RowError{
				Row:     v.Line,
				Field:   field,
				Message: msg,
				Value:   types.TruncateValue(v.Rec.NaturalKey()),
			})
			continue
		}
		res.Successful++
	}

	if err := tx.Commit(); err != nil {
		// The rollback voids every row written under this transaction.
		res.Failed += res.Successful
		res.Successful = 0
		return res, fmt.Errorf("commit batch: %w", err)
	}
	return res, nil
}

// upsertRow writes one record under its own savepoint.
func (e *Engine) upsertRow(ctx context.Context, tx *sql.Tx, prep *prepared, i int, v record.Validated) error {
	sp := fmt.Sprintf("row_%d", i)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return err
	}
	if err := prep.apply(ctx, tx, v); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			e.log.Error("savepoint rollback failed", zap.String("savepoint", sp), zap.Error(rbErr))
		}
		return err
	}
	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp)
	return err
}

// Dedupe drops in-batch duplicates by natural key, keeping the first
// occurrence and producing a row error for each later one. Comments can
// only collide when the client supplied the same id twice.
func Dedupe(resource types.ResourceType, rows []record.Validated) ([]record.Validated, []types.RowError) {
	keyName := NaturalKeyName(resource)
	firstSeen := make(map[string]int, len(rows))
	kept := rows[:0:0]
	var errs []types.RowError
	for _, v := range rows {
		key := v.Rec.NaturalKey()
		if key == "" {
			kept = append(kept, v)
			continue
		}
		if first, dup := firstSeen[key]; dup {
			errs = append(errs, types.RowError{
				Row:   v.Line,
				Field: keyName,
				Message: fmt.Sprintf("Duplicate %s in import file: %s (first seen on row %d)",
					keyName, key, first),
				Value: types.TruncateValue(key),
			})
			continue
		}
		firstSeen[key] = v.Line
		kept = append(kept, v)
	}
	return kept, errs
}

// NaturalKeyName returns the upsert-matching column for a resource.
func NaturalKeyName(resource types.ResourceType) string {
	switch resource {
	case types.ResourceUsers:
		return "email"
	case types.ResourceArticles:
		return "slug"
	default:
		return "id"
	}
}

// classify maps a database error onto the field it concerns. Unique-key
// violations point at the natural key, enum violations at the enum column;
// everything else stays generic.
func classify(err error, resource types.ResourceType) (field, message string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return NaturalKeyName(resource), "duplicate key: " + pqErr.Detail
		case "23503": // foreign_key_violation
			return fkField(pqErr.Constraint, resource), "referenced record does not exist"
		case "22P02", "23514": // invalid_text_representation, check_violation
			return enumField(resource), pqErr.Message
		}
		return "", "database error: " + pqErr.Message
	}
	return "", "database error: " + err.Error()
}

func enumField(resource types.ResourceType) string {
	switch resource {
	case types.ResourceUsers:
		return "role"
	case types.ResourceArticles:
		return "status"
	}
	return ""
}

func fkField(constraint string, resource types.ResourceType) string {
	switch {
	case resource == types.ResourceArticles:
		return "author_id"
	case resource == types.ResourceComments && constraint == "comments_user_id_fkey":
		return "user_id"
	case resource == types.ResourceComments:
		return "article_id"
	}
	return ""
}
