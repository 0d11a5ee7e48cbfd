package upsert

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/record"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

func userRow(line int, email string) record.Validated {
	return record.Validated{Line: line, Rec: &record.User{Email: email, Name: "n", Role: "reader"}}
}

func TestDedupeKeepsFirstOccurrence(t *testing.T) {
	rows := []record.Validated{
		userRow(1, "a@x.com"),
		userRow(2, "b@x.com"),
		userRow(3, "a@x.com"),
		userRow(4, "a@x.com"),
	}
	kept, errs := Dedupe(types.ResourceUsers, rows)

	require.Len(t, kept, 2)
	assert.Equal(t, 1, kept[0].Line)
	assert.Equal(t, 2, kept[1].Line)

	require.Len(t, errs, 2)
	assert.Equal(t, 3, errs[0].Row)
	assert.Equal(t, "email", errs[0].Field)
	assert.Equal(t, "Duplicate email in import file: a@x.com (first seen on row 1)", errs[0].Message)
	assert.Equal(t, 4, errs[1].Row)
}

func TestDedupeCommentsWithoutIDNeverCollide(t *testing.T) {
	rows := []record.Validated{
		{Line: 1, Rec: &record.Comment{Body: "a"}},
		{Line: 2, Rec: &record.Comment{Body: "b"}},
	}
	kept, errs := Dedupe(types.ResourceComments, rows)
	assert.Len(t, kept, 2)
	assert.Empty(t, errs)
}

func TestDedupeCommentsByID(t *testing.T) {
	id := uuid.New()
	rows := []record.Validated{
		{Line: 1, Rec: &record.Comment{ID: id, Body: "a"}},
		{Line: 2, Rec: &record.Comment{ID: id, Body: "b"}},
	}
	kept, errs := Dedupe(types.ResourceComments, rows)
	require.Len(t, kept, 1)
	require.Len(t, errs, 1)
	assert.Equal(t, "id", errs[0].Field)
	assert.Contains(t, errs[0].Message, "first seen on row 1")
}

func TestUpsertBatchCommitFailureVoidsSuccesses(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT email, id FROM users WHERE email = ANY($1)`)).
		WillReturnRows(sqlmock.NewRows([]string{"email", "id"}))
	mock.ExpectExec("SAVEPOINT row_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT row_0").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit().WillReturnError(errors.New("connection lost at commit"))

	e := NewEngine(db, zap.NewNop())
	res, err := e.UpsertBatch(context.Background(), types.ResourceUsers,
		[]record.Validated{userRow(1, "a@x.com")})

	// the rollback took the row with it: nothing may report success
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit batch")
	assert.Equal(t, int64(0), res.Successful)
	assert.Equal(t, int64(1), res.Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNaturalKeyName(t *testing.T) {
	assert.Equal(t, "email", NaturalKeyName(types.ResourceUsers))
	assert.Equal(t, "slug", NaturalKeyName(types.ResourceArticles))
	assert.Equal(t, "id", NaturalKeyName(types.ResourceComments))
}

func TestClassify(t *testing.T) {
	field, msg := classify(&pq.Error{Code: "23505", Detail: "Key (email) exists"}, types.ResourceUsers)
	assert.Equal(t, "email", field)
	assert.Contains(t, msg, "duplicate key")

	field, _ = classify(&pq.Error{Code: "23503", Constraint: "articles_author_id_fkey"}, types.ResourceArticles)
	assert.Equal(t, "author_id", field)

	field, _ = classify(&pq.Error{Code: "23503", Constraint: "comments_user_id_fkey"}, types.ResourceComments)
	assert.Equal(t, "user_id", field)

	field, _ = classify(&pq.Error{Code: "23503", Constraint: "comments_article_id_fkey"}, types.ResourceComments)
	assert.Equal(t, "article_id", field)

	field, msg = classify(&pq.Error{Code: "22P02", Message: "invalid input"}, types.ResourceArticles)
	assert.Equal(t, "status", field)
	assert.Equal(t, "invalid input", msg)

	field, msg = classify(errors.New("connection reset"), types.ResourceUsers)
	assert.Equal(t, "", field)
	assert.Contains(t, msg, "database error")
}
