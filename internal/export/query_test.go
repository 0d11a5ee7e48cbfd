package export

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

func TestColumns(t *testing.T) {
	assert.Equal(t, []string{"id", "email", "name", "role", "active", "created_at", "updated_at"},
		Columns(types.ResourceUsers))
	assert.Contains(t, Columns(types.ResourceArticles), "published_at")
	assert.NotContains(t, Columns(types.ResourceComments), "updated_at")
}

func TestProject(t *testing.T) {
	// nil falls back to canonical order
	assert.Equal(t, Columns(types.ResourceUsers), Project(types.ResourceUsers, nil))

	// request order is preserved, unknown names dropped
	got := Project(types.ResourceUsers, []string{"name", "bogus", "id"})
	assert.Equal(t, []string{"name", "id"}, got)

	// all-unknown falls back to canonical
	assert.Equal(t, Columns(types.ResourceUsers), Project(types.ResourceUsers, []string{"bogus"}))
}

func TestBuildWhereEmpty(t *testing.T) {
	where, args := buildWhere(types.ResourceUsers, types.ExportFilters{}, 1)
	assert.Equal(t, "", where)
	assert.Empty(t, args)
}

func TestBuildWhereUsers(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	active := true
	where, args := buildWhere(types.ResourceUsers, types.ExportFilters{
		IDs:          []uuid.UUID{uuid.New()},
		CreatedAfter: &after,
		Active:       &active,
	}, 1)

	assert.Equal(t, " WHERE id = ANY($1::uuid[]) AND created_at >= $2 AND active = $3", where)
	require.Len(t, args, 3)
	assert.Equal(t, after, args[1])
	assert.Equal(t, true, args[2])
}

func TestBuildWhereArticles(t *testing.T) {
	author := uuid.New()
	where, args := buildWhere(types.ResourceArticles, types.ExportFilters{
		Status:   "published",
		AuthorID: &author,
	}, 1)
	assert.Equal(t, " WHERE status = $1 AND author_id = $2", where)
	assert.Equal(t, []any{"published", author}, args)
}

func TestBuildWhereCommentsIgnoresUpdatedBounds(t *testing.T) {
	ts := time.Now()
	article := uuid.New()
	where, args := buildWhere(types.ResourceComments, types.ExportFilters{
		UpdatedAfter:  &ts,
		UpdatedBefore: &ts,
		ArticleID:     &article,
	}, 1)
	assert.Equal(t, " WHERE article_id = $1", where)
	assert.Equal(t, []any{article}, args)
}

func TestBuildWherePlaceholderStart(t *testing.T) {
	ts := time.Now()
	where, args := buildWhere(types.ResourceUsers, types.ExportFilters{CreatedBefore: &ts}, 4)
	assert.Equal(t, " WHERE created_at <= $4", where)
	assert.Len(t, args, 1)
}

func TestHolderFor(t *testing.T) {
	id := uuid.New()

	h := holderFor("id")
	*(h.target().(*uuid.UUID)) = id
	assert.Equal(t, id.String(), h.value())

	h = holderFor("published_at")
	assert.Nil(t, h.value()) // NULL renders as nil, not zero time

	h = holderFor("created_at")
	*(h.target().(*time.Time)) = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	assert.Equal(t, "2026-03-04T05:06:07Z", h.value())

	h = holderFor("email")
	*(h.target().(*string)) = "a@x.com"
	assert.Equal(t, "a@x.com", h.value())
}
