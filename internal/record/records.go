package record

import (
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// Record is a validated, normalized row of one resource kind.
type Record interface {
	Resource() types.ResourceType
	// NaturalKey is the upsert-matching identifier: email for users, slug
	// for articles, the client-supplied id for comments ("" when absent).
	NaturalKey() string
}

// User is a normalized user row. A zero ID means the client omitted it and
// one is generated at insert time.
type User struct {
	ID        uuid.UUID
	Email     string
	Name      string
	Role      string
	Active    bool
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

func (u *User) Resource() types.ResourceType { return types.ResourceUsers }
func (u *User) NaturalKey() string           { return u.Email }

// Article is a normalized article row.
type Article struct {
	ID          uuid.UUID
	Slug        string
	Title       string
	Body        string
	AuthorID    uuid.UUID
	Tags        []string
	Status      string
	PublishedAt *time.Time
	CreatedAt   *time.Time
	UpdatedAt   *time.Time
}

func (a *Article) Resource() types.ResourceType { return types.ResourceArticles }
func (a *Article) NaturalKey() string           { return a.Slug }

// Comment is a normalized comment row.
type Comment struct {
	ID        uuid.UUID
	ArticleID uuid.UUID
	UserID    uuid.UUID
	Body      string
	CreatedAt *time.Time
}

func (c *Comment) Resource() types.ResourceType { return types.ResourceComments }

func (c *Comment) NaturalKey() string {
	if c.ID == uuid.Nil {
		return ""
	}
	return c.ID.String()
}

// Validated pairs a normalized record with its input position.
type Validated struct {
	Line int
	Rec  Record
}
