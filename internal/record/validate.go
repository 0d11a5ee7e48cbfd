package record

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/bulkflow/pkg/types"
)

var (
	emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	slugRe  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
)

var userRoles = map[string]bool{
	"admin": true, "manager": true, "author": true, "editor": true, "reader": true,
}

var articleStatuses = map[string]bool{
	"draft": true, "published": true, "archived": true,
}

const (
	maxCommentBodyChars = 10000
	maxCommentBodyWords = 500
)

// Validate runs the per-resource rules against one decoded row. It returns
// either the normalized record or the list of field errors; never both.
func Validate(resource types.ResourceType, line int, raw map[string]any) (*Validated, []types.RowError) {
	var (
		rec  Record
		errs []types.RowError
	)
	switch resource {
	case types.ResourceUsers:
		rec, errs = validateUser(line, raw)
	case types.ResourceArticles:
		rec, errs = validateArticle(line, raw)
	case types.ResourceComments:
		rec, errs = validateComment(line, raw)
	default:
		return nil, []types.RowError{{Row: line, Message: fmt.Sprintf("unknown resource type %q", resource)}}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return &Validated{Line: line, Rec: rec}, nil
}

func validateUser(line int, raw map[string]any) (Record, []types.RowError) {
	v := &fieldChecker{line: line, raw: raw}
	u := &User{}

	if email, ok := v.requiredString("email"); ok {
		email = strings.ToLower(email)
		switch {
		case len(email) > 255:
			v.fail("email", "must be at most 255 characters", email)
		case !emailRe.MatchString(email):
			v.fail("email", "is not a valid email address", email)
		default:
			u.Email = email
		}
	}

	if name, ok := v.requiredString("name"); ok {
		if name == "" || len(name) > 255 {
			v.fail("name", "must be 1 to 255 characters", name)
		} else {
			u.Name = name
		}
	}

	if role, ok := v.requiredString("role"); ok {
		role = strings.ToLower(role)
		if !userRoles[role] {
			v.fail("role", "must be one of admin, manager, author, editor, reader", role)
		} else {
			u.Role = role
		}
	}

	active := Field(raw, "active")
	if active.Empty() {
		v.fail("active", "is required", "")
	} else if b, ok := active.Bool(); !ok {
		v.fail("active", "must be a boolean", active.String())
	} else {
		u.Active = b
	}

	u.ID = v.optionalUUID("id")
	u.CreatedAt = v.optionalTime("created_at")
	u.UpdatedAt = v.optionalTime("updated_at")
	return u, v.errs
}

func validateArticle(line int, raw map[string]any) (Record, []types.RowError) {
	v := &fieldChecker{line: line, raw: raw}
	a := &Article{}

	if slug, ok := v.requiredString("slug"); ok {
		if !slugRe.MatchString(slug) {
			v.fail("slug", "must be kebab-case (lowercase letters, digits, single hyphens)", slug)
		} else {
			a.Slug = slug
		}
	}

	if title, ok := v.requiredString("title"); ok {
		if title == "" || len(title) > 500 {
			v.fail("title", "must be 1 to 500 characters", title)
		} else {
			a.Title = title
		}
	}

	if body, ok := v.requiredString("body"); ok {
		if body == "" {
			v.fail("body", "must not be empty", "")
		} else {
			a.Body = body
		}
	}

	if author, ok := v.requiredString("author_id"); ok {
		id, err := parseUUIDv4(author)
		if err != nil {
			v.fail("author_id", "must be a UUIDv4", author)
		} else {
			a.AuthorID = id
		}
	}

	if status, ok := v.requiredString("status"); ok {
		status = strings.ToLower(status)
		if !articleStatuses[status] {
			v.fail("status", "must be one of draft, published, archived", status)
		} else {
			a.Status = status
		}
	}

	tags := Field(raw, "tags")
	if !tags.Empty() {
		list, ok := tags.StringSlice()
		if !ok {
			v.fail("tags", "must be an array of strings", tags.String())
		} else {
			a.Tags = normalizeTags(list, v)
		}
	}

	published := Field(raw, "published_at")
	if !published.Empty() {
		if a.Status == "draft" {
			v.fail("published_at", "must be absent while status is draft", published.String())
		} else if t, ok := published.Time(); !ok {
			v.fail("published_at", "must be an ISO-8601 date-time", published.String())
		} else {
			a.PublishedAt = &t
		}
	}

	a.ID = v.optionalUUID("id")
	a.CreatedAt = v.optionalTime("created_at")
	a.UpdatedAt = v.optionalTime("updated_at")
	return a, v.errs
}

func normalizeTags(list []string, v *fieldChecker) []string {
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, t := range list {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			v.fail("tags", "must not contain empty entries", "")
			return nil
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func validateComment(line int, raw map[string]any) (Record, []types.RowError) {
	v := &fieldChecker{line: line, raw: raw}
	c := &Comment{}

	id := Field(raw, "id")
	if !id.Empty() {
		s, ok := id.Str()
		if ok {
			s = strings.TrimPrefix(s, "cm_")
		}
		parsed, err := parseUUIDv4(s)
		if !ok || err != nil {
			v.fail("id", "must be a UUIDv4, optionally prefixed cm_", id.String())
		} else {
			c.ID = parsed
		}
	}

	refs := []struct {
		field string
		dst   *uuid.UUID
	}{
		{"article_id", &c.ArticleID},
		{"user_id", &c.UserID},
	}
	for _, ref := range refs {
		if s, ok := v.requiredString(ref.field); ok {
			parsed, err := parseUUIDv4(s)
			if err != nil {
				v.fail(ref.field, "must be a UUIDv4", s)
			} else {
				*ref.dst = parsed
			}
		}
	}

	if body, ok := v.requiredString("body"); ok {
		switch {
		case body == "":
			v.fail("body", "must not be empty", "")
		case len([]rune(body)) > maxCommentBodyChars:
			v.fail("body", fmt.Sprintf("must be at most %d characters", maxCommentBodyChars), body)
		case len(strings.Fields(body)) > maxCommentBodyWords:
			v.fail("body", fmt.Sprintf("must be at most %d words", maxCommentBodyWords), body)
		default:
			c.Body = body
		}
	}

	c.CreatedAt = v.optionalTime("created_at")
	return c, v.errs
}

// fieldChecker accumulates field errors for one row.
type fieldChecker struct {
	line int
	raw  map[string]any
	errs []types.RowError
}

func (v *fieldChecker) fail(field, message, value string) {
	v.errs = append(v.errs, types.RowError{
		Row:     v.line,
		Field:   field,
		Message: message,
		Value:   types.TruncateValue(value),
	})
}

func (v *fieldChecker) requiredString(field string) (string, bool) {
	val := Field(v.raw, field)
	if val.Empty() {
		v.fail(field, "is required", "")
		return "", false
	}
	s, ok := val.Str()
	if !ok {
		v.fail(field, "must be a string", val.String())
		return "", false
	}
	return s, true
}

func (v *fieldChecker) optionalUUID(field string) uuid.UUID {
	val := Field(v.raw, field)
	if val.Empty() {
		return uuid.Nil
	}
	s, ok := val.Str()
	if !ok {
		v.fail(field, "must be a UUIDv4", val.String())
		return uuid.Nil
	}
	id, err := parseUUIDv4(s)
	if err != nil {
		v.fail(field, "must be a UUIDv4", s)
		return uuid.Nil
	}
	return id
}

func (v *fieldChecker) optionalTime(field string) *time.Time {
	val := Field(v.raw, field)
	if val.Empty() {
		return nil
	}
	t, ok := val.Time()
	if !ok {
		v.fail(field, "must be an ISO-8601 date-time", val.String())
		return nil
	}
	return &t
}

func parseUUIDv4(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, err
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("uuid version %d, want 4", id.Version())
	}
	return id, nil
}
