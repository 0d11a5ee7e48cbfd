// Package types defines the core domain model shared by every bulkflow
// component: job records, statuses and the transition lattice, row-level
// errors, counters, and the queue payload.
package types

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ResourceType identifies one of the three bulk-importable domains.
type ResourceType string

const (
	ResourceUsers    ResourceType = "users"
	ResourceArticles ResourceType = "articles"
	ResourceComments ResourceType = "comments"
)

// ParseResourceType normalizes and validates a resource type string.
func ParseResourceType(s string) (ResourceType, error) {
	switch ResourceType(strings.ToLower(strings.TrimSpace(s))) {
	case ResourceUsers:
		return ResourceUsers, nil
	case ResourceArticles:
		return ResourceArticles, nil
	case ResourceComments:
		return ResourceComments, nil
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}

// JobStatus is the lifecycle state of an import or export job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final. A job in a terminal state
// never changes status again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the full status lattice. Anything not listed is rejected.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FileFormat is the wire format of an import file or export artifact.
type FileFormat string

const (
	FormatJSON   FileFormat = "json"
	FormatNDJSON FileFormat = "ndjson"
	FormatCSV    FileFormat = "csv"
)

// ParseFormat normalizes a format string. "jsonl" is accepted as an alias
// for ndjson.
func ParseFormat(s string) (FileFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "ndjson", "jsonl":
		return FormatNDJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown file format %q", s)
}

// FormatFromFilename detects the format from a filename extension.
func FormatFromFilename(name string) (FileFormat, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	f, err := ParseFormat(ext)
	if err != nil {
		return "", false
	}
	return f, true
}

// ContentType returns the MIME type used when uploading or streaming an
// artifact of this format.
func (f FileFormat) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatNDJSON:
		return "application/x-ndjson"
	case FormatCSV:
		return "text/csv"
	}
	return "application/octet-stream"
}

const (
	// MaxJobErrors caps the stored per-row error list. Rows failing past the
	// cap still count, they just are not recorded individually.
	MaxJobErrors = 100

	// MaxErrorValueLen caps the offending value echoed back in a RowError.
	MaxErrorValueLen = 100
)

// RowError records a single row's failure: validation, duplicate, foreign
// key, or database error.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

// TruncateValue bounds a value echoed into a RowError, marking the cut with
// an ellipsis. The cut lands on a rune boundary so the result stays valid
// UTF-8.
func TruncateValue(s string) string {
	if len(s) <= MaxErrorValueLen {
		return s
	}
	cut := MaxErrorValueLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// AppendError appends e to errs honoring MaxJobErrors. It returns the
// (possibly unchanged) slice; callers keep counting failures regardless.
func AppendError(errs []RowError, e RowError) []RowError {
	if len(errs) >= MaxJobErrors {
		return errs
	}
	e.Value = TruncateValue(e.Value)
	return append(errs, e)
}

// Counters tracks row accounting for a job. Invariant once Total is set:
// Successful + Failed + Skipped <= Processed <= Total.
type Counters struct {
	Total      int64 `json:"total_rows"`
	Processed  int64 `json:"processed_rows"`
	Successful int64 `json:"successful_rows"`
	Failed     int64 `json:"failed_rows"`
	Skipped    int64 `json:"skipped_rows"`
}

// Metrics is populated on finalize.
type Metrics struct {
	RowsPerSecond float64 `json:"rows_per_second"`
	DurationMS    int64   `json:"duration_ms"`
	ErrorRate     float64 `json:"error_rate,omitempty"`
	TotalBytes    int64   `json:"total_bytes,omitempty"`
}

// ImportJob is the durable record of one bulk import.
type ImportJob struct {
	ID             uuid.UUID
	IdempotencyKey *string
	ResourceType   ResourceType
	Status         JobStatus

	FileURL    string
	StorageKey string
	FileName   string
	FileSize   int64
	FileFormat FileFormat

	Counters
	Errors       []RowError
	Metrics      *Metrics
	ErrorMessage string

	StartedAt   *time.Time
	CompletedAt *time.Time
	LockedBy    *string
	LockedAt    *time.Time
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExportJob is the durable record of one bulk export.
type ExportJob struct {
	ID           uuid.UUID
	ResourceType ResourceType
	Format       FileFormat
	Status       JobStatus

	Filters ExportFilters
	Fields  []string

	DownloadURL  string
	FileName     string
	FileSize     int64
	TotalRows    int64
	ExportedRows int64

	Metrics      *Metrics
	ErrorMessage string
	ExpiresAt    *time.Time

	StartedAt   *time.Time
	CompletedAt *time.Time
	LockedBy    *string
	LockedAt    *time.Time
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExportFilters is the structured filter set for an export. Fields that do
// not apply to the exported resource are ignored by the query builder; the
// facade rejects them before a job is created.
type ExportFilters struct {
	IDs           []uuid.UUID `json:"ids,omitempty"`
	CreatedAfter  *time.Time  `json:"created_after,omitempty"`
	CreatedBefore *time.Time  `json:"created_before,omitempty"`
	UpdatedAfter  *time.Time  `json:"updated_after,omitempty"`
	UpdatedBefore *time.Time  `json:"updated_before,omitempty"`

	// users
	Active *bool `json:"active,omitempty"`
	// articles
	Status   string     `json:"status,omitempty"`
	AuthorID *uuid.UUID `json:"author_id,omitempty"`
	// comments
	ArticleID *uuid.UUID `json:"article_id,omitempty"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
}

// JobKind discriminates queue payloads.
type JobKind string

const (
	KindImport JobKind = "import"
	KindExport JobKind = "export"
)

// JobData is the payload delivered by the job queue to worker processes.
type JobData struct {
	JobID        uuid.UUID    `json:"job_id"`
	Kind         JobKind      `json:"kind"`
	ResourceType ResourceType `json:"resource_type"`

	// import
	FileURL        string     `json:"file_url,omitempty"`
	StorageKey     string     `json:"storage_key,omitempty"`
	FileFormat     FileFormat `json:"file_format,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`

	// export
	Format  FileFormat     `json:"format,omitempty"`
	Filters *ExportFilters `json:"filters,omitempty"`
	Fields  []string       `json:"fields,omitempty"`
}
