// Package service is the client-facing facade: it validates requests,
// creates job records, stages uploaded files, enqueues work, and serves job
// lookups. It never runs pipelines; workers pick the jobs up from the queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ChuLiYu/bulkflow/internal/config"
	"github.com/ChuLiYu/bulkflow/internal/storage"
	"github.com/ChuLiYu/bulkflow/internal/store"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

// ErrInvalid wraps request validation failures so transports can map them
// to a 4xx-class response.
var ErrInvalid = errors.New("invalid request")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

var idempotencyKeyRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// Jobs is the job-store surface the facade needs.
type Jobs interface {
	CreateImport(ctx context.Context, job *types.ImportJob) error
	GetImport(ctx context.Context, id uuid.UUID) (*types.ImportJob, error)
	GetImportByIdempotencyKey(ctx context.Context, key string) (*types.ImportJob, error)
	TransitionImport(ctx context.Context, id uuid.UUID, from, to types.JobStatus, up store.TransitionUpdate) (*types.ImportJob, error)
	CreateExport(ctx context.Context, job *types.ExportJob) error
	GetExport(ctx context.Context, id uuid.UUID) (*types.ExportJob, error)
	TransitionExport(ctx context.Context, id uuid.UUID, from, to types.JobStatus, up store.TransitionUpdate) (*types.ExportJob, error)
	RefreshExportURL(ctx context.Context, id uuid.UUID, url string, expiresAt time.Time) error
}

// Enqueuer submits payloads for worker delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, data types.JobData) error
}

// Objects is the object-store surface the facade needs.
type Objects interface {
	PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]*string) (int64, error)
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	PresignGet(key string, expiresIn time.Duration) (string, error)
}

// Service is the bulk import/export facade.
type Service struct {
	jobs    Jobs
	queue   Enqueuer
	objects Objects
	cfg     config.Pipeline
	log     *zap.Logger
}

// New wires the facade.
func New(jobs Jobs, queue Enqueuer, objects Objects, cfg config.Pipeline, log *zap.Logger) *Service {
	return &Service{
		jobs:    jobs,
		queue:   queue,
		objects: objects,
		cfg:     cfg,
		log:     log.With(zap.String("component", "service")),
	}
}

// CreateImportParams describes a new import job.
type CreateImportParams struct {
	ResourceType   string
	FileURL        string
	FileName       string
	Format         string
	IdempotencyKey string
}

// CreateImport registers an import job sourced from a URL and enqueues it.
// With an idempotency key, re-submission returns the original job without
// creating or enqueueing anything.
func (s *Service) CreateImport(ctx context.Context, p CreateImportParams) (*types.ImportJob, error) {
	resource, format, key, err := s.validateImport(p)
	if err != nil {
		return nil, err
	}
	if p.FileURL == "" {
		return nil, invalidf("file_url is required")
	}
	if key != nil {
		if job, err := s.jobs.GetImportByIdempotencyKey(ctx, *key); err == nil {
			s.log.Info("idempotent import replay", zap.String("job_id", job.ID.String()))
			return job, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	job := &types.ImportJob{
		IdempotencyKey: key,
		ResourceType:   resource,
		FileURL:        p.FileURL,
		FileName:       p.FileName,
		FileFormat:     format,
	}
	if err := s.jobs.CreateImport(ctx, job); err != nil {
		// Two racing submissions with one key: the loser adopts the winner's
		// job.
		var pqErr *pq.Error
		if key != nil && errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return s.jobs.GetImportByIdempotencyKey(ctx, *key)
		}
		return nil, fmt.Errorf("create import job: %w", err)
	}
	if err := s.enqueueImport(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// StageImportFile registers an import job from an uploaded stream: the file
// is staged to object storage first, then the job is created and enqueued.
func (s *Service) StageImportFile(ctx context.Context, p CreateImportParams, r io.Reader) (*types.ImportJob, error) {
	resource, format, key, err := s.validateImport(p)
	if err != nil {
		return nil, err
	}
	if key != nil {
		if job, err := s.jobs.GetImportByIdempotencyKey(ctx, *key); err == nil {
			s.log.Info("idempotent import replay", zap.String("job_id", job.ID.String()))
			return job, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	jobID := uuid.New()
	storageKey := storage.ImportKey(time.Now(), jobID, p.FileName, format)
	size, err := s.objects.PutStream(ctx, storageKey, io.LimitReader(r, s.cfg.MaxFileSize+1), format.ContentType(), nil)
	if err != nil {
		return nil, fmt.Errorf("stage import file: %w", err)
	}
	if size > s.cfg.MaxFileSize {
		return nil, invalidf("file exceeds maximum size of %d bytes", s.cfg.MaxFileSize)
	}

	job := &types.ImportJob{
		ID:             jobID,
		IdempotencyKey: key,
		ResourceType:   resource,
		StorageKey:     storageKey,
		FileName:       p.FileName,
		FileSize:       size,
		FileFormat:     format,
	}
	if err := s.jobs.CreateImport(ctx, job); err != nil {
		var pqErr *pq.Error
		if key != nil && errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return s.jobs.GetImportByIdempotencyKey(ctx, *key)
		}
		return nil, fmt.Errorf("create import job: %w", err)
	}
	if err := s.enqueueImport(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) validateImport(p CreateImportParams) (types.ResourceType, types.FileFormat, *string, error) {
	resource, err := types.ParseResourceType(p.ResourceType)
	if err != nil {
		return "", "", nil, invalidf("%v", err)
	}
	var format types.FileFormat
	if p.Format != "" {
		if format, err = types.ParseFormat(p.Format); err != nil {
			return "", "", nil, invalidf("%v", err)
		}
	} else {
		detected, ok := types.FormatFromFilename(p.FileName)
		if !ok {
			return "", "", nil, invalidf("file format could not be detected from %q", p.FileName)
		}
		format = detected
	}
	var key *string
	if p.IdempotencyKey != "" {
		if !idempotencyKeyRe.MatchString(p.IdempotencyKey) {
			return "", "", nil, invalidf("idempotency key must match %s", idempotencyKeyRe)
		}
		k := p.IdempotencyKey
		key = &k
	}
	return resource, format, key, nil
}

func (s *Service) enqueueImport(ctx context.Context, job *types.ImportJob) error {
	idemKey := ""
	if job.IdempotencyKey != nil {
		idemKey = *job.IdempotencyKey
	}
	err := s.queue.Enqueue(ctx, types.JobData{
		JobID:          job.ID,
		Kind:           types.KindImport,
		ResourceType:   job.ResourceType,
		FileURL:        job.FileURL,
		StorageKey:     job.StorageKey,
		FileFormat:     job.FileFormat,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		return fmt.Errorf("enqueue import job: %w", err)
	}
	s.log.Info("import job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("resource", string(job.ResourceType)))
	return nil
}

// GetImport fetches one import job.
func (s *Service) GetImport(ctx context.Context, id uuid.UUID) (*types.ImportJob, error) {
	return s.jobs.GetImport(ctx, id)
}

// CancelImport requests cancellation. A PENDING job is cancelled outright;
// a PROCESSING job keeps running until its owner notices the new status at
// the next checkpoint.
func (s *Service) CancelImport(ctx context.Context, id uuid.UUID) (*types.ImportJob, error) {
	job, err := s.jobs.TransitionImport(ctx, id, types.StatusPending, types.StatusCancelled, store.TransitionUpdate{})
	if err == nil {
		return job, nil
	}
	var se *store.StatusError
	if errors.As(err, &se) && se.Got == types.StatusProcessing {
		return s.jobs.TransitionImport(ctx, id, types.StatusProcessing, types.StatusCancelled, store.TransitionUpdate{})
	}
	return nil, err
}

// CreateExportParams describes a new export job.
type CreateExportParams struct {
	ResourceType string
	Format       string
	Filters      types.ExportFilters
	Fields       []string
}

// CreateExport registers an export job and enqueues it.
func (s *Service) CreateExport(ctx context.Context, p CreateExportParams) (*types.ExportJob, error) {
	resource, err := types.ParseResourceType(p.ResourceType)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	format, err := types.ParseFormat(p.Format)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	if err := validateFilters(resource, p.Filters); err != nil {
		return nil, err
	}

	job := &types.ExportJob{
		ResourceType: resource,
		Format:       format,
		Filters:      p.Filters,
		Fields:       p.Fields,
	}
	if err := s.jobs.CreateExport(ctx, job); err != nil {
		return nil, fmt.Errorf("create export job: %w", err)
	}
	err = s.queue.Enqueue(ctx, types.JobData{
		JobID:        job.ID,
		Kind:         types.KindExport,
		ResourceType: resource,
		Format:       format,
		Filters:      &job.Filters,
		Fields:       job.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue export job: %w", err)
	}
	s.log.Info("export job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("resource", string(resource)))
	return job, nil
}

// validateFilters rejects filters that do not apply to the resource.
func validateFilters(resource types.ResourceType, f types.ExportFilters) error {
	if f.Active != nil && resource != types.ResourceUsers {
		return invalidf("filter active applies to users only")
	}
	if (f.Status != "" || f.AuthorID != nil) && resource != types.ResourceArticles {
		return invalidf("filters status and author_id apply to articles only")
	}
	if (f.ArticleID != nil || f.UserID != nil) && resource != types.ResourceComments {
		return invalidf("filters article_id and user_id apply to comments only")
	}
	if resource == types.ResourceComments && (f.UpdatedAfter != nil || f.UpdatedBefore != nil) {
		return invalidf("comments carry no updated_at to filter on")
	}
	return nil
}

// GetExport fetches one export job, refreshing the download URL when it is
// within an hour of expiring.
func (s *Service) GetExport(ctx context.Context, id uuid.UUID) (*types.ExportJob, error) {
	job, err := s.jobs.GetExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == types.StatusCompleted && job.FileName != "" &&
		job.ExpiresAt != nil && time.Until(*job.ExpiresAt) < time.Hour {
		url, err := s.objects.PresignGet(job.FileName, s.cfg.URLExpiry)
		if err != nil {
			s.log.Warn("download url refresh failed",
				zap.String("job_id", id.String()), zap.Error(err))
			return job, nil
		}
		expiresAt := time.Now().UTC().Add(s.cfg.URLExpiry)
		if err := s.jobs.RefreshExportURL(ctx, id, url, expiresAt); err != nil {
			s.log.Warn("download url persist failed",
				zap.String("job_id", id.String()), zap.Error(err))
			return job, nil
		}
		job.DownloadURL = url
		job.ExpiresAt = &expiresAt
	}
	return job, nil
}

// CancelExport mirrors CancelImport for export jobs.
func (s *Service) CancelExport(ctx context.Context, id uuid.UUID) (*types.ExportJob, error) {
	job, err := s.jobs.TransitionExport(ctx, id, types.StatusPending, types.StatusCancelled, store.TransitionUpdate{})
	if err == nil {
		return job, nil
	}
	var se *store.StatusError
	if errors.As(err, &se) && se.Got == types.StatusProcessing {
		return s.jobs.TransitionExport(ctx, id, types.StatusProcessing, types.StatusCancelled, store.TransitionUpdate{})
	}
	return nil, err
}

// ExportDownload is a direct artifact stream for clients that cannot follow
// a presigned URL.
type ExportDownload struct {
	Body        io.ReadCloser
	ContentType string
	FileName    string
	Size        int64
}

// StreamExport opens the finished artifact of a completed export.
func (s *Service) StreamExport(ctx context.Context, id uuid.UUID) (*ExportDownload, error) {
	job, err := s.jobs.GetExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusCompleted {
		return nil, invalidf("export is %s, not completed", job.Status)
	}
	body, err := s.objects.GetStream(ctx, job.FileName)
	if err != nil {
		return nil, fmt.Errorf("open export artifact: %w", err)
	}
	return &ExportDownload{
		Body:        body,
		ContentType: job.Format.ContentType(),
		FileName:    fmt.Sprintf("export-%s.%s", job.ID, job.Format),
		Size:        job.FileSize,
	}, nil
}
