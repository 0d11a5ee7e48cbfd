// Package storage is the object-storage client used for import staging and
// export artifacts. Uploads stream through the S3 multipart uploader with
// 5 MiB parts and up to 4 parts in flight, so artifact size never affects
// resident memory.
package storage

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"

	"github.com/ChuLiYu/bulkflow/internal/codec"
	"github.com/ChuLiYu/bulkflow/internal/config"
	"github.com/ChuLiYu/bulkflow/pkg/types"
)

const (
	partSize    = 5 << 20
	concurrency = 4
)

// Client wraps one bucket.
type Client struct {
	s3       *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// New builds the client from config. A custom endpoint with path-style
// addressing supports S3-compatible stores.
func New(cfg config.Storage) (*Client, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(cfg.ForcePathStyle)
	}
	if cfg.AccessKey != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""))
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("storage session: %w", err)
	}
	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	})
	return &Client{s3: s3.New(sess), uploader: uploader, bucket: cfg.Bucket}, nil
}

// PutStream uploads r under key and returns the byte count.
func (c *Client) PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]*string) (int64, error) {
	counted := codec.NewCountingReader(r)
	_, err := c.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        counted,
		ContentType: aws.String(contentType),
		Metadata:    metadata,
	})
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return counted.Count(), nil
}

// GetStream opens the object at key for reading.
func (c *Client) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := c.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, nil
}

// PresignGet issues a time-limited download URL for key.
func (c *Client) PresignGet(key string, expiresIn time.Duration) (string, error) {
	req, _ := c.s3.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(expiresIn)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return url, nil
}

// ImportKey builds the staging key for an uploaded import file.
func ImportKey(day time.Time, jobID uuid.UUID, fileName string, format types.FileFormat) string {
	name := SanitizeFilename(strings.TrimSuffix(fileName, extOf(fileName)))
	if name == "" {
		name = "import"
	}
	return fmt.Sprintf("imports/%s/%s/%s.%s", day.UTC().Format("2006-01-02"), jobID, name, format)
}

// ExportKey builds the artifact key for a completed export.
func ExportKey(day time.Time, jobID uuid.UUID, format types.FileFormat) string {
	return fmt.Sprintf("exports/%s/%s/export.%s", day.UTC().Format("2006-01-02"), jobID, format)
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename strips path components and anything outside the safe
// character set.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

func extOf(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i:]
	}
	return ""
}
