// Package deadletter archives jobs that exhausted their attempts so operators
// can inspect and replay them after the queue has moved on.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"orchestrator-core/internal/config"
	"orchestrator-core/internal/models"
)

// Record is the archived view of a terminally failed job.
type Record struct {
	Job        models.Job          `json:"job"`
	Attempts   []models.JobAttempt `json:"attempts"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// Sink stores dead-letter records and returns where the record was written.
type Sink interface {
	Write(ctx context.Context, rec Record) (string, error)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// BlobSink writes one JSON document per failed job through an uploader.
type BlobSink struct {
	up     uploader
	prefix string
}

// New picks S3 when a bucket is configured and the local directory otherwise.
// It returns nil when neither is configured.
func New(ctx context.Context, cfg config.Config) (*BlobSink, error) {
	if cfg.DeadLetterS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &BlobSink{up: &s3Uploader{client: client, bucket: cfg.DeadLetterS3Bucket}, prefix: cfg.DeadLetterPrefix}, nil
	}
	if cfg.DeadLetterDir != "" {
		return NewLocal(cfg.DeadLetterDir, cfg.DeadLetterPrefix), nil
	}
	return nil, nil
}

// NewLocal writes records below baseDir.
func NewLocal(baseDir, prefix string) *BlobSink {
	return &BlobSink{up: &localUploader{baseDir: baseDir}, prefix: prefix}
}

func (s *BlobSink) Write(ctx context.Context, rec Record) (string, error) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal dead-letter record: %w", err)
	}
	return s.up.Upload(ctx, s.key(rec), body, "application/json")
}

// key groups records by day so a bucket listing stays navigable.
func (s *BlobSink) key(rec Record) string {
	day := rec.RecordedAt.UTC().Format("2006/01/02")
	return sanitizeKey(fmt.Sprintf("%s%s/%s.json", s.prefix, day, rec.Job.ID))
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.DeadLetterS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DeadLetterS3Endpoint)
		}
		o.UsePathStyle = cfg.DeadLetterS3PathStyle
	}), nil
}
