// Package archive keeps raw generative output that failed to parse, so
// operators can inspect what the model actually returned.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Record is one archived generation.
type Record struct {
	Schema  string
	Subject string // book or chapter id the output belonged to
	Attempt int
	Raw     string
	Err     error
}

// Archiver stores raw generations.
type Archiver interface {
	Archive(ctx context.Context, r Record) (string, error)
}

// Nop discards records.
type Nop struct{}

func (Nop) Archive(context.Context, Record) (string, error) { return "", nil }

// Config configures the MinIO archive.
type Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
	BasePath        string `mapstructure:"base_path"`
}

// MinIO writes each record as a text object under
// <base>/<schema>/<yyyy-mm-dd>/<subject>-<uuid>.txt.
type MinIO struct {
	client   *minio.Client
	bucket   string
	basePath string
	now      func() time.Time
}

// NewMinIO connects and creates the bucket when missing.
func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty MinIO endpoint")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("empty MinIO bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create MinIO client: %w", err)
	}
	if err := ensureBucket(ctx, client, cfg.Bucket); err != nil {
		return nil, err
	}
	return &MinIO{
		client:   client,
		bucket:   cfg.Bucket,
		basePath: strings.Trim(cfg.BasePath, "/"),
		now:      time.Now,
	}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// ObjectName builds the object key for a record.
func ObjectName(base string, r Record, at time.Time) string {
	subject := r.Subject
	if subject == "" {
		subject = "unknown"
	}
	name := fmt.Sprintf("%s-a%d-%s.txt", subject, r.Attempt, uuid.New().String())
	return path.Join(base, r.Schema, at.UTC().Format("2006-01-02"), name)
}

func (m *MinIO) Archive(ctx context.Context, r Record) (string, error) {
	var body bytes.Buffer
	if r.Err != nil {
		fmt.Fprintf(&body, "# error: %s\n", r.Err)
	}
	body.WriteString(r.Raw)

	name := ObjectName(m.basePath, r, m.now())
	_, err := m.client.PutObject(ctx, m.bucket, name, bytes.NewReader(body.Bytes()), int64(body.Len()),
		minio.PutObjectOptions{
			ContentType: "text/plain; charset=utf-8",
			UserMetadata: map[string]string{
				"schema":  r.Schema,
				"subject": r.Subject,
			},
		})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", name, err)
	}
	return name, nil
}

var (
	_ Archiver = Nop{}
	_ Archiver = (*MinIO)(nil)
)
