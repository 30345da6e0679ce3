// Package archive persists engine-result snapshots to object storage for
// audit and replay. Archival is best-effort; callers log and move on.
package archive

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

	"github.com/andreafio/competition-platform/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes one JSON snapshot per generated bracket. A nil Archiver is
// valid and archives nothing.
type Archiver struct {
	dest uploader
}

// New picks S3 when a bucket is configured, a local directory when
// ARCHIVE_DIR is set, and returns nil (archival disabled) otherwise.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{dest: &s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}}, nil
	}
	if cfg.ArchiveDir != "" {
		return &Archiver{dest: &localUploader{baseDir: cfg.ArchiveDir}}, nil
	}
	return nil, nil
}

// Save uploads the engine result under events/<event>/<division>/<bracket>.json
// and returns the destination location.
func (a *Archiver) Save(ctx context.Context, eventID, divisionID, bracketID string, result map[string]any) (string, error) {
	if a == nil {
		return "", nil
	}
	body, err := json.Marshal(map[string]any{
		"event_id":      eventID,
		"division_id":   divisionID,
		"bracket_id":    bracketID,
		"archived_at":   time.Now().UTC().Format(time.RFC3339),
		"engine_result": result,
	})
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	key := sanitizeKey(fmt.Sprintf("events/%s/%s/%s.json", eventID, divisionID, bracketID))
	return a.dest.Upload(ctx, key, body, "application/json")
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
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
