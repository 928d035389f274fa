package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// OutputStore archives the captured output of finished steps.
type OutputStore interface {
	// Store saves output and returns a reference path/URL
	Store(ctx context.Context, submissionID string, output []byte) (string, error)
	// Retrieve fetches output by reference
	Retrieve(ctx context.Context, reference string) ([]byte, error)
}

// S3OutputStore stores output in S3-compatible storage
type S3OutputStore struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// S3OutputStoreConfig holds S3 configuration
type S3OutputStoreConfig struct {
	Bucket          string
	Prefix          string // e.g., "sparkstep/output/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3OutputStore creates a new S3-backed output store
func NewS3OutputStore(ctx context.Context, cfg S3OutputStoreConfig) (*S3OutputStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 output store: bucket is required")
	}

	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // MinIO
		})
	}

	return &S3OutputStore{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

// Store uploads output under a date-partitioned key.
func (s *S3OutputStore) Store(ctx context.Context, submissionID string, output []byte) (string, error) {
	key := s.buildKey(submissionID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(output),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload output to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches output from S3
func (s *S3OutputStore) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(extractKey(reference)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get output from S3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return data, nil
}

func (s *S3OutputStore) buildKey(submissionID string) string {
	return fmt.Sprintf("%s%s/%s.log", s.prefix, s.now().UTC().Format("2006/01/02"), submissionID)
}

// extractKey strips the s3://bucket/ prefix from a reference.
func extractKey(reference string) string {
	rest, ok := strings.CutPrefix(reference, "s3://")
	if !ok {
		return reference
	}
	if _, key, found := strings.Cut(rest, "/"); found {
		return key
	}
	return ""
}

// LocalOutputStore stores output on the local filesystem (development/single-node)
type LocalOutputStore struct {
	basePath string
}

// NewLocalOutputStore creates a local filesystem output store
func NewLocalOutputStore(basePath string) (*LocalOutputStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &LocalOutputStore{basePath: basePath}, nil
}

// Store writes output to <basePath>/<submissionID>.log
func (l *LocalOutputStore) Store(_ context.Context, submissionID string, output []byte) (string, error) {
	if submissionID == "" || strings.ContainsAny(submissionID, `/\`) || submissionID == ".." {
		return "", fmt.Errorf("invalid submission id %q", submissionID)
	}
	path := filepath.Join(l.basePath, submissionID+".log")
	if err := os.WriteFile(path, output, 0o644); err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	return path, nil
}

// Retrieve reads output back. Only files under the base path are served.
func (l *LocalOutputStore) Retrieve(_ context.Context, reference string) ([]byte, error) {
	rel, err := filepath.Rel(l.basePath, filepath.Clean(reference))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("reference %q is outside the output directory", reference)
	}
	data, err := os.ReadFile(filepath.Join(l.basePath, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
	return data, nil
}
