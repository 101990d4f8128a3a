// Package s3 implements the blob.Store contract on Amazon S3 or any
// S3-compatible endpoint (MinIO, localstack).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/cnabflow/internal/logger"
	"github.com/marmos91/cnabflow/pkg/blob"
)

// Config contains the connection settings for the S3 blob store.
type Config struct {
	// Endpoint overrides the AWS endpoint, e.g. "http://localhost:9000"
	// for MinIO. Empty uses the default AWS resolution.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	Region          string `mapstructure:"region" yaml:"region"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle addresses buckets as path components instead of
	// subdomains. Required by MinIO and most S3 emulators.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// MaxRetries is the number of attempts for transient errors beyond
	// the first (default: 3).
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`

	// InitialBackoff is the delay before the first retry (default 100ms);
	// subsequent retries double it up to MaxBackoff (default 2s).
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Second
	}
}

// Store implements blob.Store backed by an S3 client.
// Safe for concurrent use by multiple goroutines.
type Store struct {
	client *s3.Client
	cfg    Config
}

// NewClient creates an S3 client from configuration parameters.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return client, nil
}

// New creates an S3-backed blob store.
func New(client *s3.Client, cfg Config) *Store {
	cfg.applyDefaults()
	return &Store{client: client, cfg: cfg}
}

// Put uploads an object and returns once it is durably stored.
// Transient errors are retried with exponential backoff. The reader must
// be seekable when retries are possible; uploads in this pipeline are
// bounded by the configured max_bytes, so callers pass bytes.Reader.
func (s *Store) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	return s.withRetry(ctx, "PutObject", key, func() error {
		if seeker, ok := r.(io.Seeker); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          r,
			ContentLength: aws.Int64(size),
		})
		return err
	})
}

// Get opens a streaming read of the object. Returns blob.ErrNotFound
// when the object does not exist.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// Delete removes the object. Deleting a missing object succeeds.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return s.withRetry(ctx, "DeleteObject", key, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
}

// EnsureBucket creates the bucket if it does not already exist.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err == nil {
		return nil
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}

	logger.Info("blob bucket created", "bucket", bucket)
	return nil
}

// withRetry runs op, retrying transient failures with exponential backoff.
func (s *Store) withRetry(ctx context.Context, op, key string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.backoff(attempt - 1)
			logger.Debug("blob operation retrying",
				"op", op, "key", key, "attempt", attempt, "backoff", backoff)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return fmt.Errorf("%s %s failed: %w", op, key, lastErr)
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", op, key, s.cfg.MaxRetries+1, lastErr)
}

func (s *Store) backoff(attempt int) time.Duration {
	d := s.cfg.InitialBackoff << attempt
	if d > s.cfg.MaxBackoff || d <= 0 {
		return s.cfg.MaxBackoff
	}
	return d
}

// isNotFound reports whether err is an S3 missing-object error.
func isNotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

// isRetryable reports whether err is worth retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled",
			"SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
			return true
		}
	}
	return false
}
