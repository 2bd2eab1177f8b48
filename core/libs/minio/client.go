package mio

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Retry           RetryConfig
}

type RetryConfig struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.Attempts <= 0 {
		r.Attempts = 5
	}
	if r.InitialInterval <= 0 {
		r.InitialInterval = time.Second
	}
	if r.MaxInterval <= 0 {
		r.MaxInterval = 30 * time.Second
	}
	return r
}

// NewClient connects to the object store and makes sure the bucket exists.
// Startup is retried with exponential backoff since the store is often still
// booting next to the services.
func NewClient(ctx context.Context, cfg Config) (*minio.Client, error) {
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

	retry := cfg.Retry.withDefaults()
	interval := retry.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		if lastErr = ensureBucket(ctx, client, cfg.Bucket); lastErr == nil {
			return client, nil
		}
		if attempt == retry.Attempts {
			break
		}

		slog.Warn("MinIO not ready",
			slog.String("endpoint", cfg.Endpoint),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled while waiting for MinIO: %w", ctx.Err())
		case <-time.After(interval):
		}
		interval = min(interval*2, retry.MaxInterval)
	}

	return nil, fmt.Errorf("init MinIO failed after %d attempts: %w", retry.Attempts, lastErr)
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
		resp := minio.ToErrorResponse(err)
		if resp.Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}
