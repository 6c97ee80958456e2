package storage

import (
	"context"
	"fmt"

	"github.com/fruitsalade/fruitsalade/livesync/internal/config"
	"github.com/fruitsalade/fruitsalade/livesync/internal/storage/local"
	s3backend "github.com/fruitsalade/fruitsalade/livesync/internal/storage/s3"
)

// NewBackend creates the Backend selected by cfg.StorageBackend.
func NewBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return s3backend.NewBackend(ctx, s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case "local":
		return local.New(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.StorageBackend)
	}
}
