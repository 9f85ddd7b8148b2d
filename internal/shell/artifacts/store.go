// Package artifacts stores the files stages hand to each other, keyed
// <execution>/<artifact>/<file>.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidKey is returned for empty keys or keys escaping the store root.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// Store persists artifact files.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendMinIO = "minio"
)

// Config selects and configures a backend.
type Config struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`

	MinIOEndpoint  string `mapstructure:"minio_endpoint"`
	MinIOAccessKey string `mapstructure:"minio_access_key"`
	MinIOSecretKey string `mapstructure:"minio_secret_key"`
	MinIOUseSSL    bool   `mapstructure:"minio_use_ssl"`
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "" {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func objectKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// ContentTypeFor guesses a content type from the file name.
func ContentTypeFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".yml"), strings.HasSuffix(key, ".yaml"):
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}

// New creates the configured store. The s3 backend takes its client from
// newS3, so callers decide how AWS credentials are loaded.
func New(ctx context.Context, cfg Config, newS3 func(ctx context.Context, region string) (S3API, error), logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocalStore(cfg.LocalDir, logger)

	case BackendS3:
		if cfg.Bucket == "" {
			return nil, errors.New("artifacts.bucket is required for the s3 backend")
		}
		client, err := newS3(ctx, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("create s3 client: %w", err)
		}
		return NewS3Store(client, cfg.Bucket, cfg.Prefix, logger), nil

	case BackendMinIO:
		return NewMinIOStore(ctx, cfg, logger)

	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.Backend)
	}
}
