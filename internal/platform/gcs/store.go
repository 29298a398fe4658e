// Package gcs stores task artifacts in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/phrazzld/canvas-api/internal/config"
	"github.com/phrazzld/canvas-api/internal/platform/logger"
	"github.com/phrazzld/canvas-api/internal/store"
	"google.golang.org/api/option"
)

// Store implements store.ArtifactStore on a GCS client.
type Store struct {
	client   *storage.Client
	maxBytes int64
	logger   *slog.Logger
}

var _ store.ArtifactStore = (*Store)(nil)

// Open creates a GCS client. A configured endpoint (such as a local
// emulator) is used without authentication.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Store, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return New(client, cfg.MaxArtifactBytes, logger), nil
}

// New wraps an existing client. Reads larger than maxBytes are refused.
func New(client *storage.Client, maxBytes int64, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:   client,
		maxBytes: maxBytes,
		logger:   logger.With(slog.String("component", "artifact_store")),
	}
}

// Put implements store.ArtifactStore.Put
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write artifact %s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		log.Error("failed to store artifact",
			slog.String("bucket", bucket),
			slog.String("key", key),
			slog.String("error", err.Error()))
		return fmt.Errorf("write artifact %s/%s: %w", bucket, key, err)
	}

	log.Debug("artifact stored",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Int("bytes", len(data)))
	return nil
}

// Get implements store.ArtifactStore.Get
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, store.ErrArtifactNotFound
		}
		return nil, fmt.Errorf("open artifact %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = r.Close() }()

	if s.maxBytes > 0 && r.Attrs.Size > s.maxBytes {
		return nil, fmt.Errorf("artifact %s/%s is %d bytes, limit is %d", bucket, key, r.Attrs.Size, s.maxBytes)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
