package store

import "context"

// ArtifactStore is the boundary to object storage for task inputs and outputs.
type ArtifactStore interface {
	// Put writes data under bucket/key, replacing any existing object.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// Get reads the object at bucket/key.
	// Returns ErrArtifactNotFound if no object exists.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}
