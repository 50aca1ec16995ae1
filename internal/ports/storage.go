// Package ports declares the contracts adapters implement.
package ports

import (
	"context"
	"io"
	"time"

	"videoflow/internal/pkg/errors"
)

// ErrObjectNotFound matches a Get or Delete of an object that does not exist.
var ErrObjectNotFound = errors.New(errors.CodeNotFound, "object not found")

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey addresses the stored object from now on. Every provider
	// echoes the requested key, so derived artifact names can be built
	// from it.
	ObjectKey string
	Size      int64
}

type SignedURLOutput struct {
	URL       string
	ExpiresAt time.Time
}

// StorageProvider is implemented by localfs and gdrive.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// GetSignedURL may return an empty URL when the provider has no
	// temporary links.
	GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (SignedURLOutput, error)

	// Check verifies the provider is reachable and writable.
	Check(ctx context.Context) error
}

// ObjectNotFound returns an error matching ErrObjectNotFound for key.
func ObjectNotFound(key string) error {
	return errors.NotFound("object", key)
}
