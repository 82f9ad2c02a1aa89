package blob

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the requested object does not exist.
// Any other error from a Store is a transport fault and may be retried
// at the caller's discretion.
var ErrNotFound = errors.New("blob: object not found")

// Store is an opaque object store with signed-URL issuance.
//
// Operations are independently retryable; there is no cross-operation
// transactionality. Upload overwrites any existing object at key.
type Store interface {
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Sign(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}
