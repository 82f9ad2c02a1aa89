package record

import (
	"context"
	"errors"

	"github.com/kilnhq/kiln/pkg/types"
)

// ErrNotFound is returned when no compilation row exists for the id
var ErrNotFound = errors.New("record: compilation not found")

// Patch is a partial update of a compilation row. Nil fields are left
// untouched. Monotonic status transitions are the orchestrator's
// responsibility; the store applies whatever it is given.
type Patch struct {
	Status     *types.Status
	PDFURL     *string
	SynctexURL *string
	Log        *string
	DurationMS *int64
}

// Store is the durable compilations store, the source of truth for
// terminal state.
type Store interface {
	Create(ctx context.Context, c *types.Compilation) error
	Get(ctx context.Context, id string) (*types.Compilation, error)
	Update(ctx context.Context, id string, patch Patch) error
	Close() error
}

// String returns a pointer to s, for building patches
func String(s string) *string { return &s }

// Int64 returns a pointer to v, for building patches
func Int64(v int64) *int64 { return &v }

// StatusPtr returns a pointer to s, for building patches
func StatusPtr(s types.Status) *types.Status { return &s }
