package sandbox

import (
	"context"
	"errors"

	"github.com/kilnhq/kiln/pkg/types"
)

// Fixed mount points inside the container. The position map parser
// strips these prefixes from file paths.
const (
	SourceMount = "/work/source"
	OutputMount = "/work/output"
)

// ExitTimeout is the engine wrapper's own timeout sentinel, distinct
// from the executor's wall-clock deadline.
const ExitTimeout = 3

var (
	// ErrStart reports that the container never started
	ErrStart = errors.New("sandbox: failed to start container")

	// ErrDeadline reports that the wall-clock deadline expired and the
	// container was killed. The orchestrator maps this to a timeout
	// regardless of any exit code.
	ErrDeadline = errors.New("sandbox: deadline exceeded")
)

// Spec describes one sandboxed compile run
type Spec struct {
	CompilationID string
	Engine        types.Engine
	SourceDir     string
	OutputDir     string
	Entrypoint    string
}

// Result reports how the container exited
type Result struct {
	ExitCode   int
	WallTimeMS int64
}

// Executor runs one compile inside an isolated container, forwarding
// each output line to onLine as it arrives.
type Executor interface {
	Execute(ctx context.Context, spec Spec, onLine func(string)) (Result, error)
}
