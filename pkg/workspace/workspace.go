package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kilnhq/kiln/pkg/blob"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/types"
)

// ErrInvalidPayload marks a payload that must not be written to disk:
// empty file list, absolute paths, or traversal segments.
var ErrInvalidPayload = errors.New("workspace: invalid payload")

const (
	// SourceDirName holds the materialized text files and assets
	SourceDirName = "source"
	// OutputDirName is empty at creation and receives build artifacts
	OutputDirName = "output"
)

// Workspace is an ephemeral directory tree private to one compilation
type Workspace struct {
	Root      string
	SourceDir string
	OutputDir string
}

// Create makes a fresh workspace under baseDir. Directory permissions
// restrict access to the owning process identity.
func Create(baseDir, compilationID string) (*Workspace, error) {
	root := filepath.Join(baseDir, "kiln-"+compilationID)

	ws := &Workspace{
		Root:      root,
		SourceDir: filepath.Join(root, SourceDirName),
		OutputDir: filepath.Join(root, OutputDirName),
	}

	for _, dir := range []string{ws.SourceDir, ws.OutputDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			ws.Destroy()
			return nil, fmt.Errorf("failed to create workspace dir %s: %w", dir, err)
		}
	}
	return ws, nil
}

// Destroy removes the workspace tree. Safe to call more than once.
func (w *Workspace) Destroy() {
	if w.Root == "" {
		return
	}
	if err := os.RemoveAll(w.Root); err != nil {
		log.WithComponent("workspace").Warn().Err(err).
			Str("root", w.Root).Msg("failed to remove workspace")
	}
}

// Exists reports whether the workspace root is still on disk
func (w *Workspace) Exists() bool {
	_, err := os.Stat(w.Root)
	return err == nil
}

// Builder materializes compile payloads into workspaces
type Builder struct {
	store        blob.Store
	assetsBucket string
}

// NewBuilder creates a Builder downloading assets from assetsBucket
func NewBuilder(store blob.Store, assetsBucket string) *Builder {
	return &Builder{store: store, assetsBucket: assetsBucket}
}

// Build writes the job's text files and downloads its assets into the
// workspace source tree, returning the entrypoint path relative to it.
//
// Asset download failures are non-fatal: onWarn is called and the build
// continues. Payload violations are fatal: the workspace is destroyed
// before returning ErrInvalidPayload.
func (b *Builder) Build(ctx context.Context, ws *Workspace, job *types.Job, onWarn func(string)) (string, error) {
	if len(job.Files) == 0 {
		ws.Destroy()
		return "", fmt.Errorf("%w: no source files", ErrInvalidPayload)
	}

	for _, f := range job.Files {
		if err := types.CheckRelPath(f.Path); err != nil {
			ws.Destroy()
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		dest := filepath.Join(ws.SourceDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
			ws.Destroy()
			return "", fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(dest, []byte(f.Content), 0600); err != nil {
			ws.Destroy()
			return "", fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}

	fetched := 0
	for _, a := range job.Assets {
		if err := types.CheckRelPath(a.Path); err != nil {
			ws.Destroy()
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		data, err := b.store.Download(ctx, b.assetsBucket, a.BlobRef)
		if err != nil {
			onWarn(fmt.Sprintf("Asset warning: failed to fetch %s: %v", a.Path, err))
			continue
		}
		dest := filepath.Join(ws.SourceDir, filepath.FromSlash(a.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
			onWarn(fmt.Sprintf("Asset warning: failed to place %s: %v", a.Path, err))
			continue
		}
		if err := os.WriteFile(dest, data, 0600); err != nil {
			onWarn(fmt.Sprintf("Asset warning: failed to write %s: %v", a.Path, err))
			continue
		}
		fetched++
	}

	if len(job.Assets) > 0 {
		log.WithCompilationID(job.CompilationID).Info().
			Int("fetched", fetched).
			Int("total", len(job.Assets)).
			Msg("assets materialized")
	}

	return job.Entrypoint(), nil
}
