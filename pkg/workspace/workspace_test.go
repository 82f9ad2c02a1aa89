package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/pkg/blob"
	"github.com/kilnhq/kiln/pkg/types"
)

func testJob() *types.Job {
	return &types.Job{
		CompilationID: "comp-1",
		ProjectID:     "proj-1",
		Engine:        types.EnginePDFLaTeX,
		Files: []types.SourceFile{
			{Path: "main.tex", Content: "\\documentclass{article}", Entrypoint: true},
			{Path: "chapters/intro.tex", Content: "intro"},
		},
	}
}

func TestCreateLayout(t *testing.T) {
	ws, err := Create(t.TempDir(), "comp-1")
	require.NoError(t, err)
	defer ws.Destroy()

	for _, dir := range []string{ws.SourceDir, ws.OutputDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}

	entries, err := os.ReadDir(ws.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "output dir must start empty")
}

func TestBuildWritesFiles(t *testing.T) {
	ws, err := Create(t.TempDir(), "comp-1")
	require.NoError(t, err)
	defer ws.Destroy()

	b := NewBuilder(blob.NewMemoryStore(), "project-assets")
	entrypoint, err := b.Build(context.Background(), ws, testJob(), func(string) {})
	require.NoError(t, err)
	assert.Equal(t, "main.tex", entrypoint)

	data, err := os.ReadFile(filepath.Join(ws.SourceDir, "main.tex"))
	require.NoError(t, err)
	assert.Equal(t, "\\documentclass{article}", string(data))

	data, err = os.ReadFile(filepath.Join(ws.SourceDir, "chapters", "intro.tex"))
	require.NoError(t, err)
	assert.Equal(t, "intro", string(data))
}

func TestBuildDownloadsAssets(t *testing.T) {
	store := blob.NewMemoryStore()
	require.NoError(t, store.Upload(context.Background(), "project-assets", "blobs/fig1", []byte{0x89, 0x50}, "image/png"))

	job := testJob()
	job.Assets = []types.Asset{{Path: "figures/fig1.png", BlobRef: "blobs/fig1"}}

	ws, err := Create(t.TempDir(), "comp-1")
	require.NoError(t, err)
	defer ws.Destroy()

	b := NewBuilder(store, "project-assets")
	_, err = b.Build(context.Background(), ws, job, func(string) {})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws.SourceDir, "figures", "fig1.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50}, data)
}

func TestBuildAssetFailureNonFatal(t *testing.T) {
	store := blob.NewMemoryStore()
	store.FailDownloads["blobs/missing"] = true

	job := testJob()
	job.Assets = []types.Asset{{Path: "figures/fig1.png", BlobRef: "blobs/missing"}}

	ws, err := Create(t.TempDir(), "comp-1")
	require.NoError(t, err)
	defer ws.Destroy()

	var warnings []string
	b := NewBuilder(store, "project-assets")
	entrypoint, err := b.Build(context.Background(), ws, job, func(msg string) {
		warnings = append(warnings, msg)
	})
	require.NoError(t, err, "asset failures must not fail the build")
	assert.Equal(t, "main.tex", entrypoint)

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "Asset warning:")
	assert.Contains(t, warnings[0], "figures/fig1.png")

	_, err = os.Stat(filepath.Join(ws.SourceDir, "figures", "fig1.png"))
	assert.True(t, os.IsNotExist(err))
}

func TestBuildRejectsTraversal(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.Job)
	}{
		{
			name: "parent escape in file",
			mutate: func(j *types.Job) {
				j.Files[0].Path = "../../etc/passwd"
			},
		},
		{
			name: "absolute file path",
			mutate: func(j *types.Job) {
				j.Files[0].Path = "/etc/passwd"
			},
		},
		{
			name: "embedded parent segment",
			mutate: func(j *types.Job) {
				j.Files[1].Path = "chapters/../../escape.tex"
			},
		},
		{
			name: "traversal in asset path",
			mutate: func(j *types.Job) {
				j.Assets = []types.Asset{{Path: "../fig.png", BlobRef: "blobs/fig"}}
			},
		},
		{
			name: "empty file list",
			mutate: func(j *types.Job) {
				j.Files = nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := testJob()
			tt.mutate(job)

			ws, err := Create(t.TempDir(), "comp-1")
			require.NoError(t, err)

			b := NewBuilder(blob.NewMemoryStore(), "project-assets")
			_, err = b.Build(context.Background(), ws, job, func(string) {})
			require.ErrorIs(t, err, ErrInvalidPayload)
			assert.False(t, ws.Exists(), "workspace must be destroyed on payload rejection")
		})
	}
}

func TestEntrypointFallback(t *testing.T) {
	job := testJob()
	job.Files[0].Entrypoint = false

	ws, err := Create(t.TempDir(), "comp-1")
	require.NoError(t, err)
	defer ws.Destroy()

	b := NewBuilder(blob.NewMemoryStore(), "project-assets")
	entrypoint, err := b.Build(context.Background(), ws, job, func(string) {})
	require.NoError(t, err)
	assert.Equal(t, types.DefaultEntrypoint, entrypoint)
}

func TestDestroyIdempotent(t *testing.T) {
	ws, err := Create(t.TempDir(), "comp-1")
	require.NoError(t, err)

	ws.Destroy()
	assert.False(t, ws.Exists())
	ws.Destroy()
}
