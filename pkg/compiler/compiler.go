package compiler

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kilnhq/kiln/pkg/blob"
	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/logbus"
	"github.com/kilnhq/kiln/pkg/metrics"
	"github.com/kilnhq/kiln/pkg/record"
	"github.com/kilnhq/kiln/pkg/sandbox"
	"github.com/kilnhq/kiln/pkg/types"
	"github.com/kilnhq/kiln/pkg/workspace"
)

// Artifact keys under <compilation_id>/ in the compilations bucket
const (
	PDFArtifactName     = "output.pdf"
	SynctexArtifactName = "output.synctex"
)

// noPDFMessage is appended to the log when the engine exits 0 without
// producing a PDF.
const noPDFMessage = "No PDF produced despite engine success"

// maxTries bounds retries of transient record and blob operations
const maxTries = 4

// Orchestrator drives a single compile job end to end: status
// transitions, log relay, artifact handling, and cleanup.
type Orchestrator struct {
	records  record.Store
	blobs    blob.Store
	bus      *logbus.Bus
	executor sandbox.Executor
	builder  *workspace.Builder
	cfg      *config.Config

	// backOff builds the retry policy for transient store operations
	backOff func() backoff.BackOff
}

// New wires an Orchestrator from its collaborators
func New(records record.Store, blobs blob.Store, bus *logbus.Bus, executor sandbox.Executor, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		records:  records,
		blobs:    blobs,
		bus:      bus,
		executor: executor,
		builder:  workspace.NewBuilder(blobs, cfg.Blob.AssetsBucket),
		cfg:      cfg,
		backOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Run executes one job and returns its terminal status.
//
// A non-nil error means no terminal record update was persisted; the
// caller must not acknowledge the job so the queue redelivers it. When
// the error is nil exactly one terminal update was written and exactly
// one done event published, in that order.
func (o *Orchestrator) Run(ctx context.Context, job *types.Job) (status types.Status, err error) {
	id := job.CompilationID
	logger := log.WithCompilationID(id)
	start := time.Now()

	metrics.CompilationsInFlight.Inc()
	defer metrics.CompilationsInFlight.Dec()

	var logBuf strings.Builder
	emit := func(line string) {
		o.bus.Publish(id, types.LineEvent(line))
		logBuf.WriteString(line)
		logBuf.WriteByte('\n')
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("compile orchestrator panicked")
			logBuf.WriteString(fmt.Sprintf("internal error: %v\n", r))
			status, err = o.finish(context.WithoutCancel(ctx), job, types.StatusError, logBuf.String(), start, nil)
		}
	}()

	if err := o.update(ctx, id, record.Patch{Status: record.StatusPtr(types.StatusCompiling)}); err != nil {
		return "", fmt.Errorf("failed to mark compilation compiling: %w", err)
	}
	o.bus.Publish(id, types.StatusEvent(types.StatusCompiling))
	logger.Info().Str("engine", string(job.Engine)).Int("files", len(job.Files)).Msg("compilation started")

	// The queue delivers any envelope that names a compilation; bad
	// content is recorded here as a terminal error instead of being
	// silently dropped.
	if verr := job.Validate(); verr != nil {
		logBuf.WriteString(fmt.Sprintf("%v: %v\n", workspace.ErrInvalidPayload, verr))
		return o.finish(ctx, job, types.StatusError, logBuf.String(), start, nil)
	}

	ws, wsErr := workspace.Create(o.cfg.Worker.WorkspaceRoot, id)
	if wsErr != nil {
		logBuf.WriteString(wsErr.Error() + "\n")
		return o.finish(ctx, job, types.StatusError, logBuf.String(), start, nil)
	}
	defer ws.Destroy()

	entrypoint, buildErr := o.builder.Build(ctx, ws, job, emit)
	if buildErr != nil {
		logBuf.WriteString(buildErr.Error() + "\n")
		return o.finish(ctx, job, types.StatusError, logBuf.String(), start, nil)
	}

	res, execErr := o.executor.Execute(ctx, sandbox.Spec{
		CompilationID: id,
		Engine:        job.Engine,
		SourceDir:     ws.SourceDir,
		OutputDir:     ws.OutputDir,
		Entrypoint:    entrypoint,
	}, emit)

	switch classifyExit(res, execErr) {
	case types.StatusTimeout:
		logBuf.WriteString("Compilation killed: deadline exceeded\n")
		return o.finish(ctx, job, types.StatusTimeout, logBuf.String(), start, nil)

	case types.StatusError:
		if execErr != nil {
			logBuf.WriteString(execErr.Error() + "\n")
		}
		return o.finish(ctx, job, types.StatusError, logBuf.String(), start, nil)
	}

	// Engine reports success; a PDF is still required
	arts, artErr := o.collectArtifacts(ctx, id, ws.OutputDir, emit)
	if artErr != nil {
		if errors.Is(artErr, errNoPDF) {
			logBuf.WriteString(noPDFMessage + "\n")
			return o.finish(ctx, job, types.StatusError, logBuf.String(), start, nil)
		}
		logBuf.WriteString("Failed to store artifacts: " + artErr.Error() + "\n")
		return o.finish(ctx, job, types.StatusError, logBuf.String(), start, nil)
	}

	return o.finish(ctx, job, types.StatusSuccess, logBuf.String(), start, arts)
}

// classifyExit maps the sandbox outcome to a terminal status. The
// executor's deadline wins over any exit code; the engine wrapper's own
// timeout sentinel also maps to timeout.
func classifyExit(res sandbox.Result, execErr error) types.Status {
	switch {
	case errors.Is(execErr, sandbox.ErrDeadline):
		return types.StatusTimeout
	case errors.Is(execErr, context.Canceled), errors.Is(execErr, context.DeadlineExceeded):
		// Shutdown grace expired and killed the container mid-build
		return types.StatusTimeout
	case execErr != nil:
		return types.StatusError
	case res.ExitCode == sandbox.ExitTimeout:
		return types.StatusTimeout
	case res.ExitCode != 0:
		return types.StatusError
	}
	return types.StatusSuccess
}

// artifacts carries the signed URLs of uploaded build outputs
type artifacts struct {
	PDFURL     string
	SynctexURL string
}

var errNoPDF = errors.New("no pdf in output directory")

// collectArtifacts uploads the PDF (required) and the decompressed
// position map (optional) and mints signed URLs for both. A bad or
// missing position map only costs a warning line.
func (o *Orchestrator) collectArtifacts(ctx context.Context, id, outputDir string, emit func(string)) (*artifacts, error) {
	pdfPath, synctexPath := scanOutput(outputDir)
	if pdfPath == "" {
		return nil, errNoPDF
	}

	pdfData, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}

	bucket := o.cfg.Blob.CompilationsBucket
	pdfKey := id + "/" + PDFArtifactName
	if err := o.uploadWithRetry(ctx, bucket, pdfKey, pdfData, "application/pdf"); err != nil {
		return nil, fmt.Errorf("failed to upload pdf: %w", err)
	}
	metrics.ArtifactBytes.WithLabelValues("pdf").Add(float64(len(pdfData)))

	arts := &artifacts{}
	arts.PDFURL, err = o.signWithRetry(ctx, bucket, pdfKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign pdf url: %w", err)
	}

	if synctexPath != "" {
		raw, err := decompressPositionMap(synctexPath)
		if err != nil {
			emit("Position map unavailable: " + err.Error())
			return arts, nil
		}
		synctexKey := id + "/" + SynctexArtifactName
		if err := o.uploadWithRetry(ctx, bucket, synctexKey, raw, "text/plain"); err != nil {
			emit("Position map unavailable: " + err.Error())
			return arts, nil
		}
		metrics.ArtifactBytes.WithLabelValues("synctex").Add(float64(len(raw)))
		arts.SynctexURL, err = o.signWithRetry(ctx, bucket, synctexKey)
		if err != nil {
			emit("Position map unavailable: " + err.Error())
			arts.SynctexURL = ""
		}
	}
	return arts, nil
}

// scanOutput finds the first PDF and position map under dir
func scanOutput(dir string) (pdfPath, synctexPath string) {
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		switch {
		case pdfPath == "" && strings.HasSuffix(d.Name(), ".pdf"):
			pdfPath = path
		case synctexPath == "" && strings.HasSuffix(d.Name(), ".synctex.gz"):
			synctexPath = path
		}
		return nil
	})
	return pdfPath, synctexPath
}

func decompressPositionMap(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, gz); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// finish persists the terminal (or compiling-to-terminal) record update
// and, once it is visible, publishes the single done event.
func (o *Orchestrator) finish(ctx context.Context, job *types.Job, status types.Status, logText string, start time.Time, arts *artifacts) (types.Status, error) {
	// The terminal write must land even when the job's context was
	// cancelled by shutdown.
	ctx = context.WithoutCancel(ctx)
	id := job.CompilationID
	durationMS := time.Since(start).Milliseconds()

	patch := record.Patch{
		Status:     record.StatusPtr(status),
		Log:        record.String(logText),
		DurationMS: record.Int64(durationMS),
	}
	comp := &types.Compilation{ID: id, Status: status, DurationMS: durationMS}
	if arts != nil {
		patch.PDFURL = record.String(arts.PDFURL)
		comp.PDFURL = arts.PDFURL
		if arts.SynctexURL != "" {
			patch.SynctexURL = record.String(arts.SynctexURL)
			comp.SynctexURL = arts.SynctexURL
		}
	}

	if err := o.update(ctx, id, patch); err != nil {
		return "", fmt.Errorf("failed to persist terminal status %s: %w", status, err)
	}

	metrics.CompilationsTotal.WithLabelValues(string(status)).Inc()
	metrics.CompilationDuration.WithLabelValues(string(job.Engine)).Observe(float64(durationMS) / 1000)

	o.bus.Publish(id, types.DoneEvent(comp))
	log.WithCompilationID(id).Info().
		Str("status", string(status)).
		Int64("duration_ms", durationMS).
		Msg("compilation finished")
	return status, nil
}

// update applies a record patch with retries; a missing row is permanent
func (o *Orchestrator) update(ctx context.Context, id string, patch record.Patch) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := o.records.Update(ctx, id, patch)
		if errors.Is(err, record.ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(o.backOff()), backoff.WithMaxTries(maxTries))
	return err
}

func (o *Orchestrator) uploadWithRetry(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, o.blobs.Upload(ctx, bucket, key, data, contentType)
	}, backoff.WithBackOff(o.backOff()), backoff.WithMaxTries(maxTries))
	return err
}

func (o *Orchestrator) signWithRetry(ctx context.Context, bucket, key string) (string, error) {
	return backoff.Retry(ctx, func() (string, error) {
		return o.blobs.Sign(ctx, bucket, key, o.cfg.Artifacts.URLTTL.Std())
	}, backoff.WithBackOff(o.backOff()), backoff.WithMaxTries(maxTries))
}
