package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/log"
)

// killGrace bounds how long we wait for the exit status after a
// deadline SIGKILL before giving up on the wait channel.
const killGrace = 10 * time.Second

// DockerExecutor runs compiles in hardened Docker containers
type DockerExecutor struct {
	cli *client.Client
	cfg config.SandboxConfig
}

// NewDockerExecutor connects to the Docker daemon. An empty host falls
// back to the environment (DOCKER_HOST or the default socket).
func NewDockerExecutor(cfg config.SandboxConfig) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}
	return &DockerExecutor{cli: cli, cfg: cfg}, nil
}

// Close releases the daemon connection
func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// image resolves the container image for an engine tag
func (e *DockerExecutor) image(engine string) string {
	if img, ok := e.cfg.Images[engine]; ok && img != "" {
		return img
	}
	return e.cfg.ImagePrefix + "-" + engine
}

// hostConfig builds the hardening profile: read-only root, no network,
// no capabilities, no privilege escalation, bounded memory, CPU, pids,
// and a memory-backed scratch space at /tmp.
func (e *DockerExecutor) hostConfig(spec Spec) *container.HostConfig {
	pids := e.cfg.PidsLimit
	return &container.HostConfig{
		Binds: []string{
			spec.SourceDir + ":" + SourceMount,
			spec.OutputDir + ":" + OutputMount,
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		NetworkMode:    "none",
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%d", e.cfg.TmpfsBytes),
		},
		Resources: container.Resources{
			Memory:    e.cfg.MemoryBytes,
			NanoCPUs:  int64(e.cfg.CPUs * 1e9),
			PidsLimit: &pids,
		},
	}
}

// deadlineExpired reports whether runCtx ended because the wall-clock
// deadline fired, as opposed to the parent context being cancelled.
func deadlineExpired(runCtx, parent context.Context) bool {
	return runCtx.Err() != nil && parent.Err() == nil
}

// Execute creates, attaches to, and runs one compile container. Output
// frames are demultiplexed and forwarded line by line to onLine. The
// container is force-removed on every path.
func (e *DockerExecutor) Execute(ctx context.Context, spec Spec, onLine func(string)) (Result, error) {
	logger := log.WithCompilationID(spec.CompilationID)
	start := time.Now()

	created, err := e.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      e.image(string(spec.Engine)),
			Cmd:        []string{spec.Entrypoint},
			WorkingDir: SourceMount,
		},
		e.hostConfig(spec),
		nil, nil, "kiln-"+spec.CompilationID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create: %v", ErrStart, err)
	}
	id := created.ID

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			logger.Warn().Err(err).Str("container", id).Msg("failed to remove container")
		}
	}()

	attach, err := e.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: attach: %v", ErrStart, err)
	}
	defer attach.Close()

	demuxDone := make(chan error, 1)
	go func() {
		demuxDone <- demux(attach.Reader, onLine)
	}()

	if err := e.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("%w: start: %v", ErrStart, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Deadline.Std())
	defer cancel()

	waitCh, waitErrCh := e.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case status := <-waitCh:
		wall := time.Since(start).Milliseconds()
		attach.Close()
		<-demuxDone
		// When the exit and the deadline land together the deadline
		// wins, so the outcome does not depend on select ordering.
		if deadlineExpired(runCtx, ctx) {
			return Result{WallTimeMS: wall}, ErrDeadline
		}
		if status.Error != nil {
			return Result{WallTimeMS: wall}, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return Result{ExitCode: int(status.StatusCode), WallTimeMS: wall}, nil

	case err := <-waitErrCh:
		attach.Close()
		<-demuxDone
		return Result{WallTimeMS: time.Since(start).Milliseconds()}, fmt.Errorf("container wait: %w", err)

	case <-runCtx.Done():
		cause := error(ErrDeadline)
		if ctx.Err() != nil {
			// Parent cancellation, not the wall-clock deadline
			cause = ctx.Err()
		}
		logger.Warn().Str("container", id).Dur("deadline", e.cfg.Deadline.Std()).
			Msg("run interrupted, killing container")
		killCtx, killCancel := context.WithTimeout(context.Background(), killGrace)
		defer killCancel()
		if err := e.cli.ContainerKill(killCtx, id, "SIGKILL"); err != nil {
			logger.Warn().Err(err).Str("container", id).Msg("failed to kill container")
		}
		select {
		case <-waitCh:
		case <-waitErrCh:
		case <-time.After(killGrace):
		}
		attach.Close()
		<-demuxDone
		return Result{WallTimeMS: time.Since(start).Milliseconds()}, cause
	}
}
