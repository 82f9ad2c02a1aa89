package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/logbus"
	"github.com/kilnhq/kiln/pkg/queue"
	"github.com/kilnhq/kiln/pkg/record"
	"github.com/kilnhq/kiln/pkg/types"
)

type fakeQueue struct {
	ch    chan *queue.Delivery
	mu    sync.Mutex
	acked []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{ch: make(chan *queue.Delivery, 16)}
}

func (f *fakeQueue) Fetch(ctx context.Context, _ time.Duration) (*queue.Delivery, error) {
	select {
	case d := <-f.ch:
		return d, nil
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeQueue) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeQueue) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	err     error
	block   chan struct{}
	running int32
	peak    int32
}

func (r *fakeRunner) Run(ctx context.Context, job *types.Job) (types.Status, error) {
	n := atomic.AddInt32(&r.running, 1)
	defer atomic.AddInt32(&r.running, -1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, job.CompilationID)
	r.mu.Unlock()

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.err != nil {
		return "", r.err
	}
	return types.StatusSuccess, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testCfg() config.WorkerConfig {
	return config.WorkerConfig{
		Concurrency:   2,
		RateMax:       100,
		RateWindow:    config.Duration(time.Second),
		ShutdownGrace: config.Duration(2 * time.Second),
	}
}

func delivery(id string) *queue.Delivery {
	return &queue.Delivery{
		ID: "entry-" + id,
		Job: &types.Job{
			CompilationID: id,
			ProjectID:     "proj-1",
			Engine:        types.EnginePDFLaTeX,
			Files:         []types.SourceFile{{Path: "main.tex", Content: "x", Entrypoint: true}},
		},
	}
}

type harness struct {
	worker  *Worker
	queue   *fakeQueue
	runner  *fakeRunner
	records *record.MemoryStore
	bus     *logbus.Bus
	done    chan error
	cancel  context.CancelFunc

	stopOnce sync.Once
	stopErr  error
}

// stop cancels the worker and waits for Run to return, once
func (h *harness) stop(t *testing.T) error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.stopErr = <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("worker never stopped")
			h.stopErr = errors.New("worker never stopped")
		}
	})
	return h.stopErr
}

func startWorker(t *testing.T, runner *fakeRunner, cfg config.WorkerConfig) *harness {
	t.Helper()
	h := &harness{
		queue:   newFakeQueue(),
		runner:  runner,
		records: record.NewMemoryStore(),
		bus:     logbus.New(),
		done:    make(chan error, 1),
	}
	h.worker = New(h.queue, h.records, h.bus, runner, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.worker.Run(ctx) }()

	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) addRecord(t *testing.T, id string, status types.Status) {
	t.Helper()
	require.NoError(t, h.records.Create(context.Background(), &types.Compilation{
		ID:        id,
		ProjectID: "proj-1",
		Engine:    types.EnginePDFLaTeX,
		Status:    status,
		PDFURL:    "https://signed/" + id + "/output.pdf",
	}))
}

func TestProcessesAndAcks(t *testing.T) {
	runner := &fakeRunner{}
	h := startWorker(t, runner, testCfg())
	h.addRecord(t, "comp-1", types.StatusQueued)

	h.queue.ch <- delivery("comp-1")

	require.Eventually(t, func() bool {
		return len(h.queue.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"entry-comp-1"}, h.queue.ackedIDs())
	assert.Equal(t, 1, runner.callCount())
}

func TestTerminalRecordShortCircuits(t *testing.T) {
	runner := &fakeRunner{}
	h := startWorker(t, runner, testCfg())
	h.addRecord(t, "comp-1", types.StatusSuccess)

	sub := h.bus.Subscribe("comp-1")
	h.queue.ch <- delivery("comp-1")

	require.Eventually(t, func() bool {
		return len(h.queue.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, runner.callCount(), "terminal job must not recompile")

	var events []types.Event
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				break collect
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("log channel never closed")
		}
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, types.EventDone, last.Type)
	assert.Equal(t, "https://signed/comp-1/output.pdf", last.PDFURL)
}

func TestRunnerErrorLeavesUnacked(t *testing.T) {
	runner := &fakeRunner{err: errors.New("record store unreachable")}
	h := startWorker(t, runner, testCfg())
	h.addRecord(t, "comp-1", types.StatusQueued)

	h.queue.ch <- delivery("comp-1")

	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.queue.ackedIDs(), "transport faults must leave the entry pending")
}

func TestMissingRecordDropped(t *testing.T) {
	runner := &fakeRunner{}
	h := startWorker(t, runner, testCfg())

	h.queue.ch <- delivery("comp-ghost")

	require.Eventually(t, func() bool {
		return len(h.queue.ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, runner.callCount())
}

func TestConcurrencyBound(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	h := startWorker(t, runner, testCfg())
	for _, id := range []string{"comp-1", "comp-2", "comp-3", "comp-4"} {
		h.addRecord(t, id, types.StatusQueued)
		h.queue.ch <- delivery(id)
	}

	require.Eventually(t, func() bool {
		return runner.callCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, runner.callCount(), "third job must wait for a slot")

	close(runner.block)
	require.Eventually(t, func() bool {
		return len(h.queue.ackedIDs()) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.peak), int32(2))
}

func TestGracefulShutdownDrainsInFlight(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	h := startWorker(t, runner, testCfg())
	h.addRecord(t, "comp-1", types.StatusQueued)

	h.queue.ch <- delivery("comp-1")
	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.cancel()
	close(runner.block)
	require.NoError(t, h.stop(t))
	assert.Equal(t, []string{"entry-comp-1"}, h.queue.ackedIDs())
}

func TestShutdownGraceExpires(t *testing.T) {
	cfg := testCfg()
	cfg.ShutdownGrace = config.Duration(50 * time.Millisecond)

	runner := &fakeRunner{block: make(chan struct{})} // never closed
	h := startWorker(t, runner, cfg)
	h.addRecord(t, "comp-1", types.StatusQueued)

	h.queue.ch <- delivery("comp-1")
	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Error(t, h.stop(t), "expired grace must be reported")
	assert.Empty(t, h.queue.ackedIDs(), "aborted job must stay pending for redelivery")
}
