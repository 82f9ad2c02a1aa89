package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/logbus"
	"github.com/kilnhq/kiln/pkg/metrics"
	"github.com/kilnhq/kiln/pkg/queue"
	"github.com/kilnhq/kiln/pkg/record"
	"github.com/kilnhq/kiln/pkg/types"
)

// fetchBlock is how long one Fetch call waits for a queue entry
const fetchBlock = 2 * time.Second

// Runner executes one job to a terminal state. A returned error means
// nothing terminal was persisted and the job must stay queued.
type Runner interface {
	Run(ctx context.Context, job *types.Job) (types.Status, error)
}

// Fetcher is the queue surface the worker consumes
type Fetcher interface {
	Fetch(ctx context.Context, block time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, id string) error
}

// Worker pulls jobs from the queue and dispatches them to the runner
// under a concurrency bound and an intake rate limit.
type Worker struct {
	queue   Fetcher
	records record.Store
	bus     *logbus.Bus
	runner  Runner
	cfg     config.WorkerConfig

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

// New builds a Worker. The rate limiter refills RateMax tokens per
// RateWindow with a burst of RateMax, matching a sliding-window cap.
func New(q Fetcher, records record.Store, bus *logbus.Bus, runner Runner, cfg config.WorkerConfig) *Worker {
	perSecond := float64(cfg.RateMax) / cfg.RateWindow.Std().Seconds()
	return &Worker{
		queue:   q,
		records: records,
		bus:     bus,
		runner:  runner,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter: rate.NewLimiter(rate.Limit(perSecond), cfg.RateMax),
	}
}

// Run consumes the queue until ctx is cancelled, then drains in-flight
// jobs for up to the shutdown grace. Jobs run under a context detached
// from ctx so that shutdown does not abort compiles mid-flight; jobs
// still running when the grace expires are cancelled and left unacked
// for redelivery.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithComponent("worker")
	logger.Info().
		Int("concurrency", w.cfg.Concurrency).
		Int("rate_max", w.cfg.RateMax).
		Dur("rate_window", w.cfg.RateWindow.Std()).
		Msg("worker started")

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	for ctx.Err() == nil {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}

		d, err := w.queue.Fetch(ctx, fetchBlock)
		if err != nil {
			w.sem.Release(1)
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				break
			}
			logger.Warn().Err(err).Msg("queue fetch failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if d == nil {
			w.sem.Release(1)
			continue
		}

		if !w.limiter.Allow() {
			metrics.RateLimitWaits.Inc()
			if err := w.limiter.Wait(ctx); err != nil {
				// Shutting down before the token arrives: leave the
				// entry pending for another consumer.
				w.sem.Release(1)
				break
			}
		}

		w.wg.Add(1)
		go func(d *queue.Delivery) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.handle(jobCtx, d)
		}(d)
	}

	logger.Info().Msg("worker draining in-flight jobs")
	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		logger.Info().Msg("worker stopped")
		return nil
	case <-time.After(w.cfg.ShutdownGrace.Std()):
		cancelJobs()
		w.wg.Wait()
		return fmt.Errorf("shutdown grace expired with jobs in flight")
	}
}

// handle runs one delivery to completion, short-circuiting redeliveries
// of already-terminal compilations.
func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	id := d.Job.CompilationID
	logger := log.WithCompilationID(id)

	comp, err := w.records.Get(ctx, id)
	switch {
	case err == nil && comp.Status.IsTerminal():
		// At-least-once redelivery of a finished job: re-announce the
		// terminal state instead of recompiling.
		metrics.JobsShortCircuited.Inc()
		w.bus.Publish(id, types.StatusEvent(comp.Status))
		w.bus.Publish(id, types.DoneEvent(comp))
		w.ack(ctx, d)
		logger.Info().Str("status", string(comp.Status)).Msg("redelivered job already terminal")
		return

	case errors.Is(err, record.ErrNotFound):
		// No row to report into; the entry can never complete
		logger.Warn().Msg("dropping job with no compilation record")
		w.ack(ctx, d)
		return

	case err != nil:
		logger.Warn().Err(err).Msg("record lookup failed, attempting compile anyway")
	}

	if _, err := w.runner.Run(ctx, d.Job); err != nil {
		// Nothing terminal was persisted: keep the entry pending so the
		// queue redelivers it after the stall grace.
		logger.Warn().Err(err).Msg("compile did not reach a terminal state, leaving job queued")
		return
	}
	w.ack(ctx, d)
}

func (w *Worker) ack(ctx context.Context, d *queue.Delivery) {
	if err := w.queue.Ack(ctx, d.ID); err != nil {
		log.WithCompilationID(d.Job.CompilationID).Warn().Err(err).
			Str("entry", d.ID).Msg("failed to ack queue entry")
	}
}
