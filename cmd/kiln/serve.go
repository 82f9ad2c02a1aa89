package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/pkg/blob"
	"github.com/kilnhq/kiln/pkg/compiler"
	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/logbus"
	"github.com/kilnhq/kiln/pkg/metrics"
	"github.com/kilnhq/kiln/pkg/queue"
	"github.com/kilnhq/kiln/pkg/record"
	"github.com/kilnhq/kiln/pkg/sandbox"
	"github.com/kilnhq/kiln/pkg/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compile worker",
	Long: `Start the worker daemon: connect to Redis, the record store, and the
blob store, then consume compile jobs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			Output:     os.Stderr,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		records, err := openRecordStore(cfg)
		if err != nil {
			return err
		}
		defer records.Close()

		blobs, err := blob.NewS3Store(ctx, blob.S3Options{
			Region:         cfg.Blob.Region,
			Endpoint:       cfg.Blob.Endpoint,
			ForcePathStyle: cfg.Blob.ForcePathStyle,
		})
		if err != nil {
			return err
		}

		executor, err := sandbox.NewDockerExecutor(cfg.Sandbox)
		if err != nil {
			return err
		}
		defer executor.Close()

		q, err := queue.New(cfg.Queue)
		if err != nil {
			return err
		}
		defer q.Close()

		bus := logbus.New()
		orch := compiler.New(records, blobs, bus, executor, cfg)
		w := worker.New(q, records, bus, orch, cfg.Worker)

		if cfg.Metrics.Addr != "" {
			go serveMetrics(cfg.Metrics.Addr)
		}

		log.WithComponent("main").Info().
			Str("version", Version).
			Str("queue", cfg.Queue.Stream).
			Str("record_driver", cfg.Record.Driver).
			Msg("kiln worker starting")

		return w.Run(ctx)
	},
}

func openRecordStore(cfg *config.Config) (record.Store, error) {
	switch cfg.Record.Driver {
	case "postgres":
		return record.NewPostgresStore(cfg.Record.DSN)
	case "bolt":
		return record.NewBoltStore(cfg.Record.DataDir)
	}
	return nil, fmt.Errorf("unknown record driver %q", cfg.Record.Driver)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithComponent("metrics").Error().Err(err).Msg("metrics server failed")
	}
}
