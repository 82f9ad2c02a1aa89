package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/queue"
	"github.com/kilnhq/kiln/pkg/types"
)

var (
	enqueueProject string
	enqueueEngine  string
)

// enqueueCmd submits local .tex files as a compile job, for smoke
// testing a deployment without the enqueuing API in front of it.
var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file>...",
	Short: "Submit local TeX files as a compile job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		job := &types.Job{
			CompilationID: uuid.NewString(),
			ProjectID:     enqueueProject,
			Engine:        types.Engine(enqueueEngine),
		}
		for i, arg := range args {
			content, err := os.ReadFile(arg)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", arg, err)
			}
			job.Files = append(job.Files, types.SourceFile{
				Path:       filepath.Base(arg),
				Content:    string(content),
				Entrypoint: i == 0,
			})
		}
		if err := job.Validate(); err != nil {
			return err
		}

		ctx := context.Background()
		records, err := openRecordStore(cfg)
		if err != nil {
			return err
		}
		defer records.Close()

		if err := records.Create(ctx, &types.Compilation{
			ID:        job.CompilationID,
			ProjectID: job.ProjectID,
			Engine:    job.Engine,
			Status:    types.StatusQueued,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("failed to create compilation record: %w", err)
		}

		q, err := queue.New(cfg.Queue)
		if err != nil {
			return err
		}
		defer q.Close()

		entryID, err := q.Enqueue(ctx, job)
		if err != nil {
			return err
		}

		fmt.Printf("Enqueued compilation %s (entry %s)\n", job.CompilationID, entryID)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueProject, "project", "p", "", "project id (required)")
	enqueueCmd.Flags().StringVarP(&enqueueEngine, "engine", "e", string(types.EnginePDFLaTeX), "tex engine (pdflatex, xelatex, lualatex)")
	enqueueCmd.MarkFlagRequired("project")
}
