package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/jobs"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
	"github.com/spf13/cobra"
)

type jobService interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

func newJobsCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel queued jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			return withApp(cmd.Context(), func(a *app) error {
				return runJobGet(cmd.Context(), cmd.OutOrStdout(), a.queue, id, g.json)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Long:  `Cancel stops the job from being claimed or retried. A handler already running finishes its attempt.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			return withApp(cmd.Context(), func(a *app) error {
				return runJobCancel(cmd.Context(), cmd.OutOrStdout(), a.queue, id, g.json)
			})
		},
	})
	return cmd
}

func runJobGet(ctx context.Context, out io.Writer, q jobService, id uuid.UUID, asJSON bool) error {
	job, err := q.GetJob(ctx, id)
	if err != nil {
		return jobLookupError(id, err)
	}
	if asJSON {
		return writeJSON(out, job)
	}
	renderJob(out, job)
	return nil
}

// runJobCancel reads the job first: Cancel on a finished job is a no-op that
// returns the job unchanged, which would look like a fresh cancellation.
func runJobCancel(ctx context.Context, out io.Writer, q jobService, id uuid.UUID, asJSON bool) error {
	prior, err := q.GetJob(ctx, id)
	if err != nil {
		return jobLookupError(id, err)
	}
	job := prior
	if !prior.State.Terminal() {
		if job, err = q.Cancel(ctx, id); err != nil {
			return jobLookupError(id, err)
		}
	}
	if asJSON {
		return writeJSON(out, job)
	}
	if prior.State.Terminal() || job.State != models.JobStateCancelled {
		fmt.Fprintf(out, "job %s already %s\n", id, job.State)
		return nil
	}
	renderJob(out, job)
	return nil
}

func jobLookupError(id uuid.UUID, err error) error {
	if errors.Is(err, jobs.ErrNotFound) {
		return fmt.Errorf("job %s not found", id)
	}
	return err
}
