package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/training"
	"github.com/spf13/cobra"
)

func newStaleCommand(g *globalFlags) *cobra.Command {
	var (
		maxAge  time.Duration
		retrain bool
	)
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List connections whose schema is missing or old",
		Long: `Stale lists active connections never trained or last trained longer than
--max-age ago. With --retrain it queues a rebuild for each, the same sweep the
server's retrain scheduler runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				age := maxAge
				if age <= 0 {
					age = a.cfg.Training.StaleMaxAge
				}
				if retrain {
					s, err := training.NewRetrainScheduler(a.svc, a.store, a.cfg.Training.RetrainSchedule, age)
					if err != nil {
						return err
					}
					n, err := s.RunOnce(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "queued %d rebuild job(s)\n", n)
					return nil
				}
				return runStale(cmd.Context(), cmd.OutOrStdout(), a.store, age, g.json)
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "staleness threshold (default TRAINING_STALE_MAX_AGE)")
	cmd.Flags().BoolVar(&retrain, "retrain", false, "queue a rebuild for every stale connection")
	return cmd
}

func runStale(ctx context.Context, out io.Writer, lister training.StaleLister, maxAge time.Duration, asJSON bool) error {
	ids, err := lister.ListStaleConnections(ctx, maxAge)
	if err != nil {
		return fmt.Errorf("list stale connections: %w", err)
	}
	if asJSON {
		if ids == nil {
			ids = []uuid.UUID{}
		}
		return writeJSON(out, ids)
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "no stale connections")
		return nil
	}
	renderStale(out, ids, maxAge)
	return nil
}
