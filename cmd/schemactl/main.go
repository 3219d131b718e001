// Command schemactl is the operator CLI for schemaforge: inline and queued
// training, job inspection, stale connection sweeps, migrations and API keys.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	verbose bool
	json    bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:           "schemactl",
		Short:         "Operate a schemaforge deployment",
		Long:          `schemactl trains connection schemas, inspects queued jobs and manages API keys against the schemaforge database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if flags.verbose {
				level = slog.LevelInfo
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log progress to stderr")
	cmd.PersistentFlags().BoolVar(&flags.json, "json", false, "print JSON instead of tables")

	cmd.AddCommand(
		newTrainCommand(flags),
		newSchemaCommand(flags),
		newJobsCommand(flags),
		newStaleCommand(flags),
		newMigrateCommand(),
		newKeysCommand(flags),
	)
	return cmd
}
