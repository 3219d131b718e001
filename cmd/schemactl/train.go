package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/schema"
	"github.com/kiranshivaraju/schemaforge/internal/training"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
	"github.com/spf13/cobra"
)

type trainService interface {
	RequestTraining(ctx context.Context, req training.Request) (*training.Response, error)
	TrainNow(ctx context.Context, req training.Request) (*models.SchemaCacheRecord, error)
}

type trainFlags struct {
	force   bool
	async   bool
	schemas []string
	tables  []string
	without []string
}

func newTrainCommand(g *globalFlags) *cobra.Command {
	f := &trainFlags{}
	cmd := &cobra.Command{
		Use:   "train <connection-id>",
		Short: "Train the schema of one connection",
		Long: `Train introspects the connection's database and stores the schema document.
By default it runs inline and prints the result; --async queues a rebuild job
for the server's workers instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connectionID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid connection id %q: %w", args[0], err)
			}
			req, err := f.request(connectionID)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(a *app) error {
				return runTrain(cmd.Context(), cmd.OutOrStdout(), a.svc, req, f.async, g.json)
			})
		},
	}
	cmd.Flags().BoolVar(&f.force, "force", false, "retrain even if recently trained or in progress")
	cmd.Flags().BoolVar(&f.async, "async", false, "queue a rebuild job instead of training inline")
	cmd.Flags().StringSliceVar(&f.schemas, "schema", nil, "restrict to these schemas (repeatable)")
	cmd.Flags().StringSliceVar(&f.tables, "table", nil, "restrict to schema.table (repeatable)")
	cmd.Flags().StringSliceVar(&f.without, "without", nil, "skip detail: columns, indexes, foreign_keys, row_counts")
	return cmd
}

func (f *trainFlags) request(connectionID uuid.UUID) (training.Request, error) {
	req := training.Request{ConnectionID: connectionID, Force: f.force}
	if len(f.schemas) == 0 && len(f.tables) == 0 && len(f.without) == 0 {
		return req, nil
	}

	opts := schema.DefaultOptions()
	opts.SelectedSchemas = f.schemas
	tables, err := parseTableRefs(f.tables)
	if err != nil {
		return req, err
	}
	opts.SelectedTables = tables
	for _, w := range f.without {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "columns":
			opts.IncludeColumns = false
		case "indexes":
			opts.IncludeIndexes = false
		case "foreign_keys", "fks":
			opts.IncludeForeignKeys = false
		case "row_counts", "rows":
			opts.IncludeRowCounts = false
		default:
			return req, fmt.Errorf("unknown --without value %q", w)
		}
	}
	req.Options = &opts
	return req, nil
}

// parseTableRefs reads schema.table pairs. The table part may itself contain
// dots; the schema is everything before the first one.
func parseTableRefs(values []string) ([]models.TableRef, error) {
	refs := make([]models.TableRef, 0, len(values))
	for _, v := range values {
		s, t, ok := strings.Cut(v, ".")
		if !ok || s == "" || t == "" {
			return nil, fmt.Errorf("table %q must be written as schema.table", v)
		}
		refs = append(refs, models.TableRef{Schema: s, Table: t})
	}
	return refs, nil
}

func runTrain(ctx context.Context, out io.Writer, svc trainService, req training.Request, async, asJSON bool) error {
	if async {
		resp, err := svc.RequestTraining(ctx, req)
		if err != nil {
			return fmt.Errorf("request training: %s", training.UserMessage(err))
		}
		if asJSON {
			return writeJSON(out, resp)
		}
		fmt.Fprintf(out, "queued job %s (%s)\n", resp.JobID, resp.Status)
		return nil
	}

	rec, err := svc.TrainNow(ctx, req)
	if err != nil {
		return fmt.Errorf("train: %s", training.UserMessage(err))
	}
	if asJSON {
		return writeJSON(out, rec)
	}
	renderRecord(out, rec)
	return nil
}
