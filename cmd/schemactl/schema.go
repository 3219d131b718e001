package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
	"github.com/spf13/cobra"
)

type schemaService interface {
	GetSchemaCache(ctx context.Context, connectionID uuid.UUID) (*models.SchemaCacheRecord, error)
	DeleteSchemaCache(ctx context.Context, connectionID uuid.UUID) error
}

func newSchemaCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Show or drop stored schema documents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <connection-id>",
		Short: "Print the stored schema of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid connection id %q: %w", args[0], err)
			}
			return withApp(cmd.Context(), func(a *app) error {
				return runSchemaShow(cmd.Context(), cmd.OutOrStdout(), a.svc, id, g.json)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drop <connection-id>",
		Short: "Delete the stored schema of a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid connection id %q: %w", args[0], err)
			}
			return withApp(cmd.Context(), func(a *app) error {
				if err := a.svc.DeleteSchemaCache(cmd.Context(), id); err != nil {
					return schemaLookupError(id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped schema of %s\n", id)
				return nil
			})
		},
	})
	return cmd
}

func runSchemaShow(ctx context.Context, out io.Writer, svc schemaService, id uuid.UUID, asJSON bool) error {
	rec, err := svc.GetSchemaCache(ctx, id)
	if err != nil {
		return schemaLookupError(id, err)
	}
	if asJSON {
		return writeJSON(out, rec)
	}
	renderRecord(out, rec)
	return nil
}

func schemaLookupError(id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no schema stored for connection %s", id)
	}
	return err
}
