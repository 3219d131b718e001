package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/schemaforge/internal/api/middleware"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
	"github.com/spf13/cobra"
)

type keyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, principalID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

func newKeysCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	var (
		principal string
		name      string
		scopes    []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			principalID := uuid.New()
			if principal != "" {
				var err error
				if principalID, err = uuid.Parse(principal); err != nil {
					return fmt.Errorf("invalid principal id %q: %w", principal, err)
				}
			}
			return withApp(cmd.Context(), func(a *app) error {
				return runKeyCreate(cmd.Context(), cmd.OutOrStdout(), a.store, principalID, name, scopes, g.json)
			})
		},
	}
	create.Flags().StringVar(&principal, "principal", "", "principal the key acts as (default: a new principal)")
	create.Flags().StringVar(&name, "name", "", "human readable key name")
	create.Flags().StringSliceVar(&scopes, "scope", []string{"read"}, "scopes to grant (read, admin)")
	_ = create.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list <principal-id>",
		Short: "List the active keys of a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principalID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid principal id %q: %w", args[0], err)
			}
			return withApp(cmd.Context(), func(a *app) error {
				keys, err := a.store.ListAPIKeys(cmd.Context(), principalID)
				if err != nil {
					return err
				}
				if g.json {
					return writeJSON(cmd.OutOrStdout(), keys)
				}
				renderKeys(cmd.OutOrStdout(), keys)
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid key id %q: %w", args[0], err)
			}
			return withApp(cmd.Context(), func(a *app) error {
				return runKeyRevoke(cmd.Context(), cmd.OutOrStdout(), a.store, id)
			})
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

var validScopes = map[string]bool{"read": true, "admin": true}

func runKeyCreate(ctx context.Context, out io.Writer, ks keyStore, principalID uuid.UUID, name string, scopes []string, asJSON bool) error {
	for _, s := range scopes {
		if !validScopes[s] {
			return fmt.Errorf("unknown scope %q", s)
		}
	}

	raw, prefix, hash, err := mw.GenerateKey()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:          uuid.New(),
		PrincipalID: principalID,
		Name:        name,
		KeyHash:     hash,
		KeyPrefix:   prefix,
		Scopes:      scopes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := ks.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}

	if asJSON {
		return writeJSON(out, struct {
			*models.APIKey
			Key string `json:"key"`
		}{key, raw})
	}
	renderKeys(out, []*models.APIKey{key})
	fmt.Fprintf(out, "\nkey: %s\nstore it now; it cannot be shown again\n", raw)
	return nil
}

func runKeyRevoke(ctx context.Context, out io.Writer, ks keyStore, id uuid.UUID) error {
	if err := ks.RevokeAPIKey(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("key %s not found or already revoked", id)
		}
		return err
	}
	fmt.Fprintf(out, "revoked key %s\n", id)
	return nil
}
