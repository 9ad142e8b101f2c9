package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"inboxd/internal/service"
	sqlstore "inboxd/internal/storage/sql"
)

func newMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the index database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema is up to date (%s)\n", a.Config.Database.Type)
			return nil
		},
	}
}

func newReindexCommand(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild missing index rows from envelope files",
		Long: "Walks the inbox directory and inserts an index row for every envelope that has none.\n" +
			"Existing rows, including their claim state, are left untouched.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Messages.Reindex(cmd.Context(), a.Envelopes, dryRun)
			if err != nil {
				return err
			}
			return opts.printResult(cmd.OutOrStdout(), result, func(w io.Writer) {
				verb := "indexed"
				count := result.Indexed
				if dryRun {
					verb = "would index"
					count = len(result.Missing)
				}
				fmt.Fprintf(w, "scanned %d envelopes, %s %d, skipped %d\n", result.Scanned, verb, count, result.Skipped)
				for _, id := range result.Missing {
					fmt.Fprintf(w, "  %s\n", id)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report missing rows without writing")
	return cmd
}

func newReleaseCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Clear the claim on a message so it is delivered again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			released, err := a.Messages.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if released {
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not claimed\n", args[0])
			}
			return nil
		},
	}
}

func newAPIKeyCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var (
		scopes    []string
		expiresIn time.Duration
	)
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Issue a new API key; the secret is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			input := service.CreateAPIKeyInput{Name: args[0], Scopes: scopes}
			if expiresIn > 0 {
				input.ExpiresIn = &expiresIn
			}
			key, token, err := a.APIKeys.CreateAPIKey(cmd.Context(), input)
			if err != nil {
				return err
			}
			out := struct {
				Key string `json:"key"`
				ID  string `json:"id"`
			}{Key: token, ID: key.ID}
			return opts.printResult(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "id:     %s\nscopes: %s\nkey:    %s\n", key.ID, key.Scopes, token)
			})
		},
	}
	create.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant: read, write, admin (default read)")
	create.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime such as 720h; zero never expires")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			keys, err := a.APIKeys.ListAPIKeys(cmd.Context())
			if err != nil {
				return err
			}
			return opts.printResult(cmd.OutOrStdout(), keys, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPREFIX\tSCOPES\tACTIVE\tEXPIRES")
				for _, k := range keys {
					expires := "-"
					if k.ExpiresAt != nil {
						expires = k.ExpiresAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", k.ID, k.Name, k.Prefix, k.Scopes, k.Active, expires)
				}
				tw.Flush()
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.APIKeys.RevokeAPIKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, list, revoke)
	return cmd
}

func newDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database related commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List registered database types",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			types := make([]string, 0)
			for _, t := range sqlstore.RegisteredDBTypes() {
				types = append(types, string(t))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Registered database types:")
			fmt.Fprintln(cmd.OutOrStdout(), " - "+strings.Join(types, "\n - "))
		},
	})
	return cmd
}
