// Package users implements the account migration commands.
package users

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/casebook-app/migrate/internal/app"
	"github.com/casebook-app/migrate/internal/conf"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/migration"
)

// Command returns the users command group.
func Command(ctx *app.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Migrate accounts from Kinde to Clerk",
		Long: `Account migration stages, in runbook order:

  casebook-migrate users conflicts   # list emails present in both systems
  casebook-migrate users resolve     # apply MIGRATION_CONFLICT_STRATEGY to them
  casebook-migrate users test        # migrate MIGRATION_TEST_LIMIT users
  casebook-migrate users migrate     # migrate everyone else`,
	}

	cmd.AddCommand(
		conflictsCommand(ctx),
		resolveCommand(ctx),
		migrateCommand(ctx),
		testCommand(ctx),
		consentCommand(ctx),
	)
	return cmd
}

func conflictsCommand(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List emails that exist in both the legacy and the target system",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ctx.App
			if err := a.Require(conf.StageConflicts); err != nil {
				return err
			}
			resolver, err := a.Resolver()
			if err != nil {
				return err
			}
			return a.Run(cmd.Context(), "users conflicts", "conflicts", func(ctx context.Context) (any, error) {
				report, err := resolver.IdentifyExistingUsers(ctx)
				if err != nil {
					return nil, err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%d legacy users, %d target users, %d conflicts\n",
					report.SourceCount, report.TargetCount, report.ConflictCount)
				for _, email := range report.Conflicts {
					fmt.Fprintln(out, "  "+logger.MaskEmail(email))
				}
				return report, nil
			})
		},
	}
}

func resolveCommand(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Resolve conflicting accounts with the configured strategy",
		Long: `Resolve every conflicting email with MIGRATION_CONFLICT_STRATEGY:

  merge              link the legacy id to the existing target account
  skip               leave both accounts untouched
  alternative_email  migrate the legacy user under local+legacy-<id>@domain

Re-running is safe: accounts that were already linked are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ctx.App
			if err := a.Require(conf.StageConflicts); err != nil {
				return err
			}
			resolver, err := a.Resolver()
			if err != nil {
				return err
			}
			return a.Run(cmd.Context(), "users resolve", "resolve", func(ctx context.Context) (any, error) {
				res, err := resolver.HandleConflicts(ctx)
				if res != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "merged %d, created %d, skipped %d, errors %d\n",
						res.Merged, res.Created, res.Skipped, res.Errors)
				}
				return res, err
			})
		},
	}
}

func migrateCommand(ctx *app.Context) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create target accounts for legacy users",
		Long: `Create a target account for every legacy user that has not been migrated.

Per-user failures are recorded in the report and never stop the batch.
Re-running skips users that were already migrated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return errors.ValidationError(fmt.Sprintf("--limit must not be negative, got %d", limit))
			}
			return runMigration(cmd, ctx.App, "users migrate", limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Migrate at most this many users (0 means all)")
	return cmd
}

func testCommand(ctx *app.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Migrate MIGRATION_TEST_LIMIT users as a smoke test",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ctx.App
			return runMigration(cmd, a, "users test", a.Settings.Migration.TestLimit)
		},
	}
}

func runMigration(cmd *cobra.Command, a *app.App, command string, limit int) error {
	if err := a.Require(conf.StageUsers); err != nil {
		return err
	}
	migrator, err := a.Migrator()
	if err != nil {
		return err
	}
	return a.Run(cmd.Context(), command, "users", func(ctx context.Context) (any, error) {
		res, err := migrator.MigrateUsers(ctx, limit)
		if res != nil {
			printBatch(cmd.OutOrStdout(), res)
		}
		return res, err
	})
}

func printBatch(out io.Writer, res *migration.BatchResult) {
	fmt.Fprintf(out, "total %d, created %d, skipped %d (merged %d), errors %d\n",
		res.Total, res.Success, res.Skipped, res.Merged, res.Errors)
	for _, r := range res.Details {
		if r.Status == migration.StatusError {
			fmt.Fprintf(out, "  %s: %s\n", logger.MaskEmail(r.Email), r.Error)
		}
	}
}

func consentCommand(ctx *app.Context) *cobra.Command {
	var (
		email  string
		revoke bool
	)

	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Record a user's consent to have their documents migrated",
		Example: `  casebook-migrate users consent --email=ada@example.com
  casebook-migrate users consent --email=ada@example.com --revoke`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ctx.App
			db, err := a.Database()
			if err != nil {
				return err
			}
			given := !revoke
			return a.Run(cmd.Context(), "users consent", "consent", func(ctx context.Context) (any, error) {
				if err := db.Users().SetConsent(ctx, email, given); err != nil {
					return nil, errors.New(err).
						Component("users").
						Context("email", logger.MaskEmail(email)).
						Build()
				}
				a.Log.Info("consent updated", logger.Email("email", email), logger.Bool("given", given))
				return map[string]any{"email": logger.MaskEmail(email), "consentGiven": given}, nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email of the target account")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "Withdraw consent instead of giving it")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
