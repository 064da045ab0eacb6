// Package documents implements the document transfer command.
package documents

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casebook-app/migrate/internal/app"
	"github.com/casebook-app/migrate/internal/conf"
	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/datastore/repository"
	"github.com/casebook-app/migrate/internal/documents"
	"github.com/casebook-app/migrate/internal/errors"
)

// Command returns the documents command group.
func Command(ctx *app.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Move case and library documents from Firebase to the new bucket",
	}
	cmd.AddCommand(migrateCommand(ctx))
	return cmd
}

func migrateCommand(ctx *app.Context) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Transfer documents for migrated users",
		Long: `Transfer the documents of every migrated user whose documents are pending,
or failed in an earlier run. Users already completed are left untouched and
documents registered by an earlier run are skipped.

Examples:
  # Everyone
  casebook-migrate documents migrate

  # One user, by legacy id or by email
  casebook-migrate documents migrate --user=kp_1a2b3c
  casebook-migrate documents migrate --user=ada@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ctx.App
			if err := a.Require(conf.StageDocuments); err != nil {
				return err
			}
			pipeline, err := a.Pipeline(cmd.Context())
			if err != nil {
				return err
			}
			db, err := a.Database()
			if err != nil {
				return err
			}

			if user == "" {
				return a.Run(cmd.Context(), "documents migrate", "documents", func(ctx context.Context) (any, error) {
					res, err := pipeline.MigrateAll(ctx)
					if res != nil {
						printRun(cmd.OutOrStdout(), res)
					}
					return res, err
				})
			}

			return a.Run(cmd.Context(), "documents migrate --user", "documents", func(ctx context.Context) (any, error) {
				owner, err := findOwner(ctx, db.Users(), user)
				if err != nil {
					return nil, err
				}
				res, err := pipeline.MigrateUser(ctx, owner)
				if res != nil {
					printUser(cmd.OutOrStdout(), res)
				}
				return res, err
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Only migrate this user (legacy id or email)")
	return cmd
}

// findOwner looks a user up by email when ref contains an @, by legacy id
// otherwise.
func findOwner(ctx context.Context, users repository.UserRepository, ref string) (*entities.User, error) {
	var (
		owner *entities.User
		err   error
	)
	if strings.Contains(ref, "@") {
		owner, err = users.FindByEmail(ctx, ref)
	} else {
		owner, err = users.FindBySourceID(ctx, ref)
	}
	if errors.Is(err, repository.ErrUserNotFound) {
		return nil, errors.New(err).
			Component("documents").
			Category(errors.CategoryNotFound).
			Context("user", ref).
			Build()
	}
	return owner, err
}

func printRun(out io.Writer, res *documents.RunResult) {
	fmt.Fprintf(out, "users %d (completed %d, failed %d), documents transferred %d, skipped %d\n",
		res.Users, res.Completed, res.Failed, res.Transferred, res.Skipped)
	for _, e := range res.Errors {
		fmt.Fprintln(out, "  "+e)
	}
}

func printUser(out io.Writer, res *documents.UserResult) {
	fmt.Fprintf(out, "user %s: %s, transferred %d, skipped %d, failed %d\n",
		res.SourceID, res.Status, res.Transferred, res.Skipped, res.Failed)
	fmt.Fprintf(out, "  registered: %d cases, %d case documents, %d library documents\n",
		res.Registered.Cases, res.Registered.CaseDocuments, res.Registered.LibraryDocuments)
	for _, e := range res.Errors {
		fmt.Fprintln(out, "  "+e)
	}
}
