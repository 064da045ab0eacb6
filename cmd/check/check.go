// Package check implements the config command group.
package check

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casebook-app/migrate/internal/app"
	"github.com/casebook-app/migrate/internal/conf"
	"github.com/casebook-app/migrate/internal/errors"
)

// stages are checked in runbook order.
var stages = []conf.Stage{conf.StageConflicts, conf.StageUsers, conf.StageDocuments, conf.StageNotify}

// StageReadiness reports whether a stage has every variable it needs.
type StageReadiness struct {
	Stage   conf.Stage `json:"stage" yaml:"stage"`
	Ready   bool       `json:"ready" yaml:"ready"`
	Missing []string   `json:"missing,omitempty" yaml:"missing,omitempty"`
}

// Result is the report of a configuration check.
type Result struct {
	Settings []conf.SummaryEntry `json:"settings" yaml:"settings"`
	Stages   []StageReadiness    `json:"stages" yaml:"stages"`
}

// Command returns the config command group.
func Command(ctx *app.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the active configuration",
	}
	cmd.AddCommand(checkCommand(ctx))
	return cmd
}

func checkCommand(ctx *app.Context) *cobra.Command {
	var stage string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate required variables and print a redacted summary",
		Long: `Validate the configuration before running a migration stage.

Every variable a stage needs is checked and all missing ones are listed at
once. Secrets are never printed.

Examples:
  # Check everything the runbook needs
  casebook-migrate config check

  # Check only what the documents stage needs
  casebook-migrate config check --stage=documents`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := ctx.App
			return a.Run(cmd.Context(), "config check", "config", func(context.Context) (any, error) {
				res, err := Check(a.Settings, conf.Stage(stage))
				if res != nil {
					conf.LogSummary(a.Log, a.Settings)
					printResult(cmd, res)
				}
				return res, err
			})
		},
	}

	cmd.Flags().StringVar(&stage, "stage", string(conf.StageAll),
		"Stage to validate: conflicts, users, documents, notify or all")
	return cmd
}

// Check validates settings for stage and summarizes every stage. The error
// is non-nil when the selected stage is not ready.
func Check(s *conf.Settings, stage conf.Stage) (*Result, error) {
	selected := stages
	switch stage {
	case conf.StageAll, "":
		stage = conf.StageAll
	case conf.StageConflicts, conf.StageUsers, conf.StageDocuments, conf.StageNotify:
		selected = []conf.Stage{stage}
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unknown stage %q", stage))
	}

	res := &Result{Settings: conf.Summary(s)}
	for _, st := range selected {
		r := StageReadiness{Stage: st, Ready: true}
		var ve conf.ValidationError
		if err := conf.ValidateRequired(s, st); errors.As(err, &ve) {
			r.Ready = false
			r.Missing = ve.Errors
		}
		res.Stages = append(res.Stages, r)
	}

	if err := conf.ValidateRequired(s, stage); err != nil {
		return res, errors.New(err).Component("check").Build()
	}
	return res, nil
}

func printResult(cmd *cobra.Command, res *Result) {
	out := cmd.OutOrStdout()
	for _, e := range res.Settings {
		fmt.Fprintf(out, "%-28s %s\n", e.Key, e.Value)
	}
	fmt.Fprintln(out)
	for _, r := range res.Stages {
		status := "ready"
		if !r.Ready {
			status = "missing: " + strings.Join(r.Missing, "; ")
		}
		fmt.Fprintf(out, "%-10s %s\n", r.Stage, status)
	}
}
