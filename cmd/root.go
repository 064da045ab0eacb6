package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casebook-app/migrate/cmd/check"
	"github.com/casebook-app/migrate/cmd/documents"
	"github.com/casebook-app/migrate/cmd/notify"
	"github.com/casebook-app/migrate/cmd/users"
	"github.com/casebook-app/migrate/internal/app"
	"github.com/casebook-app/migrate/internal/conf"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configFile  string
	debug       bool
	reportPath  string
	metricsPath string
}

// RootCommand creates and returns the root command
func RootCommand(ctx *app.Context) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "casebook-migrate",
		Short:         "Migrate Casebook accounts and documents off the legacy stack",
		Version:       ctx.Build.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	setupFlags(rootCmd, flags)

	rootCmd.AddCommand(
		check.Command(ctx),
		users.Command(ctx),
		documents.Command(ctx),
		notify.Command(ctx),
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return initialize(cmd, ctx, flags)
	}

	return rootCmd
}

// initialize is called before any subcommand runs. It loads settings,
// starts logging and telemetry and builds the run's App.
func initialize(cmd *cobra.Command, ctx *app.Context, flags *globalFlags) error {
	overrides := map[string]any{}
	if flags.debug {
		overrides["debug"] = true
		overrides["logging.default_level"] = "debug"
	}
	settings, err := conf.Load(conf.Options{ConfigFile: flags.configFile, Overrides: overrides})
	if err != nil {
		return err
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(central)
	ctx.Logger = central

	runCtx := logger.WithTraceID(cmd.Context(), ctx.Build.GetRunID())
	cmd.SetContext(runCtx)
	log := central.Module("migrate").WithContext(runCtx)

	for _, w := range settings.Warnings {
		log.Warn(w)
	}

	if err := errors.InitSentry(settings.SentryDSN, ctx.Build.Release()); err != nil {
		log.Warn("error telemetry disabled", logger.Error(err))
	}

	a, err := app.New(settings, ctx.Build, log, app.Options{
		ReportPath:  flags.reportPath,
		MetricsPath: flags.metricsPath,
	})
	if err != nil {
		return err
	}
	ctx.App = a

	log.Debug("run initialized",
		logger.String("command", cmd.CommandPath()),
		logger.String("version", ctx.Build.GetVersion()))
	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, flags *globalFlags) {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "Path to a config.yaml (default: ./config.yaml or the user config dir)")
	pf.BoolVarP(&flags.debug, "debug", "d", false, "Enable debug output")
	pf.StringVar(&flags.reportPath, "report", "", "Write a run report to this .yaml or .json file")
	pf.StringVar(&flags.metricsPath, "metrics-file", "", "Write run metrics in Prometheus text format to this file")
}
