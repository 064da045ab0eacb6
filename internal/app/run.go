package app

import (
	"context"
	"time"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/report"
)

// StageFunc runs one stage and returns its result for the report.
type StageFunc func(ctx context.Context) (any, error)

// Run executes fn as the named stage, records its duration and writes the
// report and metrics files selected in Options. A partial result returned
// together with an error is still reported. An output failure is returned
// only when the stage itself succeeded.
func (a *App) Run(ctx context.Context, command, stage string, fn StageFunc) error {
	log := a.Log.With(logger.String("command", command))
	start := time.Now()
	log.Info("stage started", logger.String("stage", stage))

	result, err := fn(ctx)
	elapsed := time.Since(start)
	a.Metrics.Migration.ObserveStage(stage, elapsed.Seconds())

	if err != nil {
		log.Error("stage failed", logger.Error(err), logger.Duration("duration", elapsed))
	} else {
		log.Info("stage finished", logger.Duration("duration", elapsed))
	}

	outErr := a.writeOutputs(command, start, result, err)
	if outErr != nil {
		log.Warn("failed to write run outputs", logger.Error(outErr))
	}
	if err != nil {
		return err
	}
	return outErr
}

func (a *App) writeOutputs(command string, start time.Time, result any, runErr error) error {
	var errs []error
	if path := a.Options.ReportPath; path != "" {
		env := report.Envelope{
			RunID:      a.Build.GetRunID(),
			Command:    command,
			StartedAt:  start.UTC(),
			FinishedAt: time.Now().UTC(),
			Result:     result,
		}
		if runErr != nil {
			env.Error = logger.RedactSensitiveData(runErr.Error())
		}
		if err := report.Write(path, env); err != nil {
			errs = append(errs, err)
		} else {
			a.Log.Info("report written", logger.String("path", path))
		}
	}
	if path := a.Options.MetricsPath; path != "" {
		if err := a.Metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
