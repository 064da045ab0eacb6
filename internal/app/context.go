package app

import (
	"time"

	"github.com/casebook-app/migrate/internal/buildinfo"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
)

const telemetryFlushTimeout = 2 * time.Second

// Context is shared by the command tree. The root command fills App and
// Logger before any subcommand runs.
type Context struct {
	Build  *buildinfo.Context
	App    *App
	Logger *logger.CentralLogger
}

// NewContext returns a Context for the given build.
func NewContext(build *buildinfo.Context) *Context {
	return &Context{Build: build}
}

// Close releases the run's adapters, flushes telemetry and closes log files.
// It is safe to call when initialization never ran.
func (c *Context) Close() error {
	var errs []error
	if c.App != nil {
		errs = append(errs, c.App.Close())
	}
	errors.FlushTelemetry(telemetryFlushTimeout)
	if c.Logger != nil {
		_ = c.Logger.Flush()
		errs = append(errs, c.Logger.Close())
	}
	return errors.Join(errs...)
}
