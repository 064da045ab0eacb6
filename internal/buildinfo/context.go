// Package buildinfo holds build-time metadata and the identity of a single
// command run, kept apart from user configuration.
package buildinfo

import (
	"time"

	"github.com/google/uuid"
)

// UnknownValue is reported for metadata that was not injected at build time.
const UnknownValue = "unknown"

// BuildInfo provides read access to build-time metadata.
type BuildInfo interface {
	GetVersion() string
	GetBuildDate() string
	GetRunID() string
}

// Context describes the running binary and the current run.
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string

	// RunID identifies one command invocation. It is attached to every log
	// line and written into the run report.
	RunID string

	StartedAt time.Time
}

// NewContext returns a Context with a fresh run id.
func NewContext(version, buildDate string) *Context {
	return &Context{
		Version:   version,
		BuildDate: buildDate,
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
}

// GetVersion implements BuildInfo.GetVersion
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate implements BuildInfo.GetBuildDate
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// GetRunID implements BuildInfo.GetRunID
func (c *Context) GetRunID() string {
	if c == nil || c.RunID == "" {
		return UnknownValue
	}
	return c.RunID
}

// Release is the release name reported to error telemetry.
func (c *Context) Release() string {
	return "casebook-migrate@" + c.GetVersion()
}
