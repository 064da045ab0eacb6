// Package migration moves accounts from the legacy identity provider to the
// new one: it finds accounts present in both systems, resolves those
// conflicts, and migrates the remaining users one by one.
package migration

import "time"

// Status is the per-user outcome of a batch run.
type Status string

const (
	StatusCreated Status = "created"
	StatusMerged  Status = "merged"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Result is the outcome for one source user.
type Result struct {
	Email    string `json:"email" yaml:"email"`
	Status   Status `json:"status" yaml:"status"`
	TargetID string `json:"targetId,omitempty" yaml:"targetId,omitempty"`
	SourceID string `json:"sourceId,omitempty" yaml:"sourceId,omitempty"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts int    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// BatchResult aggregates a run. Success + Skipped + Errors == Total holds
// at every point; merged users count as skipped.
type BatchResult struct {
	Total     int           `json:"total" yaml:"total"`
	Success   int           `json:"success" yaml:"success"`
	Skipped   int           `json:"skipped" yaml:"skipped"`
	Errors    int           `json:"errors" yaml:"errors"`
	Merged    int           `json:"merged" yaml:"merged"`
	Details   []Result      `json:"details" yaml:"details"`
	StartedAt time.Time     `json:"startedAt" yaml:"startedAt"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

func (b *BatchResult) add(r Result) {
	b.Total++
	switch r.Status {
	case StatusCreated:
		b.Success++
	case StatusMerged:
		b.Merged++
		b.Skipped++
	case StatusSkipped:
		b.Skipped++
	default:
		b.Errors++
	}
	b.Details = append(b.Details, r)
}

// Consistent reports whether the counters add up.
func (b *BatchResult) Consistent() bool {
	return b.Success+b.Skipped+b.Errors == b.Total && b.Total == len(b.Details)
}

// Recorder receives run counters. Implementations must be safe for
// concurrent use.
type Recorder interface {
	UserOutcome(status string)
	Retry(operation string)
}

type noopRecorder struct{}

func (noopRecorder) UserOutcome(string) {}
func (noopRecorder) Retry(string)       {}
