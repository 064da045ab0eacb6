package documents

import "time"

// Outcome is the result of one document transfer.
type Outcome string

const (
	OutcomeTransferred Outcome = "transferred"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
)

// DocumentResult describes one legacy document.
type DocumentResult struct {
	LegacyID   string  `json:"legacyId" yaml:"legacyId"`
	FileName   string  `json:"fileName" yaml:"fileName"`
	Kind       string  `json:"kind" yaml:"kind"`
	Outcome    Outcome `json:"outcome" yaml:"outcome"`
	Object     string  `json:"object,omitempty" yaml:"object,omitempty"`
	MimeType   string  `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
	Size       int64   `json:"size,omitempty" yaml:"size,omitempty"`
	Error      string  `json:"error,omitempty" yaml:"error,omitempty"`
	Processing string  `json:"processingError,omitempty" yaml:"processingError,omitempty"`
}

// UserResult aggregates the transfer of one user's documents. Errors holds
// every failure message, including processing trigger failures that did
// not fail the document.
type UserResult struct {
	UserID      uint             `json:"userId" yaml:"userId"`
	SourceID    string           `json:"sourceId" yaml:"sourceId"`
	Cases       int              `json:"cases" yaml:"cases"`
	Transferred int              `json:"transferred" yaml:"transferred"`
	Skipped     int              `json:"skipped" yaml:"skipped"`
	Failed      int              `json:"failed" yaml:"failed"`
	Status      string           `json:"status" yaml:"status"`
	Errors      []string         `json:"errors,omitempty" yaml:"errors,omitempty"`
	Registered  Registered       `json:"registered" yaml:"registered"`
	Documents   []DocumentResult `json:"documents" yaml:"documents"`
	Duration    time.Duration    `json:"duration" yaml:"duration"`
}

// Registered is what the target database holds for a user after a run,
// including records from earlier runs.
type Registered struct {
	Cases            int64 `json:"cases" yaml:"cases"`
	CaseDocuments    int64 `json:"caseDocuments" yaml:"caseDocuments"`
	LibraryDocuments int64 `json:"libraryDocuments" yaml:"libraryDocuments"`
}

// Total is the number of documents seen for the user.
func (r *UserResult) Total() int {
	return r.Transferred + r.Skipped + r.Failed
}

func (r *UserResult) add(d DocumentResult) {
	switch d.Outcome {
	case OutcomeTransferred:
		r.Transferred++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
	if d.Error != "" {
		r.Errors = append(r.Errors, d.LegacyID+": "+d.Error)
	}
	if d.Processing != "" {
		r.Errors = append(r.Errors, d.LegacyID+": processing: "+d.Processing)
	}
	r.Documents = append(r.Documents, d)
}

// RunResult aggregates MigrateAll.
type RunResult struct {
	Users       int           `json:"users" yaml:"users"`
	Completed   int           `json:"completed" yaml:"completed"`
	Failed      int           `json:"failed" yaml:"failed"`
	Transferred int           `json:"transferred" yaml:"transferred"`
	Skipped     int           `json:"skipped" yaml:"skipped"`
	Errors      []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
	Details     []UserResult  `json:"details" yaml:"details"`
	StartedAt   time.Time     `json:"startedAt" yaml:"startedAt"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

func (r *RunResult) add(u UserResult) {
	r.Users++
	if u.Status == statusFailed {
		r.Failed++
	} else {
		r.Completed++
	}
	r.Transferred += u.Transferred
	r.Skipped += u.Skipped
	for _, e := range u.Errors {
		r.Errors = append(r.Errors, u.SourceID+"/"+e)
	}
	r.Details = append(r.Details, u)
}

// Recorder receives document counters. Implementations must be safe for
// concurrent use.
type Recorder interface {
	DocumentOutcome(outcome string)
	Retry(operation string)
}

type noopRecorder struct{}

func (noopRecorder) DocumentOutcome(string) {}
func (noopRecorder) Retry(string)           {}
