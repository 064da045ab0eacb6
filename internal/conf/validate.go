package conf

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Object key strategies for the destination blob store.
const (
	KeyStrategyStable    = "stable"
	KeyStrategyTimestamp = "timestamp"
)

// Conflict strategies.
const (
	StrategyMerge            = "merge"
	StrategySkip             = "skip"
	StrategyAlternativeEmail = "alternative_email"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ErrorCategory marks configuration problems as validation errors.
func (ve ValidationError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryValidation
}

// ValidateSettings checks value ranges. Presence of credentials is checked
// per stage by ValidateRequired.
func ValidateSettings(s *Settings) error {
	ve := ValidationError{}
	add := func(format string, args ...any) {
		ve.Errors = append(ve.Errors, fmt.Sprintf(format, args...))
	}

	m := s.Migration
	if m.BatchSize <= 0 {
		add("migration.batchsize must be positive, got %d", m.BatchSize)
	}
	if m.TestLimit <= 0 {
		add("migration.testlimit must be positive, got %d", m.TestLimit)
	}
	if m.RetryAttempts <= 0 {
		add("migration.retryattempts must be positive, got %d", m.RetryAttempts)
	}
	if m.RetryDelayMS < 0 {
		add("migration.retrydelayms must not be negative, got %d", m.RetryDelayMS)
	}
	if m.RetryMultiplier < 1 {
		add("migration.retrymultiplier must be at least 1, got %g", m.RetryMultiplier)
	}
	if m.RetryJitter < 0 || m.RetryJitter > 1 {
		add("migration.retryjitter must be between 0 and 1, got %g", m.RetryJitter)
	}
	if !slices.Contains([]string{StrategyMerge, StrategySkip, StrategyAlternativeEmail}, m.ConflictStrategy) {
		add("migration.conflictstrategy %q is not supported", m.ConflictStrategy)
	}

	d := s.Documents
	if d.DownloadTimeoutMS <= 0 {
		add("documents.downloadtimeoutms must be positive, got %d", d.DownloadTimeoutMS)
	}
	if d.MaxFileSize <= 0 {
		add("documents.maxfilesize must be positive, got %d", d.MaxFileSize)
	}
	if d.UploadRetryAttempts <= 0 {
		add("documents.uploadretryattempts must be positive, got %d", d.UploadRetryAttempts)
	}
	if d.Concurrency <= 0 {
		add("documents.concurrency must be positive, got %d", d.Concurrency)
	}

	if !slices.Contains([]string{KeyStrategyStable, KeyStrategyTimestamp}, s.Storage.KeyStrategy) {
		add("storage.keystrategy %q is not supported", s.Storage.KeyStrategy)
	}
	if !slices.Contains([]string{DriverSQLite, DriverMySQL, DriverPostgres}, s.Database.Driver) {
		add("database.driver %q is not supported", s.Database.Driver)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// Stage names a runbook stage for required-variable checks.
type Stage string

const (
	StageConflicts Stage = "conflicts"
	StageUsers     Stage = "users"
	StageDocuments Stage = "documents"
	StageNotify    Stage = "notify"
	StageAll       Stage = "all"
)

type requirement struct {
	envVar string
	value  func(*Settings) string
	stages []Stage
}

var requirements = []requirement{
	{"KINDE_DOMAIN", func(s *Settings) string { return s.Kinde.Domain }, []Stage{StageConflicts, StageUsers}},
	{"KINDE_CLIENT_ID", func(s *Settings) string { return s.Kinde.ClientID }, []Stage{StageConflicts, StageUsers}},
	{"KINDE_CLIENT_SECRET", func(s *Settings) string { return s.Kinde.ClientSecret }, []Stage{StageConflicts, StageUsers}},
	{"CLERK_SECRET_KEY", func(s *Settings) string { return s.Clerk.SecretKey }, []Stage{StageUsers}},
	{"DATABASE_DSN", func(s *Settings) string { return s.Database.DSN }, []Stage{StageConflicts, StageUsers, StageDocuments, StageNotify}},
	{"FIREBASE_PROJECT_ID", func(s *Settings) string { return s.Firebase.ProjectID }, []Stage{StageDocuments}},
	{"LEGACY_STORAGE_BUCKET", func(s *Settings) string { return s.Firebase.StorageBucket }, []Stage{StageDocuments}},
	{"GCS_BUCKET_NAME", destinationBucket, []Stage{StageDocuments}},
	{"FRONTEND_URL", func(s *Settings) string { return s.FrontendURL }, []Stage{StageNotify}},
}

// destinationBucket treats a local destination directory as a bucket.
func destinationBucket(s *Settings) string {
	if s.Storage.LocalPath != "" {
		return s.Storage.LocalPath
	}
	return s.Storage.Bucket
}

// ValidateRequired reports every required variable that is unset for stage.
// The returned error is a ValidationError listing all of them at once.
func ValidateRequired(s *Settings, stage Stage) error {
	ve := ValidationError{}
	for _, req := range requirements {
		if stage != StageAll && !slices.Contains(req.stages, stage) {
			continue
		}
		if strings.TrimSpace(req.value(s)) == "" {
			ve.Errors = append(ve.Errors, "missing required variable "+req.envVar)
		}
	}
	if stage == StageDocuments || stage == StageAll {
		if s.Processor.Enabled && s.Processor.URL == "" {
			ve.Errors = append(ve.Errors, "missing required variable PROCESSOR_URL (processing is enabled)")
		}
	}
	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// SummaryEntry is one line of the configuration summary.
type SummaryEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Summary returns the active configuration with secrets masked.
func Summary(s *Settings) []SummaryEntry {
	secret := func(v string) string {
		if v == "" {
			return "(unset)"
		}
		return "(set)"
	}
	plain := func(v string) string {
		if v == "" {
			return "(unset)"
		}
		return logger.RedactSensitiveData(v)
	}
	itoa := strconv.Itoa

	return []SummaryEntry{
		{"KINDE_DOMAIN", plain(s.Kinde.Domain)},
		{"KINDE_CLIENT_ID", plain(s.Kinde.ClientID)},
		{"KINDE_CLIENT_SECRET", secret(s.Kinde.ClientSecret)},
		{"CLERK_API_URL", plain(s.Clerk.APIURL)},
		{"CLERK_SECRET_KEY", secret(s.Clerk.SecretKey)},
		{"FIREBASE_PROJECT_ID", plain(s.Firebase.ProjectID)},
		{"FIREBASE_CREDENTIALS_FILE", plain(s.Firebase.CredentialsFile)},
		{"LEGACY_STORAGE_BUCKET", plain(s.Firebase.StorageBucket)},
		{"GCS_BUCKET_NAME", plain(s.Storage.Bucket)},
		{"GCS_CREDENTIALS_FILE", plain(s.Storage.CredentialsFile)},
		{"STORAGE_KEY_STRATEGY", s.Storage.KeyStrategy},
		{"DATABASE_DRIVER", s.Database.Driver},
		{"DATABASE_DSN", secret(s.Database.DSN)},
		{"FRONTEND_URL", plain(s.FrontendURL)},
		{"PROCESSOR_URL", plain(s.Processor.URL)},
		{"NOTIFY_URLS", secret(strings.Join(s.Notify.URLs, ","))},
		{"SENTRY_DSN", secret(s.SentryDSN)},
		{"MIGRATION_BATCH_SIZE", itoa(s.Migration.BatchSize)},
		{"MIGRATION_TEST_LIMIT", itoa(s.Migration.TestLimit)},
		{"MIGRATION_RETRY_ATTEMPTS", itoa(s.Migration.RetryAttempts)},
		{"MIGRATION_RETRY_DELAY_MS", itoa(s.Migration.RetryDelayMS)},
		{"DOWNLOAD_TIMEOUT_MS", itoa(s.Documents.DownloadTimeoutMS)},
		{"MAX_FILE_SIZE", strconv.FormatInt(s.Documents.MaxFileSize, 10)},
		{"UPLOAD_RETRY_ATTEMPTS", itoa(s.Documents.UploadRetryAttempts)},
	}
}

// LogSummary writes Summary to log, one field per entry.
func LogSummary(log logger.Logger, s *Settings) {
	fields := make([]logger.Field, 0, len(requirements))
	for _, e := range Summary(s) {
		fields = append(fields, logger.String(e.Key, e.Value))
	}
	log.Info("active configuration", fields...)
}
