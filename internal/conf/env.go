// env.go - environment variable bindings and validation
package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "MIGRATE_DEBUG", validateEnvBool},
		{"frontendurl", "FRONTEND_URL", validateEnvURL},
		{"sentrydsn", "SENTRY_DSN", nil},

		// Legacy identity provider
		{"kinde.domain", "KINDE_DOMAIN", nil},
		{"kinde.clientid", "KINDE_CLIENT_ID", nil},
		{"kinde.clientsecret", "KINDE_CLIENT_SECRET", nil},
		{"kinde.clientsecretfile", "KINDE_CLIENT_SECRET_FILE", validateEnvSecretPath},
		{"kinde.audience", "KINDE_AUDIENCE", nil},

		// Target identity provider
		{"clerk.secretkey", "CLERK_SECRET_KEY", nil},
		{"clerk.secretkeyfile", "CLERK_SECRET_KEY_FILE", validateEnvSecretPath},
		{"clerk.apiurl", "CLERK_API_URL", validateEnvURL},

		// Legacy document store and blobs
		{"firebase.projectid", "FIREBASE_PROJECT_ID", nil},
		{"firebase.credentialsfile", "FIREBASE_CREDENTIALS_FILE", validateEnvPath},
		{"firebase.storagebucket", "LEGACY_STORAGE_BUCKET", nil},

		// Destination blob store
		{"storage.bucket", "GCS_BUCKET_NAME", nil},
		{"storage.credentialsfile", "GCS_CREDENTIALS_FILE", validateEnvPath},
		{"storage.localpath", "STORAGE_LOCAL_PATH", nil},
		{"storage.keystrategy", "STORAGE_KEY_STRATEGY", validateEnvKeyStrategy},

		// Target database
		{"database.driver", "DATABASE_DRIVER", validateEnvDriver},
		{"database.dsn", "DATABASE_DSN", nil},
		{"database.dsnfile", "DATABASE_DSN_FILE", validateEnvSecretPath},

		{"processor.url", "PROCESSOR_URL", validateEnvURL},
		{"processor.enabled", "PROCESSOR_ENABLED", validateEnvBool},

		{"notify.urls", "NOTIFY_URLS", nil},

		// Batch tuning
		{"migration.batchsize", "MIGRATION_BATCH_SIZE", validateEnvPositiveInt},
		{"migration.testlimit", "MIGRATION_TEST_LIMIT", validateEnvPositiveInt},
		{"migration.retryattempts", "MIGRATION_RETRY_ATTEMPTS", validateEnvPositiveInt},
		{"migration.retrydelayms", "MIGRATION_RETRY_DELAY_MS", validateEnvNonNegativeInt},
		{"migration.conflictstrategy", "MIGRATION_CONFLICT_STRATEGY", validateEnvConflictStrategy},
		{"documents.downloadtimeoutms", "DOWNLOAD_TIMEOUT_MS", validateEnvPositiveInt},
		{"documents.maxfilesize", "MAX_FILE_SIZE", validateEnvPositiveInt},
		{"documents.uploadretryattempts", "UPLOAD_RETRY_ATTEMPTS", validateEnvPositiveInt},
		{"documents.concurrency", "DOCUMENT_CONCURRENCY", validateEnvPositiveInt},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(binding.EnvVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f", value)
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("must be greater than zero, got %d", n)
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("must not be negative, got %d", n)
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}

func validateEnvPath(value string) error {
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	if _, err := os.Stat(value); err != nil {
		return fmt.Errorf("path is not accessible: %w", err)
	}
	return nil
}

// validateEnvSecretPath only checks the syntax; the file is read when
// secrets are resolved.
func validateEnvSecretPath(value string) error {
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	return nil
}

func validateEnvDriver(value string) error {
	switch strings.ToLower(value) {
	case DriverSQLite, DriverMySQL, DriverPostgres:
		return nil
	}
	return fmt.Errorf("driver must be one of %s, %s, %s", DriverSQLite, DriverMySQL, DriverPostgres)
}

func validateEnvKeyStrategy(value string) error {
	switch strings.ToLower(value) {
	case KeyStrategyStable, KeyStrategyTimestamp:
		return nil
	}
	return fmt.Errorf("key strategy must be %q or %q", KeyStrategyStable, KeyStrategyTimestamp)
}

func validateEnvConflictStrategy(value string) error {
	switch strings.ToLower(value) {
	case StrategyMerge, StrategySkip, StrategyAlternativeEmail:
		return nil
	}
	return fmt.Errorf("conflict strategy must be %q, %q or %q", StrategyMerge, StrategySkip, StrategyAlternativeEmail)
}
