// Package conf builds the migration tool's Settings once at process start
// from defaults, an optional config.yaml and environment variables.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/secrets"
)

// KindeSettings configures the legacy identity provider.
type KindeSettings struct {
	Domain            string  `mapstructure:"domain"`
	ClientID          string  `mapstructure:"clientid"`
	ClientSecret      string  `mapstructure:"clientsecret"`
	ClientSecretFile  string  `mapstructure:"clientsecretfile"`
	Audience          string  `mapstructure:"audience"`
	PageSize          int     `mapstructure:"pagesize"`
	RequestsPerSecond float64 `mapstructure:"requestspersecond"`
}

// ClerkSettings configures the target identity provider.
type ClerkSettings struct {
	SecretKey     string `mapstructure:"secretkey"`
	SecretKeyFile string `mapstructure:"secretkeyfile"`
	APIURL        string `mapstructure:"apiurl"`
}

// FirebaseSettings configures the legacy document store and blob bucket.
type FirebaseSettings struct {
	ProjectID       string `mapstructure:"projectid"`
	CredentialsFile string `mapstructure:"credentialsfile"`
	StorageBucket   string `mapstructure:"storagebucket"`
}

// StorageSettings configures the destination blob store. When LocalPath is
// set objects are written to the local filesystem instead of GCS.
type StorageSettings struct {
	Bucket          string `mapstructure:"bucket"`
	CredentialsFile string `mapstructure:"credentialsfile"`
	LocalPath       string `mapstructure:"localpath"`
	KeyStrategy     string `mapstructure:"keystrategy"` // stable or timestamp
	KeyPrefix       string `mapstructure:"keyprefix"`
}

// DatabaseSettings configures the target database.
type DatabaseSettings struct {
	Driver  string `mapstructure:"driver"` // sqlite, mysql or postgres
	DSN     string `mapstructure:"dsn"`
	DSNFile string `mapstructure:"dsnfile"`
	Debug   bool   `mapstructure:"debug"`
}

// ProcessorSettings configures the downstream document processing service.
type ProcessorSettings struct {
	URL       string `mapstructure:"url"`
	Enabled   bool   `mapstructure:"enabled"`
	TimeoutMS int    `mapstructure:"timeoutms"`
}

// NotifySettings configures the announcement dispatcher.
type NotifySettings struct {
	URLs              []string `mapstructure:"urls"` // shoutrrr service URLs; empty means log only
	Subject           string   `mapstructure:"subject"`
	RequestsPerSecond float64  `mapstructure:"requestspersecond"`
}

// MigrationSettings configures the user migration stages.
type MigrationSettings struct {
	BatchSize        int     `mapstructure:"batchsize"`
	TestLimit        int     `mapstructure:"testlimit"`
	RetryAttempts    int     `mapstructure:"retryattempts"`
	RetryDelayMS     int     `mapstructure:"retrydelayms"`
	RetryMultiplier  float64 `mapstructure:"retrymultiplier"`
	RetryMaxDelayMS  int     `mapstructure:"retrymaxdelayms"`
	RetryJitter      float64 `mapstructure:"retryjitter"`
	ConflictStrategy string  `mapstructure:"conflictstrategy"` // merge, skip or alternative_email
	BreakerThreshold int     `mapstructure:"breakerthreshold"`
	BreakerCooldown  int     `mapstructure:"breakercooldownms"`
}

// DocumentSettings configures the document transfer pipeline.
type DocumentSettings struct {
	DownloadTimeoutMS   int   `mapstructure:"downloadtimeoutms"`
	MaxFileSize         int64 `mapstructure:"maxfilesize"`
	UploadRetryAttempts int   `mapstructure:"uploadretryattempts"`
	Concurrency         int   `mapstructure:"concurrency"`
	SniffContent        bool  `mapstructure:"sniffcontent"`
}

// Settings is the complete, immutable configuration of one run.
type Settings struct {
	Debug       bool                 `mapstructure:"debug"`
	FrontendURL string               `mapstructure:"frontendurl"`
	SentryDSN   string               `mapstructure:"sentrydsn"`
	Logging     logger.LoggingConfig `mapstructure:"logging"`
	Kinde       KindeSettings        `mapstructure:"kinde"`
	Clerk       ClerkSettings        `mapstructure:"clerk"`
	Firebase    FirebaseSettings     `mapstructure:"firebase"`
	Storage     StorageSettings      `mapstructure:"storage"`
	Database    DatabaseSettings     `mapstructure:"database"`
	Processor   ProcessorSettings    `mapstructure:"processor"`
	Notify      NotifySettings       `mapstructure:"notify"`
	Migration   MigrationSettings    `mapstructure:"migration"`
	Documents   DocumentSettings     `mapstructure:"documents"`

	// Warnings are non-fatal findings of Load, logged once logging is up.
	Warnings []string `mapstructure:"-"`
}

// RetryDelay returns the base delay between creation attempts.
func (m MigrationSettings) RetryDelay() time.Duration {
	return time.Duration(m.RetryDelayMS) * time.Millisecond
}

// RetryMaxDelay returns the backoff ceiling.
func (m MigrationSettings) RetryMaxDelay() time.Duration {
	return time.Duration(m.RetryMaxDelayMS) * time.Millisecond
}

// DownloadTimeout returns the per-download timeout.
func (d DocumentSettings) DownloadTimeout() time.Duration {
	return time.Duration(d.DownloadTimeoutMS) * time.Millisecond
}

// Options control where Load looks for configuration.
type Options struct {
	// ConfigFile is an explicit config path. Empty means search the default paths.
	ConfigFile string
	// Overrides are applied last, after environment variables.
	Overrides map[string]any
	// Secrets resolves *_FILE variables and ${VAR} references. Nil uses
	// the real filesystem and environment.
	Secrets *secrets.Source
}

// Load builds Settings from defaults, an optional config file and the
// environment. It never reads the environment again after returning.
func Load(opts Options) (*Settings, error) {
	v, err := initViper(opts)
	if err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	src := opts.Secrets
	if src == nil {
		osSrc := secrets.OS()
		src = &osSrc
	}
	if err := resolveSecrets(settings, *src); err != nil {
		return nil, err
	}
	normalize(settings)

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

func initViper(opts Options) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("config")
		for _, path := range defaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing file in the search path is fine; an explicit one is not.
		if !errors.As(err, &notFound) || opts.ConfigFile != "" {
			return nil, fmt.Errorf("fatal error reading config file: %w", err)
		}
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}
	return v, nil
}

// defaultConfigPaths lists the working directory and the user config dir.
func defaultConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "casebook-migrate"))
	}
	return paths
}

// resolveSecrets fills credentials from their secret files and expands
// environment references in them.
func resolveSecrets(s *Settings, src secrets.Source) error {
	warn := src.Warn
	src.Warn = func(msg string) {
		s.Warnings = append(s.Warnings, msg)
		if warn != nil {
			warn(msg)
		}
	}
	fields := []struct {
		name  string
		file  string
		value *string
	}{
		{"KINDE_CLIENT_SECRET", s.Kinde.ClientSecretFile, &s.Kinde.ClientSecret},
		{"CLERK_SECRET_KEY", s.Clerk.SecretKeyFile, &s.Clerk.SecretKey},
		{"DATABASE_DSN", s.Database.DSNFile, &s.Database.DSN},
	}
	for _, f := range fields {
		v, err := src.Resolve(f.file, *f.value)
		if err != nil {
			return fmt.Errorf("error resolving %s: %w", f.name, err)
		}
		*f.value = v
	}
	return nil
}

func normalize(s *Settings) {
	s.Kinde.Domain = strings.TrimRight(s.Kinde.Domain, "/")
	s.Clerk.APIURL = strings.TrimRight(s.Clerk.APIURL, "/")
	s.Processor.URL = strings.TrimRight(s.Processor.URL, "/")
	s.FrontendURL = strings.TrimRight(s.FrontendURL, "/")
	s.Storage.KeyStrategy = strings.ToLower(s.Storage.KeyStrategy)
	s.Migration.ConflictStrategy = strings.ToLower(s.Migration.ConflictStrategy)
	s.Database.Driver = strings.ToLower(s.Database.Driver)
	if s.Kinde.Domain != "" && !strings.Contains(s.Kinde.Domain, "://") {
		s.Kinde.Domain = "https://" + s.Kinde.Domain
	}
	if s.Debug && s.Logging.DefaultLevel == "" {
		s.Logging.DefaultLevel = "debug"
	}
	// NOTIFY_URLS arrives as one comma separated string from the environment.
	var urls []string
	for _, u := range s.Notify.URLs {
		for part := range strings.SplitSeq(u, ",") {
			if part = strings.TrimSpace(part); part != "" {
				urls = append(urls, part)
			}
		}
	}
	s.Notify.URLs = urls
}
