// Package app wires Settings into the adapters and services a command run
// needs. Adapters are opened lazily so each command only connects to the
// systems its stage touches.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/casebook-app/migrate/internal/blobstore"
	"github.com/casebook-app/migrate/internal/buildinfo"
	"github.com/casebook-app/migrate/internal/conf"
	"github.com/casebook-app/migrate/internal/datastore"
	"github.com/casebook-app/migrate/internal/documents"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/httpclient"
	"github.com/casebook-app/migrate/internal/identity/clerk"
	"github.com/casebook-app/migrate/internal/identity/kinde"
	"github.com/casebook-app/migrate/internal/legacy"
	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/migration"
	"github.com/casebook-app/migrate/internal/mimetypes"
	"github.com/casebook-app/migrate/internal/notification"
	"github.com/casebook-app/migrate/internal/observability"
	"github.com/casebook-app/migrate/internal/processing"
	"github.com/casebook-app/migrate/internal/resilience"
)

const (
	// AppName is the product name used in announcements.
	AppName = "Casebook"

	notifyTimeout = 30 * time.Second
)

// Options are the per-invocation outputs selected on the command line.
type Options struct {
	ReportPath  string
	MetricsPath string
}

// App is the dependency container of one command run. It is not safe to
// share between runs.
type App struct {
	Settings *conf.Settings
	Build    *buildinfo.Context
	Log      logger.Logger
	Metrics  *observability.Metrics
	Options  Options

	httpOnce sync.Once
	http     *httpclient.Client

	db      *datastore.Manager
	closers []func() error
}

// New returns an App for settings. log should already carry the run's
// trace id.
func New(settings *conf.Settings, build *buildinfo.Context, log logger.Logger, opts Options) (*App, error) {
	if settings == nil {
		return nil, errors.ValidationError("app needs settings")
	}
	if build == nil {
		build = buildinfo.NewContext("", "")
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}
	return &App{
		Settings: settings,
		Build:    build,
		Log:      log,
		Metrics:  m,
		Options:  opts,
	}, nil
}

// Require fails with a validation error listing every variable stage
// needs but is unset.
func (a *App) Require(stage conf.Stage) error {
	if err := conf.ValidateRequired(a.Settings, stage); err != nil {
		return errors.New(err).
			Component("app").
			Context("stage", string(stage)).
			Build()
	}
	return nil
}

// HTTPClient returns the shared outbound client.
func (a *App) HTTPClient() *httpclient.Client {
	a.httpOnce.Do(func() {
		cfg := httpclient.DefaultConfig()
		cfg.UserAgent = "casebook-migrate/" + a.Build.GetVersion()
		a.http = httpclient.New(&cfg)
	})
	return a.http
}

// Database opens and migrates the target database on first use.
func (a *App) Database() (*datastore.Manager, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := datastore.Open(datastore.Config{
		Driver: a.Settings.Database.Driver,
		DSN:    a.Settings.Database.DSN,
		Debug:  a.Settings.Database.Debug,
	}, a.Log)
	if err != nil {
		return nil, err
	}
	if err := db.Initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	a.db = db
	a.onClose(db.Close)
	return db, nil
}

// Source returns the legacy identity provider client.
func (a *App) Source() (*kinde.Client, error) {
	k := a.Settings.Kinde
	return kinde.New(kinde.Config{
		Domain:            k.Domain,
		ClientID:          k.ClientID,
		ClientSecret:      k.ClientSecret,
		Audience:          k.Audience,
		RequestsPerSecond: k.RequestsPerSecond,
	}, a.HTTPClient(), a.Log)
}

// Target returns the target identity provider client behind a circuit
// breaker whose state is exported as a gauge.
func (a *App) Target() (*clerk.Client, error) {
	cb := a.breaker("clerk")
	return clerk.New(a.Settings.Clerk.SecretKey, a.Settings.Clerk.APIURL, a.HTTPClient(),
		clerk.WithBreaker(cb),
		clerk.WithLogger(a.Log),
	)
}

// RetryPolicy is the backoff used for target account creation.
func (a *App) RetryPolicy() resilience.RetryPolicy {
	m := a.Settings.Migration
	return resilience.RetryPolicy{
		Attempts:   m.RetryAttempts,
		BaseDelay:  m.RetryDelay(),
		Multiplier: m.RetryMultiplier,
		MaxDelay:   m.RetryMaxDelay(),
		Jitter:     m.RetryJitter,
	}
}

// Resolver builds the conflict resolver with the configured strategy.
func (a *App) Resolver() (*migration.Resolver, error) {
	strategy, err := migration.ParseStrategy(a.Settings.Migration.ConflictStrategy)
	if err != nil {
		return nil, err
	}
	db, err := a.Database()
	if err != nil {
		return nil, err
	}
	source, err := a.Source()
	if err != nil {
		return nil, err
	}
	cfg := migration.ResolverConfig{
		Source:   source,
		Users:    db.Users(),
		Selector: migration.FixedStrategy(strategy),
		Retry:    a.RetryPolicy(),
		PageSize: a.Settings.Kinde.PageSize,
		Logger:   a.Log,
		Metrics:  a.Metrics.Migration,
	}
	// Only the alternative email strategy creates target accounts.
	if strategy == migration.StrategyAlternativeEmail {
		target, err := a.Target()
		if err != nil {
			return nil, err
		}
		cfg.Target = target
	}
	return migration.NewResolver(cfg)
}

// Migrator builds the batch user migrator. One batch is one page of
// source users.
func (a *App) Migrator() (*migration.Migrator, error) {
	db, err := a.Database()
	if err != nil {
		return nil, err
	}
	source, err := a.Source()
	if err != nil {
		return nil, err
	}
	target, err := a.Target()
	if err != nil {
		return nil, err
	}
	return migration.NewMigrator(migration.MigratorConfig{
		Source:   source,
		Target:   target,
		Users:    db.Users(),
		Retry:    a.RetryPolicy(),
		PageSize: a.Settings.Migration.BatchSize,
		Logger:   a.Log,
		Metrics:  a.Metrics.Migration,
	})
}

// Pipeline builds the document transfer pipeline.
func (a *App) Pipeline(ctx context.Context) (*documents.Pipeline, error) {
	s := a.Settings
	db, err := a.Database()
	if err != nil {
		return nil, err
	}

	store, err := legacy.NewFirestoreStore(ctx, legacy.FirestoreConfig{
		ProjectID:       s.Firebase.ProjectID,
		CredentialsFile: s.Firebase.CredentialsFile,
	}, a.Log)
	if err != nil {
		return nil, err
	}
	a.onClose(store.Close)

	src, err := blobstore.NewGCSStore(ctx, blobstore.GCSConfig{
		Bucket:          s.Firebase.StorageBucket,
		CredentialsFile: s.Firebase.CredentialsFile,
	}, a.Log)
	if err != nil {
		return nil, err
	}
	a.onClose(src.Close)

	dest, err := a.destination(ctx)
	if err != nil {
		return nil, err
	}

	var trigger processing.Trigger = processing.Noop{}
	if s.Processor.Enabled {
		pc, err := processing.New(s.Processor.URL, a.HTTPClient(),
			time.Duration(s.Processor.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		trigger = pc
	}

	retry := a.RetryPolicy()
	retry.Attempts = s.Documents.UploadRetryAttempts

	return documents.New(documents.Config{
		Legacy:          store,
		Source:          src,
		Dest:            dest,
		Users:           db.Users(),
		Cases:           db.Cases(),
		Documents:       db.Documents(),
		Processor:       trigger,
		Keys:            blobstore.KeyBuilder{Strategy: s.Storage.KeyStrategy, Prefix: s.Storage.KeyPrefix},
		Types:           mimetypes.Resolver{Sniff: s.Documents.SniffContent},
		UploadRetry:     retry,
		DownloadTimeout: s.Documents.DownloadTimeout(),
		MaxFileSize:     s.Documents.MaxFileSize,
		Concurrency:     s.Documents.Concurrency,
		Logger:          a.Log,
		Metrics:         a.Metrics.Migration,
	})
}

func (a *App) destination(ctx context.Context) (blobstore.Uploader, error) {
	s := a.Settings.Storage
	if s.LocalPath != "" {
		a.Log.Info("writing documents to local directory", logger.String("path", s.LocalPath))
		return blobstore.NewLocalStore(s.LocalPath)
	}
	dest, err := blobstore.NewGCSStore(ctx, blobstore.GCSConfig{
		Bucket:          s.Bucket,
		CredentialsFile: s.CredentialsFile,
	}, a.Log)
	if err != nil {
		return nil, err
	}
	a.onClose(dest.Close)
	return dest, nil
}

// Dispatcher builds the announcement dispatcher. Without NOTIFY_URLS the
// announcements are only logged.
func (a *App) Dispatcher() (*notification.Dispatcher, error) {
	s := a.Settings
	db, err := a.Database()
	if err != nil {
		return nil, err
	}
	templates, err := notification.ParseTemplates(s.Notify.Subject, "")
	if err != nil {
		return nil, errors.New(err).Component("app").Category(errors.CategoryConfiguration).Build()
	}

	var sender notification.Sender
	if len(s.Notify.URLs) == 0 {
		sender = notification.NewLogSender(a.Log)
	} else {
		sender, err = notification.NewShoutrrrSender(s.Notify.URLs, notifyTimeout)
		if err != nil {
			return nil, err
		}
	}

	var limiter *rate.Limiter
	if rps := s.Notify.RequestsPerSecond; rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	return notification.NewDispatcher(notification.Config{
		Users:       db.Users(),
		Sender:      sender,
		Templates:   templates,
		AppName:     AppName,
		FrontendURL: s.FrontendURL,
		Limiter:     limiter,
		Breaker:     a.breaker("notify"),
		Logger:      a.Log,
		Metrics:     a.Metrics.Migration,
	})
}

func (a *App) breaker(name string) *resilience.CircuitBreaker {
	m := a.Settings.Migration
	return resilience.NewCircuitBreaker(name, resilience.BreakerConfig{
		MaxFailures:         m.BreakerThreshold,
		Cooldown:            time.Duration(m.BreakerCooldown) * time.Millisecond,
		HalfOpenMaxRequests: 1,
	},
		resilience.WithLogger(a.Log),
		resilience.WithStateChangeHook(func(name string, _, to resilience.CircuitState) {
			a.Metrics.Migration.SetBreakerState(name, int(to))
		}),
	)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every adapter opened during the run, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.db = nil
	if len(errs) > 0 {
		return fmt.Errorf("failed to close adapters: %w", errors.Join(errs...))
	}
	return nil
}
