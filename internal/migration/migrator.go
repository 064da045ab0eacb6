package migration

import (
	"context"
	"time"

	"github.com/casebook-app/migrate/internal/datastore/repository"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/identity"
	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/resilience"
)

const (
	componentName = "migration"

	// DefaultPageSize is used when listing source users.
	DefaultPageSize = 100

	progressEvery = 10
)

// MigratorConfig wires a Migrator.
type MigratorConfig struct {
	Source   identity.Source
	Target   identity.Target
	Users    repository.UserRepository
	Retry    resilience.RetryPolicy
	PageSize int
	Logger   logger.Logger
	Metrics  Recorder
}

// Migrator migrates source users to the target identity provider one at a
// time.
type Migrator struct {
	source   identity.Source
	users    repository.UserRepository
	creator  *accountCreator
	pageSize int
	log      logger.Logger
	metrics  Recorder
}

// NewMigrator validates cfg and returns a Migrator.
func NewMigrator(cfg MigratorConfig) (*Migrator, error) {
	if cfg.Source == nil || cfg.Target == nil || cfg.Users == nil {
		return nil, errors.ValidationError("migrator needs a source, a target and a user repository")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	log = log.Module(componentName)
	rec := cfg.Metrics
	if rec == nil {
		rec = noopRecorder{}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Migrator{
		source:   cfg.Source,
		users:    cfg.Users,
		creator:  &accountCreator{target: cfg.Target, retry: cfg.Retry, log: log, metrics: rec},
		pageSize: pageSize,
		log:      log,
		metrics:  rec,
	}, nil
}

// MigrateUsers migrates up to limit source users; limit <= 0 means all.
// Per-user failures are recorded in the result and never abort the batch.
// The returned error is non-nil only when the source listing fails or ctx
// is cancelled; in the latter case the partial result is returned too.
func (m *Migrator) MigrateUsers(ctx context.Context, limit int) (*BatchResult, error) {
	result := &BatchResult{StartedAt: time.Now()}
	defer func() { result.Duration = time.Since(result.StartedAt) }()

	sources, err := m.source.FetchAllUsers(ctx, m.pageSize)
	if err != nil {
		return result, err
	}
	if limit > 0 && limit < len(sources) {
		sources = sources[:limit]
	}

	m.log.Info("starting user migration",
		logger.Int("users", len(sources)),
		logger.Int("limit", limit))

	for i := range sources {
		if err := ctx.Err(); err != nil {
			m.log.Warn("user migration interrupted",
				logger.Int("processed", result.Total),
				logger.Int("remaining", len(sources)-i))
			return result, err
		}

		r := m.migrateOne(ctx, &sources[i])
		result.add(r)
		m.metrics.UserOutcome(string(r.Status))

		if (i+1)%progressEvery == 0 {
			m.log.Info("user migration progress",
				logger.Int("processed", i+1),
				logger.Int("total", len(sources)),
				logger.Int("success", result.Success),
				logger.Int("skipped", result.Skipped),
				logger.Int("errors", result.Errors))
		}
	}

	m.log.Info("user migration finished",
		logger.Int("total", result.Total),
		logger.Int("success", result.Success),
		logger.Int("skipped", result.Skipped),
		logger.Int("merged", result.Merged),
		logger.Int("errors", result.Errors))
	return result, nil
}

func (m *Migrator) migrateOne(ctx context.Context, su *identity.SourceUser) Result {
	email := identity.NormalizeEmail(su.Email)
	r := Result{Email: email, SourceID: su.ID}
	fail := func(err error) Result {
		r.Status = StatusError
		r.Error = err.Error()
		m.log.Error("user migration failed",
			logger.String("source_id", su.ID),
			logger.Email("email", email),
			logger.Error(err))
		return r
	}

	if email == "" {
		return fail(errors.ValidationError("User has no email"))
	}

	// Already migrated, possibly under a different email.
	if u, err := m.users.FindBySourceID(ctx, su.ID); err == nil {
		r.Status = StatusSkipped
		if u.ClerkID != nil {
			r.TargetID = *u.ClerkID
		}
		return r
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return fail(err)
	}

	existing, err := m.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		attached, attachErr := m.users.AttachMigration(ctx, existing.ID, su.ID)
		if attachErr != nil {
			return fail(attachErr)
		}
		if existing.ClerkID != nil {
			r.TargetID = *existing.ClerkID
		}
		r.Status = StatusMerged
		if !attached {
			r.Status = StatusSkipped
		}
		return r
	case !errors.Is(err, repository.ErrUserNotFound):
		return fail(err)
	}

	target, attempts, err := m.creator.create(ctx, identity.CreateParams{
		Email:     email,
		FirstName: su.FirstName,
		LastName:  su.LastName,
		SourceID:  su.ID,
	})
	r.Attempts = attempts
	if err != nil {
		return fail(err)
	}
	r.TargetID = target.ID

	_, err = m.users.CreateStub(ctx, repository.StubParams{
		Email:    email,
		Name:     su.FullName(),
		ClerkID:  target.ID,
		SourceID: su.ID,
	})
	switch {
	case errors.Is(err, repository.ErrSourceIDTaken):
		r.Status = StatusSkipped
		return r
	case err != nil:
		return fail(err)
	}

	r.Status = StatusCreated
	m.log.Debug("user migrated",
		logger.String("source_id", su.ID),
		logger.String("target_id", target.ID),
		logger.Int("attempts", attempts))
	return r
}
