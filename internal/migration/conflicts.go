package migration

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/datastore/repository"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/identity"
	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/resilience"
)

// Strategy decides what happens to an email present in both systems.
type Strategy string

const (
	// StrategyMerge attaches migration metadata to the existing target user.
	StrategyMerge Strategy = "merge"
	// StrategySkip leaves both accounts untouched.
	StrategySkip Strategy = "skip"
	// StrategyAlternativeEmail migrates the source user under a derived
	// address, keeping both accounts.
	StrategyAlternativeEmail Strategy = "alternative_email"
)

// ParseStrategy accepts the configuration spelling of a strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyMerge, StrategySkip, StrategyAlternativeEmail:
		return st, nil
	case "":
		return StrategyMerge, nil
	default:
		return "", errors.ValidationError(fmt.Sprintf("unknown conflict strategy %q", s))
	}
}

// StrategySelector picks a strategy for one conflict.
type StrategySelector func(ctx context.Context, source identity.SourceUser, target *entities.User) Strategy

// FixedStrategy always returns s.
func FixedStrategy(s Strategy) StrategySelector {
	return func(context.Context, identity.SourceUser, *entities.User) Strategy { return s }
}

// ConflictReport lists emails present in both systems, sorted.
type ConflictReport struct {
	SourceCount   int      `json:"sourceCount" yaml:"sourceCount"`
	TargetCount   int      `json:"targetCount" yaml:"targetCount"`
	Conflicts     []string `json:"conflicts" yaml:"conflicts"`
	ConflictCount int      `json:"conflictCount" yaml:"conflictCount"`
}

// ConflictDetail is the outcome for one conflicting email.
type ConflictDetail struct {
	Email            string   `json:"email" yaml:"email"`
	Strategy         Strategy `json:"strategy" yaml:"strategy"`
	Outcome          Status   `json:"outcome" yaml:"outcome"`
	SourceID         string   `json:"sourceId,omitempty" yaml:"sourceId,omitempty"`
	AlternativeEmail string   `json:"alternativeEmail,omitempty" yaml:"alternativeEmail,omitempty"`
	Error            string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// ConflictResolution aggregates HandleConflicts. Created counts accounts
// opened under an alternative email.
type ConflictResolution struct {
	Merged  int              `json:"merged" yaml:"merged"`
	Created int              `json:"created" yaml:"created"`
	Skipped int              `json:"skipped" yaml:"skipped"`
	Errors  int              `json:"errors" yaml:"errors"`
	Details []ConflictDetail `json:"details" yaml:"details"`
}

// ResolverConfig wires a Resolver. Target and Retry are only used by the
// alternative email strategy.
type ResolverConfig struct {
	Source   identity.Source
	Target   identity.Target
	Users    repository.UserRepository
	Selector StrategySelector
	Retry    resilience.RetryPolicy
	PageSize int
	Logger   logger.Logger
	Metrics  Recorder
}

// Resolver diffs source and target users by email.
type Resolver struct {
	source   identity.Source
	users    repository.UserRepository
	selector StrategySelector
	creator  *accountCreator
	pageSize int
	log      logger.Logger
}

// NewResolver validates cfg and returns a Resolver. The default selector
// always merges.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Source == nil || cfg.Users == nil {
		return nil, errors.ValidationError("resolver needs a source and a user repository")
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
	selector := cfg.Selector
	if selector == nil {
		selector = FixedStrategy(StrategyMerge)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	r := &Resolver{
		source:   cfg.Source,
		users:    cfg.Users,
		selector: selector,
		pageSize: pageSize,
		log:      log,
	}
	if cfg.Target != nil {
		r.creator = &accountCreator{target: cfg.Target, retry: cfg.Retry, log: log, metrics: rec}
	}
	return r, nil
}

// IdentifyExistingUsers intersects the normalized source and target email
// sets. The output is sorted and does not depend on input order.
func (r *Resolver) IdentifyExistingUsers(ctx context.Context) (*ConflictReport, error) {
	sources, err := r.source.FetchAllUsers(ctx, r.pageSize)
	if err != nil {
		return nil, err
	}
	targets, err := r.users.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	sourceEmails := lo.FilterMap(sources, func(u identity.SourceUser, _ int) (string, bool) {
		e := identity.NormalizeEmail(u.Email)
		return e, e != ""
	})
	targetEmails := lo.FilterMap(targets, func(u *entities.User, _ int) (string, bool) {
		e := identity.NormalizeEmail(u.Email)
		return e, e != ""
	})

	conflicts := lo.Uniq(lo.Intersect(lo.Uniq(sourceEmails), lo.Uniq(targetEmails)))
	slices.Sort(conflicts)
	if conflicts == nil {
		conflicts = []string{}
	}

	report := &ConflictReport{
		SourceCount:   len(sources),
		TargetCount:   len(targets),
		Conflicts:     conflicts,
		ConflictCount: len(conflicts),
	}
	r.log.Info("conflict scan finished",
		logger.Int("source_users", report.SourceCount),
		logger.Int("target_users", report.TargetCount),
		logger.Int("conflicts", report.ConflictCount))
	return report, nil
}

// HandleConflicts applies the selected strategy to every conflicting email.
// Failures are recorded per email.
func (r *Resolver) HandleConflicts(ctx context.Context) (*ConflictResolution, error) {
	report, err := r.IdentifyExistingUsers(ctx)
	if err != nil {
		return nil, err
	}

	res := &ConflictResolution{Details: make([]ConflictDetail, 0, len(report.Conflicts))}
	for _, email := range report.Conflicts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d := r.resolveOne(ctx, email)
		switch d.Outcome {
		case StatusMerged:
			res.Merged++
		case StatusCreated:
			res.Created++
		case StatusSkipped:
			res.Skipped++
		default:
			res.Errors++
		}
		res.Details = append(res.Details, d)
	}

	r.log.Info("conflicts handled",
		logger.Int("merged", res.Merged),
		logger.Int("created", res.Created),
		logger.Int("skipped", res.Skipped),
		logger.Int("errors", res.Errors))
	return res, nil
}

func (r *Resolver) resolveOne(ctx context.Context, email string) ConflictDetail {
	d := ConflictDetail{Email: email}
	fail := func(err error) ConflictDetail {
		d.Outcome = StatusError
		d.Error = err.Error()
		r.log.Warn("conflict resolution failed", logger.Email("email", email), logger.Error(err))
		return d
	}

	su, err := r.source.FetchUserByEmail(ctx, email)
	if err != nil {
		return fail(err)
	}
	if su == nil {
		return fail(errors.Newf("source user %s disappeared", logger.MaskEmail(email)).
			Component(componentName).
			Category(errors.CategoryNotFound).
			Build())
	}
	d.SourceID = su.ID

	tu, err := r.users.FindByEmail(ctx, email)
	if err != nil {
		return fail(err)
	}

	d.Strategy = r.selector(ctx, *su, tu)
	switch d.Strategy {
	case StrategyMerge:
		attached, err := r.users.AttachMigration(ctx, tu.ID, su.ID)
		if err != nil {
			return fail(err)
		}
		d.Outcome = StatusMerged
		if !attached {
			d.Outcome = StatusSkipped
		}
	case StrategySkip:
		d.Outcome = StatusSkipped
	case StrategyAlternativeEmail:
		return r.migrateUnderAlternative(ctx, d, su)
	default:
		return fail(errors.ValidationError(fmt.Sprintf("unknown conflict strategy %q", d.Strategy)))
	}
	return d
}

func (r *Resolver) migrateUnderAlternative(ctx context.Context, d ConflictDetail, su *identity.SourceUser) ConflictDetail {
	fail := func(err error) ConflictDetail {
		d.Outcome = StatusError
		d.Error = err.Error()
		return d
	}
	if r.creator == nil {
		return fail(errors.ValidationError("alternative email strategy needs a target identity provider"))
	}

	if existing, err := r.users.FindBySourceID(ctx, su.ID); err == nil {
		d.AlternativeEmail = existing.Email
		d.Outcome = StatusSkipped
		return d
	}

	alt, err := AlternativeEmail(d.Email, su.ID)
	if err != nil {
		return fail(err)
	}
	d.AlternativeEmail = alt

	target, _, err := r.creator.create(ctx, identity.CreateParams{
		Email:     alt,
		FirstName: su.FirstName,
		LastName:  su.LastName,
		SourceID:  su.ID,
	})
	if err != nil {
		return fail(err)
	}
	if _, err := r.users.CreateStub(ctx, repository.StubParams{
		Email:    alt,
		Name:     su.FullName(),
		ClerkID:  target.ID,
		SourceID: su.ID,
	}); err != nil && !errors.Is(err, repository.ErrSourceIDTaken) {
		return fail(err)
	}
	d.Outcome = StatusCreated
	return d
}

// AlternativeEmail derives a deliverable sub-address from email:
// local+legacy-<sourceID>@domain.
func AlternativeEmail(email, sourceID string) (string, error) {
	local, domain, ok := strings.Cut(identity.NormalizeEmail(email), "@")
	if !ok || local == "" || domain == "" || sourceID == "" {
		return "", errors.ValidationError("cannot derive alternative email")
	}
	local, _, _ = strings.Cut(local, "+")
	tag := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, sourceID)
	return local + "+legacy-" + tag + "@" + domain, nil
}
