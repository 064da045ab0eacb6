package notification

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/datastore/repository"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/resilience"
)

const componentName = "notification"

// Delivery statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Delivery is the outcome for one recipient.
type Delivery struct {
	Email  string `json:"email" yaml:"email"`
	Status string `json:"status" yaml:"status"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Result aggregates SendAnnouncements.
type Result struct {
	Total     int           `json:"total" yaml:"total"`
	Sent      int           `json:"sent" yaml:"sent"`
	Failed    int           `json:"failed" yaml:"failed"`
	Sender    string        `json:"sender" yaml:"sender"`
	Details   []Delivery    `json:"details" yaml:"details"`
	StartedAt time.Time     `json:"startedAt" yaml:"startedAt"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Recorder receives delivery counters.
type Recorder interface {
	NotificationOutcome(status string)
}

type noopRecorder struct{}

func (noopRecorder) NotificationOutcome(string) {}

// Config wires a Dispatcher. Limiter and Breaker are optional.
type Config struct {
	Users       repository.UserRepository
	Sender      Sender
	Templates   *Templates
	AppName     string
	FrontendURL string
	Limiter     *rate.Limiter
	Breaker     *resilience.CircuitBreaker
	Logger      logger.Logger
	Metrics     Recorder
}

// Dispatcher sends the announcement to every pending user.
type Dispatcher struct {
	cfg     Config
	log     logger.Logger
	metrics Recorder
}

// NewDispatcher validates cfg and returns a Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Users == nil || cfg.Sender == nil {
		return nil, errors.ValidationError("dispatcher needs a user repository and a sender")
	}
	if cfg.Templates == nil {
		t, err := ParseTemplates("", "")
		if err != nil {
			return nil, err
		}
		cfg.Templates = t
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Dispatcher{cfg: cfg, log: log.Module(componentName), metrics: rec}, nil
}

// SendAnnouncements emails every user whose migration status is pending.
// A failed send is recorded and the loop continues; sends are not retried.
// Only a listing failure or cancellation returns an error.
func (d *Dispatcher) SendAnnouncements(ctx context.Context) (*Result, error) {
	res := &Result{Sender: d.cfg.Sender.Name(), StartedAt: time.Now(), Details: []Delivery{}}
	defer func() { res.Duration = time.Since(res.StartedAt) }()

	users, err := d.cfg.Users.ListByMigrationStatus(ctx, entities.MigrationStatusPending)
	if err != nil {
		return res, err
	}
	d.log.Info("sending announcements",
		logger.Int("recipients", len(users)),
		logger.String("sender", res.Sender))

	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		del := Delivery{Email: u.Email, Status: StatusSent}
		if err := d.sendOne(ctx, u); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			del.Status = StatusFailed
			del.Error = err.Error()
			res.Failed++
			d.log.Warn("announcement failed", logger.Email("email", u.Email), logger.Error(err))
		} else {
			res.Sent++
		}
		res.Total++
		res.Details = append(res.Details, del)
		d.metrics.NotificationOutcome(del.Status)
	}

	d.log.Info("announcements finished",
		logger.Int("total", res.Total),
		logger.Int("sent", res.Sent),
		logger.Int("failed", res.Failed))
	return res, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, u *entities.User) error {
	msg, err := d.cfg.Templates.Render(NewTemplateData(u, d.cfg.AppName, d.cfg.FrontendURL))
	if err != nil {
		return errors.New(err).Component(componentName).Category(errors.CategoryValidation).Build()
	}
	if d.cfg.Limiter != nil {
		if err := d.cfg.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	send := func(ctx context.Context) error { return d.cfg.Sender.Send(ctx, msg) }
	if d.cfg.Breaker != nil {
		return d.cfg.Breaker.Call(ctx, send)
	}
	return send(ctx)
}
