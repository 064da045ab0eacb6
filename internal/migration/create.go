package migration

import (
	"context"
	"net/http"
	"time"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/httpclient"
	"github.com/casebook-app/migrate/internal/identity"
	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/resilience"
)

const opCreateTargetUser = "create_target_user"

// accountCreator creates target accounts with retry and a check-then-create
// guard: before every attempt after the first, the target is searched for
// the email so that an attempt which timed out but succeeded server-side is
// not repeated.
type accountCreator struct {
	target  identity.Target
	retry   resilience.RetryPolicy
	log     logger.Logger
	metrics Recorder
}

func (c *accountCreator) create(ctx context.Context, p identity.CreateParams) (*identity.TargetIdentity, int, error) {
	var (
		created  *identity.TargetIdentity
		attempts int
	)

	policy := c.retry
	if policy.Retryable == nil {
		policy.Retryable = retryableCreate
	}
	userOnRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.metrics.Retry(opCreateTargetUser)
		c.log.Warn("target account creation failed, retrying",
			logger.Email("email", p.Email),
			logger.Int("attempt", attempt),
			logger.Duration("delay", delay),
			logger.Error(err))
		if userOnRetry != nil {
			userOnRetry(attempt, err, delay)
		}
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			existing, err := c.target.FindUserByEmail(ctx, p.Email)
			if err != nil {
				return err
			}
			if existing != nil {
				created = existing
				return nil
			}
		}
		u, err := c.target.CreateUser(ctx, p)
		if err != nil {
			return err
		}
		created = u
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return created, attempts, nil
}

// retryableCreate retries network failures, timeouts, 5xx, 408 and 429
// responses. Other 4xx answers and validation failures are final.
func retryableCreate(err error) bool {
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyProbes) {
		return false
	}
	if errors.IsValidation(err) || errors.IsAuth(err) {
		return false
	}
	if status, ok := statusOf(err); ok {
		return status >= http.StatusInternalServerError ||
			status == http.StatusTooManyRequests ||
			status == http.StatusRequestTimeout
	}
	return true
}

func statusOf(err error) (int, bool) {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		status, ok := ee.GetContext()["status"].(int)
		return status, ok
	}
	return 0, false
}
