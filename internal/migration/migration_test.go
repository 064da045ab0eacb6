package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/datastore/repository"
	"github.com/casebook-app/migrate/internal/datastore/testutil"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/httpclient"
	"github.com/casebook-app/migrate/internal/identity"
	"github.com/casebook-app/migrate/internal/identity/clerk"
	"github.com/casebook-app/migrate/internal/resilience"
)

type fakeSource struct {
	users []identity.SourceUser
	err   error
}

func (s *fakeSource) FetchUsers(_ context.Context, _ int, _ string) (identity.Page, error) {
	return identity.Page{Users: slices.Clone(s.users)}, s.err
}

func (s *fakeSource) FetchUserByEmail(_ context.Context, email string) (*identity.SourceUser, error) {
	for i := range s.users {
		if identity.NormalizeEmail(s.users[i].Email) == identity.NormalizeEmail(email) {
			u := s.users[i]
			return &u, nil
		}
	}
	return nil, s.err
}

func (s *fakeSource) FetchAllUsers(context.Context, int) ([]identity.SourceUser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return slices.Clone(s.users), nil
}

// fakeTarget fails the first failures[email] create calls with failWith.
type fakeTarget struct {
	mu       sync.Mutex
	accounts map[string]*identity.TargetIdentity
	failures map[string]int
	failWith error
	// persistOnFailure stores the account even when the call fails, like a
	// request that timed out after the server committed it.
	persistOnFailure bool
	creates          int
	lookups          int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		accounts: map[string]*identity.TargetIdentity{},
		failures: map[string]int{},
		failWith: &httpclient.StatusError{StatusCode: http.StatusBadGateway},
	}
}

func (f *fakeTarget) CreateUser(_ context.Context, p identity.CreateParams) (*identity.TargetIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++

	email := identity.NormalizeEmail(p.Email)
	acct := &identity.TargetIdentity{
		ID:         fmt.Sprintf("user_%d", len(f.accounts)+1),
		Email:      email,
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		ExternalID: p.SourceID,
	}
	if f.failures[email] > 0 {
		f.failures[email]--
		if f.persistOnFailure {
			f.accounts[email] = acct
		}
		return nil, f.failWith
	}
	if existing, ok := f.accounts[email]; ok {
		return existing, nil
	}
	f.accounts[email] = acct
	return acct, nil
}

func (f *fakeTarget) FindUserByEmail(_ context.Context, email string) (*identity.TargetIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.accounts[identity.NormalizeEmail(email)], nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	retries  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: map[string]int{}, retries: map[string]int{}}
}

func (r *countingRecorder) UserOutcome(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[status]++
}

func (r *countingRecorder) Retry(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries[op]++
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func sourceUsers(n int) []identity.SourceUser {
	users := make([]identity.SourceUser, n)
	for i := range users {
		users[i] = identity.SourceUser{
			ID:        fmt.Sprintf("kp_%03d", i),
			Email:     fmt.Sprintf("User%d@Example.com", i),
			FirstName: "User",
			LastName:  fmt.Sprint(i),
		}
	}
	return users
}

func newMigrator(t *testing.T, src identity.Source, tgt identity.Target, users repository.UserRepository, sl *sleepLog, rec Recorder) *Migrator {
	t.Helper()
	policy := resilience.FixedPolicy(3, 10*time.Millisecond)
	policy.Sleep = sl.sleep
	m, err := NewMigrator(MigratorConfig{
		Source:  src,
		Target:  tgt,
		Users:   users,
		Retry:   policy,
		Metrics: rec,
	})
	require.NoError(t, err)
	return m
}

func TestMigrateUsersCountersAddUp(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)

	users := sourceUsers(12)
	users[3].Email = "   "
	// Existing target user with the same email, merged.
	testutil.SeedUser(t, mgr, &entities.User{Email: "user5@example.com", Name: "Already Here"})

	tgt := newFakeTarget()
	// Permanent rejection, never retried.
	tgt.failures["user7@example.com"] = 1
	rec := newCountingRecorder()
	sl := &sleepLog{}

	m := newMigrator(t, &fakeSource{users: users}, tgt, mgr.Users(), sl, rec)
	tgt.failWith = &httpclient.StatusError{StatusCode: http.StatusUnprocessableEntity}

	res, err := m.MigrateUsers(t.Context(), 0)
	require.NoError(t, err)

	assert.True(t, res.Consistent())
	assert.Equal(t, 12, res.Total)
	assert.Equal(t, 9, res.Success)
	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Errors)
	assert.Empty(t, sl.delays)

	byEmail := map[string]Result{}
	for _, r := range res.Details {
		byEmail[r.Email] = r
	}
	assert.Equal(t, StatusError, res.Details[3].Status)
	assert.Equal(t, "User has no email", res.Details[3].Error)
	assert.Equal(t, StatusMerged, byEmail["user5@example.com"].Status)
	assert.Equal(t, StatusError, byEmail["user7@example.com"].Status)
	assert.Equal(t, 1, byEmail["user7@example.com"].Attempts)

	merged, err := mgr.Users().FindByEmail(t.Context(), "user5@example.com")
	require.NoError(t, err)
	require.NotNil(t, merged.Migration.OldSourceID)
	assert.Equal(t, "kp_005", *merged.Migration.OldSourceID)

	assert.Equal(t, 9, rec.outcomes[string(StatusCreated)])
	assert.Equal(t, 2, rec.outcomes[string(StatusError)])
}

func TestMigrateUsersRejectionsDoNotOpenBreaker(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)

	const apiURL = "https://api.clerk.test/v1"
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodPost, apiURL+"/users", func(req *http.Request) (*http.Response, error) {
		var body struct {
			EmailAddress []string `json:"email_address"`
			ExternalID   string   `json:"external_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return nil, err
		}
		n, _ := strconv.Atoi(strings.TrimPrefix(body.ExternalID, "kp_"))
		if n < 5 {
			return httpmock.NewStringResponse(http.StatusUnprocessableEntity,
				`{"errors":[{"code":"form_identifier_exists"}]}`), nil
		}
		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"id":              "user_" + body.ExternalID,
			"external_id":     body.ExternalID,
			"email_addresses": []map[string]string{{"id": "idn_1", "email_address": body.EmailAddress[0]}},
		})
	})

	cb := resilience.NewCircuitBreaker("clerk", resilience.BreakerConfig{
		MaxFailures:         5,
		Cooldown:            30 * time.Second,
		HalfOpenMaxRequests: 1,
	})
	tgt, err := clerk.New("sk_test_123", apiURL,
		httpclient.New(&httpclient.Config{Transport: mock}), clerk.WithBreaker(cb))
	require.NoError(t, err)

	m := newMigrator(t, &fakeSource{users: sourceUsers(10)}, tgt, mgr.Users(), &sleepLog{}, nil)
	res, err := m.MigrateUsers(t.Context(), 0)
	require.NoError(t, err)

	assert.True(t, res.Consistent())
	assert.Equal(t, 5, res.Errors)
	assert.Equal(t, 5, res.Success)
	for _, r := range res.Details[5:] {
		assert.Equal(t, StatusCreated, r.Status, r.SourceID)
	}
	assert.Equal(t, resilience.StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestMigrateUsersIsIdempotent(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	src := &fakeSource{users: sourceUsers(5)}
	tgt := newFakeTarget()
	m := newMigrator(t, src, tgt, mgr.Users(), &sleepLog{}, nil)

	first, err := m.MigrateUsers(t.Context(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, first.Success)

	second, err := m.MigrateUsers(t.Context(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Success)
	assert.Equal(t, 5, second.Skipped)
	assert.Equal(t, 0, second.Errors)
	assert.Equal(t, 5, tgt.creates)

	all, err := mgr.Users().ListAll(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestMigrateUsersRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	tgt := newFakeTarget()
	tgt.failures["user0@example.com"] = 2
	rec := newCountingRecorder()
	sl := &sleepLog{}

	m := newMigrator(t, &fakeSource{users: sourceUsers(1)}, tgt, mgr.Users(), sl, rec)
	res, err := m.MigrateUsers(t.Context(), 0)
	require.NoError(t, err)

	require.Len(t, res.Details, 1)
	assert.Equal(t, StatusCreated, res.Details[0].Status)
	assert.Equal(t, 3, res.Details[0].Attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, sl.delays)
	assert.Equal(t, 2, rec.retries[opCreateTargetUser])
	assert.Len(t, tgt.accounts, 1)
}

func TestMigrateUsersDoesNotDuplicateCommittedAttempt(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	tgt := newFakeTarget()
	tgt.failures["user0@example.com"] = 1
	tgt.persistOnFailure = true
	tgt.failWith = context.DeadlineExceeded

	m := newMigrator(t, &fakeSource{users: sourceUsers(1)}, tgt, mgr.Users(), &sleepLog{}, nil)
	res, err := m.MigrateUsers(t.Context(), 0)
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, res.Details[0].Status)
	assert.Equal(t, 1, tgt.creates)
	assert.Equal(t, 1, tgt.lookups)
	assert.Equal(t, "user_1", res.Details[0].TargetID)
}

func TestMigrateUsersLimit(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	m := newMigrator(t, &fakeSource{users: sourceUsers(8)}, newFakeTarget(), mgr.Users(), &sleepLog{}, nil)

	res, err := m.MigrateUsers(t.Context(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, "kp_002", res.Details[2].SourceID)
}

func TestMigrateUsersCancelled(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	m := newMigrator(t, &fakeSource{users: sourceUsers(3)}, newFakeTarget(), mgr.Users(), &sleepLog{}, nil)
	res, err := m.MigrateUsers(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Total)
	assert.True(t, res.Consistent())
}

func TestMigrateUsersSourceFailure(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	boom := errors.NewStd("listing failed")
	m := newMigrator(t, &fakeSource{err: boom}, newFakeTarget(), mgr.Users(), &sleepLog{}, nil)

	_, err := m.MigrateUsers(t.Context(), 0)
	require.ErrorIs(t, err, boom)
}

func TestNewMigratorValidates(t *testing.T) {
	t.Parallel()
	_, err := NewMigrator(MigratorConfig{})
	assert.True(t, errors.IsValidation(err))
}

func TestRetryableCreate(t *testing.T) {
	t.Parallel()
	status := func(code int) error {
		return errors.New(&httpclient.StatusError{StatusCode: code}).
			Category(errors.CategoryFetch).
			Context("status", code).
			Build()
	}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", status(http.StatusInternalServerError), true},
		{"rate limited", status(http.StatusTooManyRequests), true},
		{"request timeout", status(http.StatusRequestTimeout), true},
		{"unprocessable", status(http.StatusUnprocessableEntity), false},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"breaker open", resilience.ErrCircuitOpen, false},
		{"validation", errors.ValidationError("bad"), false},
		{"auth", errors.AuthError("clerk", errors.NewStd("denied")), false},
		{"network", errors.NewStd("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryableCreate(tt.err))
		})
	}
}

func newResolver(t *testing.T, src identity.Source, tgt identity.Target, users repository.UserRepository, sel StrategySelector) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{
		Source:   src,
		Target:   tgt,
		Users:    users,
		Selector: sel,
		Retry:    resilience.RetryPolicy{Attempts: 1},
	})
	require.NoError(t, err)
	return r
}

func TestIdentifyExistingUsers(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	for _, e := range []string{"carol@example.com", "alice@example.com", "dave@example.com"} {
		testutil.SeedUser(t, mgr, &entities.User{Email: e})
	}
	src := &fakeSource{users: []identity.SourceUser{
		{ID: "kp_1", Email: "Alice@Example.com "},
		{ID: "kp_2", Email: "bob@example.com"},
		{ID: "kp_3", Email: "carol@example.com"},
		{ID: "kp_4", Email: ""},
	}}

	r := newResolver(t, src, nil, mgr.Users(), nil)
	report, err := r.IdentifyExistingUsers(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 4, report.SourceCount)
	assert.Equal(t, 3, report.TargetCount)
	assert.Equal(t, []string{"alice@example.com", "carol@example.com"}, report.Conflicts)
	assert.Equal(t, 2, report.ConflictCount)

	// Input order does not matter.
	slices.Reverse(src.users)
	again, err := r.IdentifyExistingUsers(t.Context())
	require.NoError(t, err)
	assert.Equal(t, report.Conflicts, again.Conflicts)
}

func TestIdentifyExistingUsersNoOverlap(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	r := newResolver(t, &fakeSource{users: sourceUsers(2)}, nil, mgr.Users(), nil)

	report, err := r.IdentifyExistingUsers(t.Context())
	require.NoError(t, err)
	assert.Empty(t, report.Conflicts)
	assert.NotNil(t, report.Conflicts)
}

func TestHandleConflictsStrategies(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	for _, e := range []string{"merge@example.com", "skip@example.com", "alt@example.com"} {
		testutil.SeedUser(t, mgr, &entities.User{Email: e})
	}
	src := &fakeSource{users: []identity.SourceUser{
		{ID: "kp_m", Email: "merge@example.com"},
		{ID: "kp_s", Email: "skip@example.com"},
		{ID: "kp_A", Email: "alt@example.com", FirstName: "Al"},
	}}
	sel := func(_ context.Context, su identity.SourceUser, _ *entities.User) Strategy {
		switch su.ID {
		case "kp_s":
			return StrategySkip
		case "kp_A":
			return StrategyAlternativeEmail
		}
		return StrategyMerge
	}
	tgt := newFakeTarget()

	r := newResolver(t, src, tgt, mgr.Users(), sel)
	res, err := r.HandleConflicts(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Errors)
	require.Len(t, res.Details, 3)

	alt := res.Details[0]
	assert.Equal(t, "alt@example.com", alt.Email)
	assert.Equal(t, StatusCreated, alt.Outcome)
	assert.Equal(t, "alt+legacy-kp_a@example.com", alt.AlternativeEmail)
	require.Contains(t, tgt.accounts, "alt+legacy-kp_a@example.com")

	stub, err := mgr.Users().FindBySourceID(t.Context(), "kp_A")
	require.NoError(t, err)
	assert.Equal(t, "alt+legacy-kp_a@example.com", stub.Email)

	merged, err := mgr.Users().FindByEmail(t.Context(), "merge@example.com")
	require.NoError(t, err)
	assert.Equal(t, "kp_m", *merged.Migration.OldSourceID)

	skipped, err := mgr.Users().FindByEmail(t.Context(), "skip@example.com")
	require.NoError(t, err)
	assert.False(t, skipped.Migration.Attached())

	// Running again changes nothing.
	again, err := r.HandleConflicts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 0, again.Merged)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 3, again.Skipped)
	assert.Len(t, tgt.accounts, 1)
}

func TestAlternativeEmailWithoutTarget(t *testing.T) {
	t.Parallel()
	mgr := testutil.NewManager(t)
	testutil.SeedUser(t, mgr, &entities.User{Email: "x@example.com"})
	src := &fakeSource{users: []identity.SourceUser{{ID: "kp_x", Email: "x@example.com"}}}

	r := newResolver(t, src, nil, mgr.Users(), FixedStrategy(StrategyAlternativeEmail))
	res, err := r.HandleConflicts(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.NotEmpty(t, res.Details[0].Error)
}

func TestAlternativeEmail(t *testing.T) {
	t.Parallel()
	got, err := AlternativeEmail("Jane+work@Example.com", "kp_9F/x")
	require.NoError(t, err)
	assert.Equal(t, "jane+legacy-kp_9fx@example.com", got)

	_, err = AlternativeEmail("not-an-email", "kp_1")
	assert.True(t, errors.IsValidation(err))
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	s, err := ParseStrategy(" Alternative_Email ")
	require.NoError(t, err)
	assert.Equal(t, StrategyAlternativeEmail, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyMerge, s)

	_, err = ParseStrategy("delete")
	assert.True(t, errors.IsValidation(err))
}
