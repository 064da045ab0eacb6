package clerk

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/httpclient"
	"github.com/casebook-app/migrate/internal/identity"
	"github.com/casebook-app/migrate/internal/resilience"
)

const apiURL = "https://api.clerk.test/v1"

func newTestClient(t *testing.T, opts ...Option) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	c, err := New("sk_test_123", apiURL, httpclient.New(&httpclient.Config{Transport: mock}), opts...)
	require.NoError(t, err)
	return c, mock
}

func TestCreateUserSendsExternalIDAndIdempotencyKey(t *testing.T) {
	c, mock := newTestClient(t)

	var keys []string
	mock.RegisterResponder(http.MethodPost, apiURL+"/users", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer sk_test_123", req.Header.Get("Authorization"))
		keys = append(keys, req.Header.Get("Idempotency-Key"))

		var body createUserRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, []string{"a@x.com"}, body.EmailAddress)
		assert.Equal(t, "kp_1", body.ExternalID)
		assert.True(t, body.SkipPasswordRequirement)

		return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
			"id":                       "user_abc",
			"external_id":              "kp_1",
			"first_name":               "Ada",
			"primary_email_address_id": "idn_2",
			"email_addresses": []map[string]string{
				{"id": "idn_1", "email_address": "old@x.com"},
				{"id": "idn_2", "email_address": "a@x.com"},
			},
		})
	})

	params := identity.CreateParams{Email: "a@x.com", FirstName: "Ada", SourceID: "kp_1"}
	u, err := c.CreateUser(t.Context(), params)
	require.NoError(t, err)
	assert.Equal(t, "user_abc", u.ID)
	assert.Equal(t, "a@x.com", u.Email)
	assert.Equal(t, "kp_1", u.ExternalID)

	_, err = c.CreateUser(t.Context(), params)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1], "same source id must reuse the key")
	assert.Equal(t, IdempotencyKey("kp_1"), keys[0])
	assert.NotEqual(t, IdempotencyKey("kp_1"), IdempotencyKey("kp_2"))
}

func TestCreateUserErrors(t *testing.T) {
	c, mock := newTestClient(t)
	mock.RegisterResponder(http.MethodPost, apiURL+"/users",
		httpmock.NewStringResponder(http.StatusUnprocessableEntity, `{"errors":[{"code":"form_identifier_exists"}]}`))

	_, err := c.CreateUser(t.Context(), identity.CreateParams{Email: "a@x.com", SourceID: "kp_1"})
	require.Error(t, err)
	assert.True(t, errors.IsFetch(err))

	_, err = c.CreateUser(t.Context(), identity.CreateParams{})
	assert.True(t, errors.IsValidation(err))
}

func TestUnauthorizedIsAuthError(t *testing.T) {
	c, mock := newTestClient(t)
	mock.RegisterResponder(http.MethodGet, `=~^`+apiURL+`/users`,
		httpmock.NewStringResponder(http.StatusUnauthorized, "nope"))

	_, err := c.FindUserByEmail(t.Context(), "a@x.com")
	assert.True(t, errors.IsAuth(err))
}

func TestFindUserByEmail(t *testing.T) {
	c, mock := newTestClient(t)
	mock.RegisterResponderWithQuery(http.MethodGet, apiURL+"/users", "email_address=A%40x.com",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, []map[string]any{{
			"id":              "user_abc",
			"email_addresses": []map[string]string{{"id": "idn_1", "email_address": "a@x.com"}},
		}}))
	mock.RegisterResponderWithQuery(http.MethodGet, apiURL+"/users", "email_address=none%40x.com",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, []map[string]any{}))

	u, err := c.FindUserByEmail(t.Context(), "A@x.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "user_abc", u.ID)

	u, err = c.FindUserByEmail(t.Context(), "none@x.com")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestBreakerShortCircuitsCalls(t *testing.T) {
	cb := resilience.NewCircuitBreaker("clerk", resilience.BreakerConfig{MaxFailures: 1, Cooldown: time.Hour, HalfOpenMaxRequests: 1})
	c, mock := newTestClient(t, WithBreaker(cb))
	mock.RegisterResponder(http.MethodPost, apiURL+"/users", httpmock.NewStringResponder(http.StatusBadGateway, ""))

	params := identity.CreateParams{Email: "a@x.com", SourceID: "kp_1"}
	_, err := c.CreateUser(t.Context(), params)
	require.Error(t, err)

	_, err = c.CreateUser(t.Context(), params)
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.True(t, errors.IsCategory(err, errors.CategoryLimit))
	assert.Equal(t, 1, mock.GetTotalCallCount())
}
