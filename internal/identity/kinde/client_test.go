package kinde

import (
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/httpclient"
)

const (
	domain   = "https://acme.kinde.com"
	tokenKey = "POST https://acme.kinde.com/oauth2/token"
)

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	hc := httpclient.New(&httpclient.Config{Transport: mock})
	c, err := New(Config{Domain: domain, ClientID: "id", ClientSecret: "secret"}, hc, nil)
	require.NoError(t, err)
	return c, mock
}

func registerToken(mock *httpmock.MockTransport) {
	mock.RegisterResponder(http.MethodPost, domain+"/oauth2/token",
		func(req *http.Request) (*http.Response, error) {
			if err := req.ParseForm(); err != nil {
				return nil, err
			}
			if req.PostForm.Get("grant_type") != "client_credentials" || req.PostForm.Get("client_id") != "id" {
				return httpmock.NewStringResponse(http.StatusBadRequest, "bad grant"), nil
			}
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"access_token": "tok-123",
				"token_type":   "bearer",
				"expires_in":   86400,
			})
		})
}

func TestFetchUsersPaginates(t *testing.T) {
	c, mock := newTestClient(t)
	registerToken(mock)

	mock.RegisterResponderWithQuery(http.MethodGet, domain+"/api/v1/users",
		map[string]string{"page_size": "2"},
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer tok-123", req.Header.Get("Authorization"))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"code": "OK",
				"users": []map[string]any{
					{"id": "kp_1", "email": "a@x.com", "first_name": "Ada", "last_name": "L", "created_on": "2023-04-01T10:00:00.123456+00:00"},
					{"id": "kp_2", "email": "b@x.com"},
				},
				"next_token": "page2",
			})
		})
	mock.RegisterResponderWithQuery(http.MethodGet, domain+"/api/v1/users",
		map[string]string{"page_size": "2", "next_token": "page2"},
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"users": []map[string]any{{"id": "kp_3", "email": "c@x.com"}},
		}))

	users, err := c.FetchAllUsers(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "kp_1", users[0].ID)
	assert.Equal(t, "Ada", users[0].FirstName)
	assert.Equal(t, 2023, users[0].CreatedOn.Year())
	assert.Equal(t, "c@x.com", users[2].Email)

	// Each call re-authenticates.
	assert.Equal(t, 2, mock.GetCallCountInfo()[tokenKey])
}

func TestFetchUserByEmail(t *testing.T) {
	c, mock := newTestClient(t)
	registerToken(mock)

	mock.RegisterResponderWithQuery(http.MethodGet, domain+"/api/v1/users",
		map[string]string{"email": "a@x.com"},
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"users": []map[string]any{{"id": "kp_1", "email": "a@x.com"}},
		}))
	mock.RegisterResponderWithQuery(http.MethodGet, domain+"/api/v1/users",
		map[string]string{"email": "nobody@x.com"},
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{"users": nil}))

	u, err := c.FetchUserByEmail(t.Context(), "a@x.com")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "kp_1", u.ID)

	u, err = c.FetchUserByEmail(t.Context(), "nobody@x.com")
	require.NoError(t, err)
	assert.Nil(t, u)

	_, err = c.FetchUserByEmail(t.Context(), " ")
	assert.True(t, errors.IsValidation(err))
}

func TestTokenFailureIsAuthError(t *testing.T) {
	c, mock := newTestClient(t)
	mock.RegisterResponder(http.MethodPost, domain+"/oauth2/token",
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"error":"invalid_client"}`))

	_, err := c.FetchUsers(t.Context(), 10, "")
	require.Error(t, err)
	assert.True(t, errors.IsAuth(err))
	assert.Zero(t, mock.GetCallCountInfo()["GET "+domain+"/api/v1/users"])
}

func TestListFailureIsFetchError(t *testing.T) {
	c, mock := newTestClient(t)
	registerToken(mock)
	mock.RegisterResponder(http.MethodGet, domain+"/api/v1/users",
		httpmock.NewStringResponder(http.StatusInternalServerError, "oops"))

	_, err := c.FetchUsers(t.Context(), 10, "")
	require.Error(t, err)
	assert.True(t, errors.IsFetch(err))

	var ee *errors.EnhancedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, http.StatusInternalServerError, ee.GetContext()["status"])
}

func TestRepeatedPageTokenStopsListing(t *testing.T) {
	c, mock := newTestClient(t)
	registerToken(mock)
	mock.RegisterResponder(http.MethodGet, domain+"/api/v1/users",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"users":      []map[string]any{{"id": "kp_1", "email": "a@x.com"}},
			"next_token": "same",
		}))

	_, err := c.FetchAllUsers(t.Context(), 1)
	require.Error(t, err)
	assert.True(t, errors.IsFetch(err))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{Domain: domain}, nil, nil)
	assert.True(t, errors.IsValidation(err))
}
