// Package kinde reads users from the legacy Kinde identity provider through
// its management API.
package kinde

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/httpclient"
	"github.com/casebook-app/migrate/internal/identity"
	"github.com/casebook-app/migrate/internal/logger"
)

const (
	componentName = "kinde"

	tokenPath = "/oauth2/token"
	usersPath = "/api/v1/users"

	tokenTimeout    = 15 * time.Second
	defaultPageSize = 100
	maxPages        = 10000
)

// Config holds the client-credentials application and API limits.
type Config struct {
	Domain       string // e.g. https://acme.kinde.com
	ClientID     string
	ClientSecret string
	// Audience defaults to {Domain}/api.
	Audience          string
	RequestsPerSecond float64
}

// Client talks to the Kinde management API. A fresh access token is
// obtained for every call; tokens are never cached across calls.
type Client struct {
	domain  string
	creds   *clientcredentials.Config
	http    *httpclient.Client
	limiter *rate.Limiter
	log     logger.Logger
}

var _ identity.Source = (*Client)(nil)

// New creates a Kinde client.
func New(cfg Config, hc *httpclient.Client, log logger.Logger) (*Client, error) {
	if cfg.Domain == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.ValidationError("kinde domain, client id and client secret are required")
	}
	if hc == nil {
		hc = httpclient.New(nil)
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}

	domain := strings.TrimRight(cfg.Domain, "/")
	audience := cfg.Audience
	if audience == "" {
		audience = domain + "/api"
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		domain: domain,
		creds: &clientcredentials.Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			TokenURL:       domain + tokenPath,
			EndpointParams: url.Values{"audience": {audience}},
			AuthStyle:      oauth2.AuthStyleInParams,
		},
		http:    hc,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.Module(componentName),
	}, nil
}

// token performs the client-credentials grant.
func (c *Client) token(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http.StdClient())

	tok, err := c.creds.Token(ctx)
	if err != nil {
		b := errors.New(fmt.Errorf("kinde token request failed: %w", err)).
			Component(componentName).
			Category(errors.CategoryAuth).
			Priority(errors.PriorityHigh)
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			b = b.Context("status", re.Response.StatusCode)
		}
		return "", b.Build()
	}
	return tok.AccessToken, nil
}

type apiUser struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	FirstName     string   `json:"first_name"`
	LastName      string   `json:"last_name"`
	CreatedOn     string   `json:"created_on"`
	Organizations []string `json:"organizations"`
}

type usersResponse struct {
	Code      string    `json:"code"`
	Users     []apiUser `json:"users"`
	NextToken string    `json:"next_token"`
}

func (u apiUser) toSource() identity.SourceUser {
	return identity.SourceUser{
		ID:            u.ID,
		Email:         u.Email,
		FirstName:     u.FirstName,
		LastName:      u.LastName,
		CreatedOn:     parseTime(u.CreatedOn),
		Organizations: u.Organizations,
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (c *Client) listUsers(ctx context.Context, query url.Values) (*usersResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.domain + usersPath
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var resp usersResponse
	header := http.Header{"Authorization": {"Bearer " + token}}
	if err := c.http.DoJSON(ctx, http.MethodGet, endpoint, header, nil, &resp); err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) {
			return nil, errors.FetchError(componentName, se.StatusCode, err)
		}
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryFetch).
			NetworkContext(endpoint, 0).
			Build()
	}
	return &resp, nil
}

// FetchUsers reads one page of users. pageToken is empty for the first page.
func (c *Client) FetchUsers(ctx context.Context, pageSize int, pageToken string) (identity.Page, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	q := url.Values{"page_size": {strconv.Itoa(pageSize)}}
	if pageToken != "" {
		q.Set("next_token", pageToken)
	}

	resp, err := c.listUsers(ctx, q)
	if err != nil {
		return identity.Page{}, err
	}

	page := identity.Page{
		Users:     make([]identity.SourceUser, 0, len(resp.Users)),
		NextToken: resp.NextToken,
	}
	for _, u := range resp.Users {
		page.Users = append(page.Users, u.toSource())
	}
	c.log.Debug("fetched user page",
		logger.Int("count", len(page.Users)),
		logger.Bool("has_more", page.NextToken != ""))
	return page, nil
}

// FetchUserByEmail returns the user with the given email, or nil when none
// exists. Not found is not an error.
func (c *Client) FetchUserByEmail(ctx context.Context, email string) (*identity.SourceUser, error) {
	if strings.TrimSpace(email) == "" {
		return nil, errors.ValidationError("email is required")
	}
	resp, err := c.listUsers(ctx, url.Values{"email": {email}})
	if err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, nil
	}
	u := resp.Users[0].toSource()
	return &u, nil
}

// FetchAllUsers follows next_token until the listing is exhausted.
func (c *Client) FetchAllUsers(ctx context.Context, pageSize int) ([]identity.SourceUser, error) {
	var (
		all   []identity.SourceUser
		token string
		seen  = map[string]bool{}
	)
	for range maxPages {
		page, err := c.FetchUsers(ctx, pageSize, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Users...)
		if page.NextToken == "" {
			c.log.Info("fetched all source users", logger.Int("total", len(all)))
			return all, nil
		}
		if seen[page.NextToken] {
			return nil, errors.Newf("kinde returned a repeated page token").
				Component(componentName).
				Category(errors.CategoryFetch).
				Build()
		}
		seen[page.NextToken] = true
		token = page.NextToken
	}
	return nil, errors.Newf("kinde listing exceeded %d pages", maxPages).
		Component(componentName).
		Category(errors.CategoryLimit).
		Build()
}
