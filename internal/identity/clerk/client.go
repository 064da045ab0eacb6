// Package clerk creates accounts in the Clerk identity provider through its
// Backend API.
package clerk

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/httpclient"
	"github.com/casebook-app/migrate/internal/identity"
	"github.com/casebook-app/migrate/internal/logger"
	"github.com/casebook-app/migrate/internal/resilience"
)

const (
	componentName = "clerk"

	// DefaultAPIURL is Clerk's Backend API base.
	DefaultAPIURL = "https://api.clerk.com/v1"

	idempotencyHeader = "Idempotency-Key"
)

// idempotencyNamespace seeds deterministic idempotency keys. Changing it
// would let a re-run create duplicates of accounts created before.
var idempotencyNamespace = uuid.MustParse("6f1d3c9a-2b7e-5d4f-9a1c-7e3b2d5f8a60")

// IdempotencyKey returns the key sent with the creation request for a
// legacy user id. The same id always yields the same key.
func IdempotencyKey(sourceID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte("create-user:"+sourceID)).String()
}

// Client calls the Clerk Backend API.
type Client struct {
	baseURL   string
	secretKey string
	http      *httpclient.Client
	breaker   *resilience.CircuitBreaker
	log       logger.Logger
}

var _ identity.Target = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithBreaker guards every call with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithLogger sets the client's logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log.Module(componentName) }
}

// New creates a Clerk client. apiURL defaults to DefaultAPIURL.
func New(secretKey, apiURL string, hc *httpclient.Client, opts ...Option) (*Client, error) {
	if secretKey == "" {
		return nil, errors.ValidationError("clerk secret key is required")
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if hc == nil {
		hc = httpclient.New(nil)
	}
	c := &Client{
		baseURL:   strings.TrimRight(apiURL, "/"),
		secretKey: secretKey,
		http:      hc,
		log:       logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type createUserRequest struct {
	EmailAddress            []string `json:"email_address"`
	FirstName               string   `json:"first_name,omitempty"`
	LastName                string   `json:"last_name,omitempty"`
	ExternalID              string   `json:"external_id,omitempty"`
	SkipPasswordRequirement bool     `json:"skip_password_requirement"`
}

type emailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

type apiUser struct {
	ID                    string         `json:"id"`
	ExternalID            string         `json:"external_id"`
	FirstName             string         `json:"first_name"`
	LastName              string         `json:"last_name"`
	PrimaryEmailAddressID string         `json:"primary_email_address_id"`
	EmailAddresses        []emailAddress `json:"email_addresses"`
}

func (u apiUser) toIdentity() *identity.TargetIdentity {
	email := ""
	for _, e := range u.EmailAddresses {
		if email == "" || e.ID == u.PrimaryEmailAddressID {
			email = e.EmailAddress
		}
	}
	return &identity.TargetIdentity{
		ID:         u.ID,
		Email:      email,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		ExternalID: u.ExternalID,
	}
}

func (c *Client) header(extra ...string) http.Header {
	h := http.Header{"Authorization": {"Bearer " + c.secretKey}}
	for i := 0; i+1 < len(extra); i += 2 {
		h.Set(extra[i], extra[i+1])
	}
	return h
}

func (c *Client) call(ctx context.Context, fn func(context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Call(ctx, fn)
}

// CreateUser creates an account. The request carries the legacy id as
// external_id and a deterministic Idempotency-Key so that a retried request
// whose first attempt already succeeded does not create a second account.
func (c *Client) CreateUser(ctx context.Context, p identity.CreateParams) (*identity.TargetIdentity, error) {
	if strings.TrimSpace(p.Email) == "" {
		return nil, errors.ValidationError("email is required")
	}

	body := createUserRequest{
		EmailAddress:            []string{p.Email},
		FirstName:               p.FirstName,
		LastName:                p.LastName,
		ExternalID:              p.SourceID,
		SkipPasswordRequirement: true,
	}
	var header http.Header
	if p.SourceID != "" {
		header = c.header(idempotencyHeader, IdempotencyKey(p.SourceID))
	} else {
		header = c.header()
	}

	var out apiUser
	err := c.call(ctx, func(ctx context.Context) error {
		return c.http.DoJSON(ctx, http.MethodPost, c.baseURL+"/users", header, body, &out)
	})
	if err != nil {
		return nil, c.wrap(err, "create_user")
	}

	c.log.Debug("created target account",
		logger.String("target_id", out.ID),
		logger.String("source_id", p.SourceID))
	return out.toIdentity(), nil
}

// FindUserByEmail returns the account owning email, or nil when none does.
func (c *Client) FindUserByEmail(ctx context.Context, email string) (*identity.TargetIdentity, error) {
	if strings.TrimSpace(email) == "" {
		return nil, errors.ValidationError("email is required")
	}

	endpoint := c.baseURL + "/users?" + url.Values{"email_address": {email}}.Encode()
	var out []apiUser
	err := c.call(ctx, func(ctx context.Context) error {
		return c.http.DoJSON(ctx, http.MethodGet, endpoint, c.header(), nil, &out)
	})
	if err != nil {
		return nil, c.wrap(err, "find_user_by_email")
	}

	want := identity.NormalizeEmail(email)
	for _, u := range out {
		ti := u.toIdentity()
		for _, e := range u.EmailAddresses {
			if identity.NormalizeEmail(e.EmailAddress) == want {
				return ti, nil
			}
		}
	}
	return nil, nil
}

func (c *Client) wrap(err error, operation string) error {
	b := errors.New(err).Component(componentName).Context("operation", operation)
	var se *httpclient.StatusError
	switch {
	case errors.As(err, &se):
		b = b.Category(errors.CategoryFetch).Context("status", se.StatusCode)
		if se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden {
			b = b.Category(errors.CategoryAuth)
		}
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyProbes):
		b = b.Category(errors.CategoryLimit)
	default:
		b = b.Category(errors.CategoryNetwork)
	}
	return b.Build()
}
