// Package identity defines the user records exchanged between the legacy
// and the target identity providers.
package identity

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// SourceUser is a read-only record from the legacy identity provider.
type SourceUser struct {
	ID            string    `json:"id" yaml:"id"`
	Email         string    `json:"email" yaml:"email"`
	FirstName     string    `json:"first_name" yaml:"first_name"`
	LastName      string    `json:"last_name" yaml:"last_name"`
	CreatedOn     time.Time `json:"created_on" yaml:"created_on"`
	Organizations []string  `json:"organizations,omitempty" yaml:"organizations,omitempty"`
}

// FullName joins the first and last name.
func (u SourceUser) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Page is one page of source users. An empty NextToken means the listing
// is exhausted.
type Page struct {
	Users     []SourceUser
	NextToken string
}

// TargetIdentity is an account in the target identity provider.
type TargetIdentity struct {
	ID         string
	Email      string
	FirstName  string
	LastName   string
	ExternalID string
}

// CreateParams describes an account to create in the target provider.
type CreateParams struct {
	Email     string
	FirstName string
	LastName  string
	// SourceID is the legacy user id. It is sent as the external id and
	// seeds the idempotency key.
	SourceID string
}

// Source reads users from the legacy identity provider.
type Source interface {
	FetchUsers(ctx context.Context, pageSize int, pageToken string) (Page, error)
	FetchUserByEmail(ctx context.Context, email string) (*SourceUser, error)
	FetchAllUsers(ctx context.Context, pageSize int) ([]SourceUser, error)
}

// Target creates and looks up accounts in the target identity provider.
type Target interface {
	CreateUser(ctx context.Context, params CreateParams) (*TargetIdentity, error)
	FindUserByEmail(ctx context.Context, email string) (*TargetIdentity, error)
}

// NormalizeEmail returns the comparison key for an email address: trimmed,
// NFC-normalised and lower-cased.
func NormalizeEmail(email string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
}
