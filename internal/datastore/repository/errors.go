// Package repository provides the target database repositories.
//
// Repositories return the sentinel errors below instead of leaking GORM
// errors. Lookups that find nothing return a NotFound sentinel; callers that
// treat absence as normal check it with errors.Is.
//
// Uniqueness of legacy identifiers (users.migration_old_source_id,
// cases.legacy_case_id, documents.legacy_document_id and
// library_documents.legacy_document_id) is enforced by unique indexes, so
// concurrent creators cannot both succeed.
package repository

import (
	"gorm.io/gorm"

	"github.com/casebook-app/migrate/internal/errors"
)

var (
	// ErrUserNotFound indicates no user matched.
	ErrUserNotFound = errors.Newf("user not found").Category(errors.CategoryNotFound).Build()

	// ErrCaseNotFound indicates no case matched.
	ErrCaseNotFound = errors.Newf("case not found").Category(errors.CategoryNotFound).Build()

	// ErrDocumentNotFound indicates no document matched.
	ErrDocumentNotFound = errors.Newf("document not found").Category(errors.CategoryNotFound).Build()

	// ErrDuplicateKey indicates a unique constraint violation.
	ErrDuplicateKey = errors.NewStd("duplicate key")

	// ErrSourceIDTaken indicates another user already carries the legacy id.
	ErrSourceIDTaken = errors.NewStd("legacy source id already attached to another user")

	// ErrInvalidTransition indicates a migration status change that is not allowed.
	ErrInvalidTransition = errors.NewStd("invalid migration status transition")

	// ErrInvalidInput indicates invalid input parameters.
	ErrInvalidInput = errors.NewStd("invalid input")
)

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
