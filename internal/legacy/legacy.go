// Package legacy reads the retired document store: cases and the metadata
// of uploaded documents. Access is read-only.
package legacy

import (
	"context"
	"time"
)

// Collection names in the legacy store.
const (
	CollectionCases     = "cases"
	CollectionDocuments = "documents"
)

// Case is a legacy case and the ids of the documents attached to it.
type Case struct {
	ID            string
	Title         string
	OwnerSourceID string
	DocumentIDs   []string
}

// Document is the metadata of a legacy upload. StorageURL points into the
// legacy bucket.
type Document struct {
	ID            string
	FileName      string
	FileType      string
	StorageURL    string
	Status        string
	Date          time.Time
	OwnerSourceID string
	Size          int64
}

// Store reads the legacy collections.
type Store interface {
	// ListCases returns the cases owned by a legacy user id.
	ListCases(ctx context.Context, ownerSourceID string) ([]Case, error)
	// ListDocuments returns every document owned by a legacy user id.
	ListDocuments(ctx context.Context, ownerSourceID string) ([]Document, error)
}
