package legacy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
)

const componentName = "legacy-store"

// Field names used by the legacy application.
const (
	fieldOwner       = "ownerId"
	fieldTitle       = "title"
	fieldDocumentIDs = "documentIds"
	fieldFileName    = "fileName"
	fieldFileType    = "fileType"
	fieldStorageURL  = "storageUrl"
	fieldStatus      = "status"
	fieldDate        = "date"
	fieldSize        = "size"
)

// FirestoreConfig selects the legacy project.
type FirestoreConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreStore implements Store on Cloud Firestore. It honours
// FIRESTORE_EMULATOR_HOST.
type FirestoreStore struct {
	client *firestore.Client
	log    logger.Logger
}

var _ Store = (*FirestoreStore)(nil)

// NewFirestoreStore connects to the legacy project.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig, log logger.Logger) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.ValidationError("firebase project id is required")
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to create firestore client: %w", err)).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return &FirestoreStore{client: client, log: log.Module(componentName)}, nil
}

// Close releases the client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) ListCases(ctx context.Context, ownerSourceID string) ([]Case, error) {
	var cases []Case
	err := s.each(ctx, s.client.Collection(CollectionCases).Where(fieldOwner, "==", ownerSourceID),
		func(snap *firestore.DocumentSnapshot) {
			cases = append(cases, caseFromData(snap.Ref.ID, snap.Data()))
		})
	if err != nil {
		return nil, s.fetchError("list_cases", err)
	}
	s.log.Debug("listed legacy cases",
		logger.String("owner", ownerSourceID),
		logger.Int("count", len(cases)))
	return cases, nil
}

func (s *FirestoreStore) ListDocuments(ctx context.Context, ownerSourceID string) ([]Document, error) {
	var docs []Document
	err := s.each(ctx, s.client.Collection(CollectionDocuments).Where(fieldOwner, "==", ownerSourceID),
		func(snap *firestore.DocumentSnapshot) {
			docs = append(docs, documentFromData(snap.Ref.ID, snap.Data()))
		})
	if err != nil {
		return nil, s.fetchError("list_documents", err)
	}
	return docs, nil
}

func (s *FirestoreStore) each(ctx context.Context, q firestore.Query, fn func(*firestore.DocumentSnapshot)) error {
	it := q.Documents(ctx)
	defer it.Stop()
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		fn(snap)
	}
}

func (s *FirestoreStore) fetchError(operation string, err error) error {
	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryFetch).
		Context("operation", operation).
		Build()
}

func caseFromData(id string, data map[string]any) Case {
	return Case{
		ID:            id,
		Title:         asString(data[fieldTitle]),
		OwnerSourceID: asString(data[fieldOwner]),
		DocumentIDs:   asStrings(data[fieldDocumentIDs]),
	}
}

func documentFromData(id string, data map[string]any) Document {
	return Document{
		ID:            id,
		FileName:      asString(data[fieldFileName]),
		FileType:      asString(data[fieldFileType]),
		StorageURL:    asString(data[fieldStorageURL]),
		Status:        asString(data[fieldStatus]),
		Date:          asTime(data[fieldDate]),
		OwnerSourceID: asString(data[fieldOwner]),
		Size:          asInt64(data[fieldSize]),
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// asTime accepts Firestore timestamps, RFC 3339 strings and epoch millis.
func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	case int64:
		return time.UnixMilli(t).UTC()
	case float64:
		return time.UnixMilli(int64(t)).UTC()
	}
	return time.Time{}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}
