package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/errors"
)

// DocumentKind selects the table a stored file lives in.
type DocumentKind string

const (
	KindCase    DocumentKind = "case"
	KindLibrary DocumentKind = "library"
)

// DocumentRepository registers transferred files.
type DocumentRepository interface {
	CreateCaseDocument(ctx context.Context, d *entities.Document) error
	CreateLibraryDocument(ctx context.Context, d *entities.LibraryDocument) error
	// ExistsByLegacyID checks both case and library documents.
	ExistsByLegacyID(ctx context.Context, legacyID string) (bool, error)
	UpdateProcessingStatus(ctx context.Context, kind DocumentKind, id uint, status entities.ProcessingStatus) error
	CountByOwner(ctx context.Context, ownerID uint) (caseDocs, libraryDocs int64, err error)
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates a DocumentRepository.
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func validStoredFile(f *entities.StoredFile) bool {
	return f.Title != "" && f.GCSBucket != "" && f.GCSObject != "" && f.MimeType != "" && f.CreatedBy != 0
}

func (r *documentRepository) CreateCaseDocument(ctx context.Context, d *entities.Document) error {
	if d == nil || d.CaseID == 0 || !validStoredFile(&d.StoredFile) {
		return ErrInvalidInput
	}
	if d.ProcessingStatus == "" {
		d.ProcessingStatus = entities.ProcessingPending
	}
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicateKey
		}
		return dbError("create_case_document", err)
	}
	return nil
}

func (r *documentRepository) CreateLibraryDocument(ctx context.Context, d *entities.LibraryDocument) error {
	if d == nil || !validStoredFile(&d.StoredFile) {
		return ErrInvalidInput
	}
	if d.ProcessingStatus == "" {
		d.ProcessingStatus = entities.ProcessingPending
	}
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicateKey
		}
		return dbError("create_library_document", err)
	}
	return nil
}

func (r *documentRepository) ExistsByLegacyID(ctx context.Context, legacyID string) (bool, error) {
	if legacyID == "" {
		return false, ErrInvalidInput
	}
	for _, model := range []any{&entities.Document{}, &entities.LibraryDocument{}} {
		var n int64
		if err := r.db.WithContext(ctx).Model(model).Where("legacy_document_id = ?", legacyID).Count(&n).Error; err != nil {
			return false, dbError("document_exists", err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (r *documentRepository) UpdateProcessingStatus(ctx context.Context, kind DocumentKind, id uint, status entities.ProcessingStatus) error {
	var model any
	switch kind {
	case KindCase:
		model = &entities.Document{}
	case KindLibrary:
		model = &entities.LibraryDocument{}
	default:
		return ErrInvalidInput
	}

	res := r.db.WithContext(ctx).Model(model).Where("id = ?", id).Update("processing_status", status)
	if res.Error != nil {
		return dbError("update_processing_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (r *documentRepository) CountByOwner(ctx context.Context, ownerID uint) (caseDocs, libraryDocs int64, err error) {
	if err = r.db.WithContext(ctx).Model(&entities.Document{}).Where("created_by = ?", ownerID).Count(&caseDocs).Error; err != nil {
		return 0, 0, dbError("count_documents", err)
	}
	if err = r.db.WithContext(ctx).Model(&entities.LibraryDocument{}).Where("created_by = ?", ownerID).Count(&libraryDocs).Error; err != nil {
		return 0, 0, dbError("count_documents", err)
	}
	return caseDocs, libraryDocs, nil
}

// IsNotFound reports whether err is one of the repository NotFound sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrCaseNotFound) || errors.Is(err, ErrDocumentNotFound)
}
