package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/errors"
)

// LegacyCase identifies a case in the retired document store.
type LegacyCase struct {
	LegacyID string
	Title    string
	OwnerID  uint
}

// CaseRepository manages target cases.
type CaseRepository interface {
	// EnsureFromLegacy returns the case created for c.LegacyID, creating it
	// on first use.
	EnsureFromLegacy(ctx context.Context, c LegacyCase) (*entities.Case, error)
	FindByLegacyID(ctx context.Context, legacyID string) (*entities.Case, error)
	CountByOwner(ctx context.Context, ownerID uint) (int64, error)
}

type caseRepository struct {
	db *gorm.DB
}

// NewCaseRepository creates a CaseRepository.
func NewCaseRepository(db *gorm.DB) CaseRepository {
	return &caseRepository{db: db}
}

func (r *caseRepository) FindByLegacyID(ctx context.Context, legacyID string) (*entities.Case, error) {
	if legacyID == "" {
		return nil, ErrInvalidInput
	}
	var c entities.Case
	err := r.db.WithContext(ctx).Where("legacy_case_id = ?", legacyID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, dbError("find_case", err)
	}
	return &c, nil
}

func (r *caseRepository) EnsureFromLegacy(ctx context.Context, lc LegacyCase) (*entities.Case, error) {
	if lc.LegacyID == "" || lc.OwnerID == 0 {
		return nil, ErrInvalidInput
	}

	existing, err := r.FindByLegacyID(ctx, lc.LegacyID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrCaseNotFound) {
		return nil, err
	}

	legacyID := lc.LegacyID
	c := &entities.Case{
		LegacyCaseID: &legacyID,
		Title:        lc.Title,
		OwnerID:      lc.OwnerID,
	}
	if createErr := r.db.WithContext(ctx).Create(c).Error; createErr != nil {
		// Another writer may have created it first.
		if existing, findErr := r.FindByLegacyID(ctx, lc.LegacyID); findErr == nil {
			return existing, nil
		}
		return nil, dbError("create_case", createErr)
	}
	return c, nil
}

func (r *caseRepository) CountByOwner(ctx context.Context, ownerID uint) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&entities.Case{}).Where("owner_id = ?", ownerID).Count(&n).Error; err != nil {
		return 0, dbError("count_cases", err)
	}
	return n, nil
}
