package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/identity"
)

// StubParams describes a target user created for a migrated account.
type StubParams struct {
	Email    string
	Name     string
	ClerkID  string
	SourceID string
}

// UserRepository provides access to target users and their migration metadata.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*entities.User, error)
	FindBySourceID(ctx context.Context, sourceID string) (*entities.User, error)
	ListAll(ctx context.Context) ([]*entities.User, error)
	ListByMigrationStatus(ctx context.Context, status entities.MigrationStatus) ([]*entities.User, error)

	// CreateStub inserts a user with migration status pending.
	CreateStub(ctx context.Context, p StubParams) (*entities.User, error)

	// AttachMigration records sourceID on an existing user with status
	// pending. It returns false when the user already carries sourceID.
	AttachMigration(ctx context.Context, userID uint, sourceID string) (bool, error)

	// UpdateMigrationStatus moves a user to next if the transition is allowed.
	UpdateMigrationStatus(ctx context.Context, userID uint, next entities.MigrationStatus, lastError string) error

	SetConsent(ctx context.Context, email string, given bool) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) first(ctx context.Context, query string, args ...any) (*entities.User, error) {
	var u entities.User
	err := r.db.WithContext(ctx).Where(query, args...).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, dbError("find_user", err)
	}
	return &u, nil
}

// FindByEmail compares normalized addresses.
func (r *userRepository) FindByEmail(ctx context.Context, email string) (*entities.User, error) {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidInput
	}
	return r.first(ctx, "email = ?", email)
}

func (r *userRepository) FindBySourceID(ctx context.Context, sourceID string) (*entities.User, error) {
	if sourceID == "" {
		return nil, ErrInvalidInput
	}
	return r.first(ctx, "migration_old_source_id = ?", sourceID)
}

func (r *userRepository) ListAll(ctx context.Context) ([]*entities.User, error) {
	var users []*entities.User
	if err := r.db.WithContext(ctx).Order("id").Find(&users).Error; err != nil {
		return nil, dbError("list_users", err)
	}
	return users, nil
}

func (r *userRepository) ListByMigrationStatus(ctx context.Context, status entities.MigrationStatus) ([]*entities.User, error) {
	var users []*entities.User
	err := r.db.WithContext(ctx).
		Where("migration_status = ?", status).
		Order("id").
		Find(&users).Error
	if err != nil {
		return nil, dbError("list_users_by_status", err)
	}
	return users, nil
}

func (r *userRepository) CreateStub(ctx context.Context, p StubParams) (*entities.User, error) {
	email := identity.NormalizeEmail(p.Email)
	if email == "" || p.SourceID == "" {
		return nil, ErrInvalidInput
	}

	sourceID := p.SourceID
	u := &entities.User{
		Email: email,
		Name:  p.Name,
		Migration: entities.Migration{
			Status:      entities.MigrationStatusPending,
			OldSourceID: &sourceID,
		},
	}
	if p.ClerkID != "" {
		clerkID := p.ClerkID
		u.ClerkID = &clerkID
	}

	if err := r.db.WithContext(ctx).Create(u).Error; err != nil {
		if isDuplicate(err) {
			if existing, findErr := r.FindBySourceID(ctx, sourceID); findErr == nil {
				return existing, ErrSourceIDTaken
			}
			return nil, ErrDuplicateKey
		}
		return nil, dbError("create_user_stub", err)
	}
	return u, nil
}

func (r *userRepository) AttachMigration(ctx context.Context, userID uint, sourceID string) (bool, error) {
	if sourceID == "" {
		return false, ErrInvalidInput
	}

	attached := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u entities.User
		if err := tx.First(&u, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if u.SourceID() == sourceID {
			return nil
		}
		if u.Migration.Attached() {
			return ErrSourceIDTaken
		}

		var holders int64
		if err := tx.Model(&entities.User{}).
			Where("migration_old_source_id = ? AND id <> ?", sourceID, userID).
			Count(&holders).Error; err != nil {
			return err
		}
		if holders > 0 {
			return ErrSourceIDTaken
		}

		if err := tx.Model(&u).Updates(map[string]any{
			"migration_status":        entities.MigrationStatusPending,
			"migration_old_source_id": sourceID,
		}).Error; err != nil {
			if isDuplicate(err) {
				return ErrSourceIDTaken
			}
			return err
		}
		attached = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrSourceIDTaken) {
			return false, err
		}
		return false, dbError("attach_migration", err)
	}
	return attached, nil
}

func (r *userRepository) UpdateMigrationStatus(ctx context.Context, userID uint, next entities.MigrationStatus, lastError string) error {
	if !next.Valid() {
		return ErrInvalidInput
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u entities.User
		if err := tx.First(&u, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if !u.Migration.Status.CanTransitionTo(next) {
			return errors.New(ErrInvalidTransition).
				Component("datastore").
				Category(errors.CategoryState).
				Context("from", string(u.Migration.Status)).
				Context("to", string(next)).
				Build()
		}

		now := time.Now()
		updates := map[string]any{
			"migration_status":     next,
			"migration_last_error": lastError,
		}
		switch {
		case next == entities.MigrationStatusInProgress:
			updates["migration_started_at"] = now
			updates["migration_completed_at"] = nil
		case next.IsTerminal():
			updates["migration_completed_at"] = now
		}
		return tx.Model(&u).Updates(updates).Error
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}
		return dbError("update_migration_status", err)
	}
	return nil
}

func (r *userRepository) SetConsent(ctx context.Context, email string, given bool) error {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return ErrInvalidInput
	}
	res := r.db.WithContext(ctx).Model(&entities.User{}).
		Where("email = ?", email).
		Update("migration_consent_given", given)
	if res.Error != nil {
		return dbError("set_consent", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func dbError(operation string, err error) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation).
		Build()
}
