// Package datastore opens the target database and exposes its repositories.
package datastore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/casebook-app/migrate/internal/datastore/entities"
	"github.com/casebook-app/migrate/internal/datastore/repository"
	"github.com/casebook-app/migrate/internal/errors"
	"github.com/casebook-app/migrate/internal/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"

	componentName        = "datastore"
	defaultSlowThreshold = 500 * time.Millisecond
)

// Config holds database connection settings.
type Config struct {
	Driver string
	DSN    string
	// Debug logs every statement at debug level instead of trace.
	Debug bool
	// SlowThreshold defaults to 500ms.
	SlowThreshold time.Duration
}

// Manager owns the GORM connection.
type Manager struct {
	db     *gorm.DB
	driver string
	log    logger.Logger
}

// Open connects to the database. Call Initialize before use.
func Open(cfg Config, log logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	log = log.Module(componentName)

	dialector, err := dialectorFor(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	slow := cfg.SlowThreshold
	if slow == 0 {
		slow = defaultSlowThreshold
	}
	gormLog := logger.NewGormLoggerAdapter(log, slow)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Priority(errors.PriorityCritical).
			Build()
	}
	if cfg.Debug {
		db = db.Debug()
	}

	if cfg.Driver != DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Info("database opened", logger.String("driver", cfg.Driver))
	return &Manager{db: db, driver: cfg.Driver, log: log}, nil
}

func dialectorFor(driver, dsn string) (gorm.Dialector, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.ValidationError("database dsn is required")
	}
	switch driver {
	case DriverSQLite:
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
		return sqlite.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverPostgres, "":
		return postgres.Open(dsn), nil
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unsupported database driver %q", driver))
	}
}

// ensureSQLiteDir creates the parent directory of a file-backed SQLite DSN.
func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.New(fmt.Errorf("failed to create database directory: %w", err)).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}

// Initialize creates or updates the schema.
func (m *Manager) Initialize() error {
	err := m.db.AutoMigrate(
		&entities.User{},
		&entities.Case{},
		&entities.Document{},
		&entities.LibraryDocument{},
	)
	if err != nil {
		return errors.New(fmt.Errorf("failed to migrate schema: %w", err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Build()
	}
	return nil
}

// DB returns the underlying GORM database.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

// Driver returns the configured driver name.
func (m *Manager) Driver() string {
	return m.driver
}

// Users returns the user repository.
func (m *Manager) Users() repository.UserRepository {
	return repository.NewUserRepository(m.db)
}

// Cases returns the case repository.
func (m *Manager) Cases() repository.CaseRepository {
	return repository.NewCaseRepository(m.db)
}

// Documents returns the document repository.
func (m *Manager) Documents() repository.DocumentRepository {
	return repository.NewDocumentRepository(m.db)
}

// Close closes the database connection.
func (m *Manager) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying database: %w", err)
	}
	return sqlDB.Close()
}
