package entities

import "time"

// MigrationStatus is the per-user migration state.
type MigrationStatus string

const (
	MigrationStatusPending    MigrationStatus = "pending"
	MigrationStatusInProgress MigrationStatus = "in_progress"
	MigrationStatusCompleted  MigrationStatus = "completed"
	MigrationStatusFailed     MigrationStatus = "failed"
)

// Valid reports whether s is a known status.
func (s MigrationStatus) Valid() bool {
	switch s {
	case MigrationStatusPending, MigrationStatusInProgress, MigrationStatusCompleted, MigrationStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a user may move from s to next.
// A failed transfer may be restarted; completed is terminal.
func (s MigrationStatus) CanTransitionTo(next MigrationStatus) bool {
	switch s {
	case MigrationStatusPending, MigrationStatusFailed:
		return next == MigrationStatusInProgress
	case MigrationStatusInProgress:
		return next == MigrationStatusCompleted || next == MigrationStatusFailed
	default:
		return false
	}
}

// IsTerminal returns true for completed and failed.
func (s MigrationStatus) IsTerminal() bool {
	return s == MigrationStatusCompleted || s == MigrationStatusFailed
}

// Migration is embedded in User with the migration_ column prefix.
// OldSourceID is nil for users that never existed in the legacy system.
type Migration struct {
	Status       MigrationStatus `gorm:"type:varchar(20);index"`
	OldSourceID  *string         `gorm:"size:191;uniqueIndex"`
	ConsentGiven bool            `gorm:"not null;default:false"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastError    string `gorm:"type:text"`
}

// Attached reports whether the user carries legacy migration metadata.
func (m Migration) Attached() bool {
	return m.OldSourceID != nil && *m.OldSourceID != ""
}
