package entities

import "time"

// User is a target-system account. Email is stored normalized.
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Email     string    `gorm:"size:255;uniqueIndex;not null"`
	Name      string    `gorm:"size:255"`
	ClerkID   *string   `gorm:"size:191;uniqueIndex"`
	Migration Migration `gorm:"embedded;embeddedPrefix:migration_"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (User) TableName() string {
	return "users"
}

// SourceID returns the legacy id or an empty string.
func (u *User) SourceID() string {
	if u.Migration.OldSourceID == nil {
		return ""
	}
	return *u.Migration.OldSourceID
}
