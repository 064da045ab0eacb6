package entities

import "time"

// ProcessingStatus tracks downstream text extraction for a stored file.
type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// Case is a legal matter. LegacyCaseID links it to the retired store.
type Case struct {
	ID           uint      `gorm:"primaryKey"`
	LegacyCaseID *string   `gorm:"size:191;uniqueIndex"`
	Title        string    `gorm:"size:500"`
	OwnerID      uint      `gorm:"index;not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Case) TableName() string {
	return "cases"
}

// StoredFile describes a blob in the destination bucket. A row embedding it
// is only written after the object upload succeeded.
type StoredFile struct {
	Title            string           `gorm:"size:500;not null"`
	GCSBucket        string           `gorm:"size:255;not null"`
	GCSObject        string           `gorm:"size:1024;not null"`
	MimeType         string           `gorm:"size:255;not null"`
	FileSize         int64            `gorm:"not null;default:0"`
	CreatedBy        uint             `gorm:"index;not null"`
	ProcessingStatus ProcessingStatus `gorm:"type:varchar(20);not null;default:'pending'"`
	LegacyDocumentID *string          `gorm:"size:191;uniqueIndex"`
}

// Document is a file attached to a case.
type Document struct {
	ID        uint `gorm:"primaryKey"`
	CaseID    uint `gorm:"index;not null"`
	StoredFile
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Document) TableName() string {
	return "documents"
}

// LibraryDocument is a standalone file not linked to any case.
type LibraryDocument struct {
	ID uint `gorm:"primaryKey"`
	StoredFile
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (LibraryDocument) TableName() string {
	return "library_documents"
}
