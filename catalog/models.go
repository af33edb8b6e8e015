// Package catalog implements the Catalog store (C): folders, documents,
// connections, providers, models, prompts and batches. It owns every entity
// in the data model except EncodedBody and Response, which live in the Work
// store (see package workstore).
package catalog

import (
	"time"

	"gorm.io/datatypes"
)

// Folder status values (§3, §4.4).
const (
	FolderNotProcessed  = "NOT_PROCESSED"
	FolderPreprocessing = "PREPROCESSING"
	FolderReady         = "READY"
	FolderError         = "ERROR"
)

// Document validity markers.
const (
	DocumentValid   = "Y"
	DocumentInvalid = "N"
)

// Batch lifecycle states (§4.6).
const (
	BatchSaved         = "SAVED"
	BatchStaging       = "STAGING"
	BatchStaged        = "STAGED"
	BatchFailedStaging = "FAILED_STAGING"
	BatchAnalyzing     = "ANALYZING"
	BatchCompleted     = "COMPLETED"
)

// Connection health as last observed by TestConnection.
const (
	ConnectionUnknown   = "unknown"
	ConnectionConnected = "connected"
	ConnectionFailed    = "failed"
)

// Folder is a filesystem subtree the user named for evaluation.
type Folder struct {
	ID                       uint       `gorm:"primaryKey"`
	Name                     string     `gorm:"not null"`
	Path                     string     `gorm:"not null;uniqueIndex"`
	Status                   string     `gorm:"not null;default:NOT_PROCESSED"`
	Active                   bool       `gorm:"not null;default:true"`
	PreprocessingStartedAt   *time.Time
	PreprocessingCompletedAt *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// DocumentType is a row of the valid-extensions catalog (§4.4 step 3),
// cached in memory by DocumentTypeCache and explicitly refreshable.
type DocumentType struct {
	ID          uint   `gorm:"primaryKey"`
	Extension   string `gorm:"not null;uniqueIndex"` // without leading dot, lowercase
	Description string
	Active      bool `gorm:"not null;default:true"`
}

// Document is one file observed inside a folder.
type Document struct {
	ID            uint   `gorm:"primaryKey"`
	FolderID      uint   `gorm:"not null;index"`
	Filepath      string `gorm:"not null;uniqueIndex"`
	Filename      string `gorm:"not null"`
	Valid         string `gorm:"not null"` // "Y" or "N"
	InvalidReason string
	SizeBytes     int64
	BatchID       *uint `gorm:"index"`
	TaskID        *string
	EncodedBodyID *string // foreign key by value into workstore.EncodedBody
	Metadata      datatypes.JSON
	CreatedAt     time.Time
}

// Provider is an LLM vendor family (e.g. ollama, openai).
type Provider struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"not null;uniqueIndex"`
	ProviderType string `gorm:"not null"`
}

// Model is a named model offered by a Provider.
type Model struct {
	ID          uint `gorm:"primaryKey"`
	ProviderID  uint `gorm:"not null;index"`
	Name        string
	DisplayName string
}

// Connection is a usable endpoint: provider x model x URL x credentials.
type Connection struct {
	ID               uint `gorm:"primaryKey"`
	Name             string
	ProviderID       uint `gorm:"not null;index"`
	ModelID          uint `gorm:"index"`
	BaseURL          string `gorm:"not null"`
	Port             *int
	APIKeySecret     string // opaque, never surfaced in a Snapshot
	IsActive         bool   `gorm:"not null;default:true"`
	LastTestedAt     *time.Time
	ConnectionStatus string `gorm:"not null;default:unknown"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Prompt is a reusable instruction string.
type Prompt struct {
	ID          uint `gorm:"primaryKey"`
	Text        string
	Description string
	Active      bool `gorm:"not null;default:true"`
}

// Batch is the unit of user intent (§3).
type Batch struct {
	ID                 uint   `gorm:"primaryKey"`
	BatchNumber        uint   `gorm:"not null;uniqueIndex;autoIncrement"`
	Name               string
	Description        string
	FolderIDs          datatypes.JSON // []uint
	Status             string         `gorm:"not null;default:SAVED"`
	TotalDocuments     int
	ProcessedDocuments int
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ConfigSnapshot     datatypes.JSON // immutable once STAGED (§3 invariant)
}

// BatchArchive is the archival projection written by ArchiveBatch before a
// reset drops a batch's responses (SPEC_FULL §4.4).
type BatchArchive struct {
	ID         uint `gorm:"primaryKey"`
	BatchID    uint `gorm:"not null;index"`
	Snapshot   datatypes.JSON
	ArchivedAt time.Time
}

// ConfigSnapshot is the parsed form of Batch.ConfigSnapshot.
type ConfigSnapshot struct {
	FolderIDs     []uint `json:"folder_ids"`
	ConnectionIDs []uint `json:"connection_ids"`
	PromptIDs     []uint `json:"prompt_ids"`
}
