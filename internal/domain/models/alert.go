package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertType for alerts raised by this connector
const AlertTypeMISP = "misp"

// AlertStatus represents the triage state of an alert
type AlertStatus string

const (
	AlertStatusNew      AlertStatus = "New"
	AlertStatusUpdated  AlertStatus = "Updated"
	AlertStatusImported AlertStatus = "Imported"
	AlertStatusIgnored  AlertStatus = "Ignored"
)

// Alert is the platform record of a remote MISP event awaiting triage.
// (Type, Source, SourceRef) is unique; LastSyncDate is monotonic per alert.
type Alert struct {
	ID           uuid.UUID   `json:"id"`
	Type         string      `json:"type"`
	Source       string      `json:"source"`
	SourceRef    string      `json:"source_ref"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Severity     int         `json:"severity"`
	Date         time.Time   `json:"date"`
	LastSyncDate int64       `json:"last_sync_date"` // seconds since epoch
	Status       AlertStatus `json:"status"`
	Follow       bool        `json:"follow"`
	CaseTemplate string      `json:"case_template,omitempty"`
	CaseID       *uuid.UUID  `json:"case_id,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	TLP          int         `json:"tlp"`
	Artifacts    []Artifact  `json:"artifacts"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// AlertUpdate carries a partial update; nil fields are left untouched.
// Artifacts are replaced wholesale when non-nil.
type AlertUpdate struct {
	Title        *string
	Description  *string
	Severity     *int
	Date         *time.Time
	LastSyncDate *int64
	Status       *AlertStatus
	Follow       *bool
	CaseID       *uuid.UUID
	Tags         []string
	TLP          *int
	Artifacts    []Artifact
}

// AlertQuery filters alerts in the store.
type AlertQuery struct {
	Type           string
	Source         string
	SourceRef      string
	CaseID         *uuid.UUID
	EmptyArtifacts bool
}
