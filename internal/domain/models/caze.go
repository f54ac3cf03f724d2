package models

import (
	"time"

	"github.com/google/uuid"
)

// Case is an investigation opened from an alert (or directly by an analyst).
type Case struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Severity    int       `json:"severity"`
	StartDate   time.Time `json:"start_date"`
	Status      string    `json:"status"`
	Tags        []string  `json:"tags,omitempty"`
	TLP         int       `json:"tlp"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CaseUpdate carries a partial case update; nil fields are left untouched.
type CaseUpdate struct {
	Title       *string
	Description *string
	Severity    *int
	Status      *string
	Tags        []string
	TLP         *int
}
