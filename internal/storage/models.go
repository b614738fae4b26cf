package storage

import (
	"errors"

	"github.com/kalambet/inboxd/internal/failure"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAmbiguousID is returned when an ID prefix matches more than one record.
var ErrAmbiguousID = errors.New("ambiguous id prefix")

// Filter narrows queries over persisted error records. Zero-valued fields
// are ignored; set fields are AND-combined.
type Filter struct {
	Category failure.Category
	Severity failure.Severity
	Resolved *bool
}

// Stats aggregates the persisted error table.
type Stats struct {
	Total              int                      `json:"total"`
	ByCategory         map[failure.Category]int `json:"by_category"`
	BySeverity         map[failure.Severity]int `json:"by_severity"`
	Resolved           int                      `json:"resolved"`
	Unresolved         int                      `json:"unresolved"`
	RecoveryAttempted  int                      `json:"recovery_attempted"`
	RecoverySuccessful int                      `json:"recovery_successful"`
}
