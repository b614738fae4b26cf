package failure

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Category identifies the subsystem a failure originated from.
// The string values are stable: they are persisted and exposed over the API.
type Category string

const (
	CategoryIMAP          Category = "imap"
	CategoryAI            Category = "ai"
	CategoryValidation    Category = "validation"
	CategoryFilesystem    Category = "filesystem"
	CategoryDatabase      Category = "database"
	CategoryNetwork       Category = "network"
	CategoryConfiguration Category = "configuration"
	CategoryParsing       Category = "parsing"
	CategoryIntegration   Category = "integration"
	CategoryUnknown       Category = "unknown"
)

// categories lists every category in index order. The position of a category
// in this slice is its dispatch index (see Category.Index).
var categories = []Category{
	CategoryIMAP,
	CategoryAI,
	CategoryValidation,
	CategoryFilesystem,
	CategoryDatabase,
	CategoryNetwork,
	CategoryConfiguration,
	CategoryParsing,
	CategoryIntegration,
	CategoryUnknown,
}

// NumCategories is the size of the closed category enum.
const NumCategories = 10

// Categories returns all valid categories in a stable order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

// Index returns the dispatch-table index for c, or the index of
// CategoryUnknown if c is not a known category.
func (c Category) Index() int {
	for i, known := range categories {
		if c == known {
			return i
		}
	}
	return len(categories) - 1
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// Severity ranks how urgent a failure is, independent of recoverability.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RecoveryStrategy declares how a failure should be healed.
type RecoveryStrategy string

const (
	StrategyRetry     RecoveryStrategy = "retry"
	StrategyReconnect RecoveryStrategy = "reconnect"
	StrategySkip      RecoveryStrategy = "skip"
	StrategyFallback  RecoveryStrategy = "fallback"
	StrategyManual    RecoveryStrategy = "manual"
	StrategyNone      RecoveryStrategy = "none"
)

// DefaultMaxRecoveryAttempts bounds automatic recovery for a single record.
const DefaultMaxRecoveryAttempts = 3

// ErrorRecord is one recorded failure occurrence. The identifying fields
// (ID through RecoveryStrategy) are frozen at creation; only the recovery
// and resolution fields are mutated afterwards, and only by a single
// goroutine at a time by convention.
type ErrorRecord struct {
	ID               string           `json:"id"`
	Timestamp        time.Time        `json:"timestamp"`
	Category         Category         `json:"category"`
	Severity         Severity         `json:"severity"`
	ExceptionType    string           `json:"exception_type"`
	ExceptionMessage string           `json:"exception_message"`
	Traceback        string           `json:"traceback,omitempty"`
	Component        string           `json:"component"`
	Operation        string           `json:"operation"`
	Context          map[string]any   `json:"context,omitempty"`
	RecoveryStrategy RecoveryStrategy `json:"recovery_strategy"`

	RecoveryAttempted   bool  `json:"recovery_attempted"`
	RecoverySuccessful  *bool `json:"recovery_successful,omitempty"`
	RecoveryAttempts    int   `json:"recovery_attempts"`
	MaxRecoveryAttempts int   `json:"max_recovery_attempts"`

	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// NewRecordID builds a unique record ID from the category, the creation time
// in milliseconds, and a random suffix. The suffix guards against two records
// created within the same millisecond on concurrent goroutines.
func NewRecordID(category Category, at time.Time) string {
	return fmt.Sprintf("%s-%d-%s", category, at.UnixMilli(), uuid.NewString()[:8])
}

// CanRecover reports whether another recovery attempt may be made.
// It is false once the attempt budget is exhausted, the record is resolved,
// or the declared strategy never self-heals (manual, none).
func (r *ErrorRecord) CanRecover() bool {
	if r.RecoveryAttempts >= r.MaxRecoveryAttempts {
		return false
	}
	if r.Resolved {
		return false
	}
	if r.RecoveryStrategy == StrategyManual || r.RecoveryStrategy == StrategyNone {
		return false
	}
	return true
}

// MarkResolved marks the record as externally resolved.
func (r *ErrorRecord) MarkResolved(notes string, at time.Time) {
	r.Resolved = true
	t := at.UTC()
	r.ResolvedAt = &t
	if notes != "" {
		r.Notes = notes
	}
}
