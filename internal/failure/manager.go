package failure

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// DefaultMaxInMemory bounds the in-memory record cache.
const DefaultMaxInMemory = 100

// RecordStore abstracts the durable side of error recording. The manager
// treats persistence as best-effort: a failing store never fails the caller.
type RecordStore interface {
	SaveError(rec *ErrorRecord) error
}

// RecoveryHandler attempts to heal the failure described by rec. The bool
// reports success; a non-nil error (or a panic, which the manager converts
// into one) counts as a failed attempt and is never propagated to callers.
type RecoveryHandler func(rec *ErrorRecord) (bool, error)

// Stats summarizes the in-memory error counters.
type Stats struct {
	Total      int              `json:"total"`
	ByCategory map[Category]int `json:"by_category"`
}

// Manager is the façade over classification, sanitization, caching, and
// persistence of error records, and it owns the recovery handler registry.
// Construct one at startup and share it by reference.
type Manager struct {
	mu          sync.Mutex
	store       RecordStore
	logger      *slog.Logger
	maxInMemory int
	recent      []*ErrorRecord // oldest first, len <= maxInMemory
	total       int
	byCategory  map[Category]int
	// handlers is a fixed dispatch table over the closed category enum.
	handlers [NumCategories]RecoveryHandler
}

// NewManager creates a Manager. store may be nil (no persistence); a
// maxInMemory <= 0 falls back to DefaultMaxInMemory.
func NewManager(store RecordStore, maxInMemory int) *Manager {
	if maxInMemory <= 0 {
		maxInMemory = DefaultMaxInMemory
	}
	return &Manager{
		store:       store,
		logger:      slog.Default(),
		maxInMemory: maxInMemory,
		byCategory:  make(map[Category]int),
	}
}

// RecordOption overrides a classified or defaulted field of a new record.
type RecordOption func(*ErrorRecord)

// WithSeverity sets the severity explicitly, skipping classification.
func WithSeverity(s Severity) RecordOption {
	return func(r *ErrorRecord) { r.Severity = s }
}

// WithStrategy sets the recovery strategy explicitly, skipping classification.
func WithStrategy(s RecoveryStrategy) RecordOption {
	return func(r *ErrorRecord) { r.RecoveryStrategy = s }
}

// WithContext attaches diagnostic context. Values are sanitized before the
// record is built, so anything goes.
func WithContext(context map[string]any) RecordOption {
	return func(r *ErrorRecord) { r.Context = context }
}

// WithMaxAttempts overrides the recovery attempt budget.
func WithMaxAttempts(n int) RecordOption {
	return func(r *ErrorRecord) {
		if n > 0 {
			r.MaxRecoveryAttempts = n
		}
	}
}

// RecordError classifies, sanitizes, caches, and persists one failure.
// It never fails the caller: persistence errors are logged and swallowed.
func (m *Manager) RecordError(err error, category Category, component, operation string, opts ...RecordOption) *ErrorRecord {
	if !category.Valid() {
		category = CategoryUnknown
	}

	now := time.Now().UTC()
	rec := &ErrorRecord{
		ID:                  NewRecordID(category, now),
		Timestamp:           now,
		Category:            category,
		Component:           component,
		Operation:           operation,
		Traceback:           string(debug.Stack()),
		MaxRecoveryAttempts: DefaultMaxRecoveryAttempts,
	}
	if err != nil {
		rec.ExceptionType = fmt.Sprintf("%T", err)
		rec.ExceptionMessage = err.Error()
	}

	for _, opt := range opts {
		opt(rec)
	}
	rec.Context = Sanitize(rec.Context)

	// Classification fills only what the caller left out.
	severity, strategy := Classify(KindOf(err), category, rec.ExceptionMessage)
	if rec.Severity == "" {
		rec.Severity = severity
	}
	if rec.RecoveryStrategy == "" {
		rec.RecoveryStrategy = strategy
	}

	m.mu.Lock()
	m.recent = append(m.recent, rec)
	if len(m.recent) > m.maxInMemory {
		// Evict oldest-first; the persisted row is untouched.
		m.recent = m.recent[1:]
	}
	m.total++
	m.byCategory[category]++
	m.mu.Unlock()

	m.persist(rec)

	m.logger.Warn("error recorded",
		"id", rec.ID,
		"category", rec.Category,
		"severity", rec.Severity,
		"component", component,
		"operation", operation,
		"error", rec.ExceptionMessage,
	)
	return rec
}

// RegisterRecoveryHandler installs the handler for a category. The last
// registration per category wins. No handlers are pre-registered.
func (m *Manager) RegisterRecoveryHandler(category Category, h RecoveryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[category.Index()] = h
}

// CanRecover reports whether AttemptRecovery would act on rec.
func (m *Manager) CanRecover(rec *ErrorRecord) bool {
	return rec.CanRecover()
}

// handlerOutcome is the tagged result of one handler invocation. A swallowed
// panic or handler error lands in err so the conversion to "failed attempt"
// is explicit rather than implicit.
type handlerOutcome struct {
	ok  bool
	err error
}

// AttemptRecovery drives a single recovery attempt for rec. It returns false
// without side effects when recovery is not possible. A handler error or
// panic consumes the attempt and counts as failure; it is never propagated.
// On success the record is resolved. The updated record is persisted.
func (m *Manager) AttemptRecovery(rec *ErrorRecord) bool {
	if !rec.CanRecover() {
		return false
	}

	rec.RecoveryAttempted = true
	rec.RecoveryAttempts++

	m.mu.Lock()
	h := m.handlers[rec.Category.Index()]
	m.mu.Unlock()

	if h == nil {
		m.logger.Warn("no recovery handler registered", "category", rec.Category, "id", rec.ID)
		failed := false
		rec.RecoverySuccessful = &failed
		m.persist(rec)
		return false
	}

	out := invokeHandler(h, rec)
	if out.err != nil {
		m.logger.Error("recovery handler failed",
			"id", rec.ID,
			"category", rec.Category,
			"attempt", rec.RecoveryAttempts,
			"error", out.err,
		)
		out.ok = false
	}

	rec.RecoverySuccessful = &out.ok
	if out.ok {
		now := time.Now().UTC()
		rec.Resolved = true
		rec.ResolvedAt = &now
	}

	m.persist(rec)
	return out.ok
}

// ResolveError marks rec as manually resolved and persists the update.
func (m *Manager) ResolveError(rec *ErrorRecord, notes string) {
	rec.MarkResolved(notes, time.Now())
	m.persist(rec)
}

// GetRecentErrors returns up to limit records from the in-memory cache,
// newest first. It does not consult the store.
func (m *Manager) GetRecentErrors(limit int) []*ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.recent) {
		limit = len(m.recent)
	}
	out := make([]*ErrorRecord, 0, limit)
	for i := len(m.recent) - 1; i >= len(m.recent)-limit; i-- {
		out = append(out, m.recent[i])
	}
	return out
}

// GetErrorStats returns the running counters since start or the last reset.
func (m *Manager) GetErrorStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCategory := make(map[Category]int, len(m.byCategory))
	for c, n := range m.byCategory {
		byCategory[c] = n
	}
	return Stats{Total: m.total, ByCategory: byCategory}
}

// ResetStats clears the counters and the in-memory cache. Persisted rows
// are untouched.
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recent = nil
	m.total = 0
	m.byCategory = make(map[Category]int)
}

func (m *Manager) persist(rec *ErrorRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveError(rec); err != nil {
		m.logger.Error("persisting error record failed", "id", rec.ID, "error", err)
	}
}

func invokeHandler(h RecoveryHandler, rec *ErrorRecord) (out handlerOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = handlerOutcome{ok: false, err: fmt.Errorf("recovery handler panicked: %v", r)}
		}
	}()
	ok, err := h(rec)
	return handlerOutcome{ok: ok, err: err}
}
