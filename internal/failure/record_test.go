package failure

import (
	"strings"
	"testing"
	"time"
)

func TestCanRecover(t *testing.T) {
	base := func() *ErrorRecord {
		return &ErrorRecord{
			RecoveryStrategy:    StrategyRetry,
			MaxRecoveryAttempts: 3,
		}
	}

	tests := []struct {
		name   string
		mutate func(*ErrorRecord)
		want   bool
	}{
		{"fresh record", func(r *ErrorRecord) {}, true},
		{"attempts below max", func(r *ErrorRecord) { r.RecoveryAttempts = 2 }, true},
		{"attempts at max", func(r *ErrorRecord) { r.RecoveryAttempts = 3 }, false},
		{"attempts above max", func(r *ErrorRecord) { r.RecoveryAttempts = 4 }, false},
		{"resolved", func(r *ErrorRecord) { r.Resolved = true }, false},
		{"manual strategy", func(r *ErrorRecord) { r.RecoveryStrategy = StrategyManual }, false},
		{"none strategy", func(r *ErrorRecord) { r.RecoveryStrategy = StrategyNone }, false},
		{"skip strategy", func(r *ErrorRecord) { r.RecoveryStrategy = StrategySkip }, true},
		{"reconnect strategy", func(r *ErrorRecord) { r.RecoveryStrategy = StrategyReconnect }, true},
		// The ceiling wins regardless of strategy or resolution state.
		{"at max even when unresolved reconnect", func(r *ErrorRecord) {
			r.RecoveryStrategy = StrategyReconnect
			r.RecoveryAttempts = 3
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := base()
			tt.mutate(rec)
			if got := rec.CanRecover(); got != tt.want {
				t.Errorf("CanRecover() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestNewRecordIDUnique creates many IDs inside what is almost certainly a
// single millisecond. The random suffix keeps them distinct; the
// millisecond-only scheme this replaces would collide here.
func TestNewRecordIDUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRecordID(CategoryIMAP, now)
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewRecordIDShape(t *testing.T) {
	id := NewRecordID(CategoryAI, time.UnixMilli(1700000000123))
	if !strings.HasPrefix(id, "ai-1700000000123-") {
		t.Errorf("unexpected ID shape: %s", id)
	}
}

func TestMarkResolved(t *testing.T) {
	rec := &ErrorRecord{MaxRecoveryAttempts: 3, RecoveryStrategy: StrategyRetry}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec.MarkResolved("fixed by rotating credentials", at)

	if !rec.Resolved {
		t.Error("record should be resolved")
	}
	if rec.ResolvedAt == nil || !rec.ResolvedAt.Equal(at) {
		t.Errorf("ResolvedAt = %v, want %v", rec.ResolvedAt, at)
	}
	if rec.Notes != "fixed by rotating credentials" {
		t.Errorf("Notes = %q", rec.Notes)
	}
	if rec.CanRecover() {
		t.Error("resolved record must not be recoverable")
	}
}

func TestCategoryIndexCoversEnum(t *testing.T) {
	seen := make(map[int]bool)
	for _, c := range Categories() {
		idx := c.Index()
		if idx < 0 || idx >= NumCategories {
			t.Fatalf("index %d for %q out of range", idx, c)
		}
		if seen[idx] {
			t.Fatalf("duplicate index %d for %q", idx, c)
		}
		seen[idx] = true
	}
	if Category("bogus").Index() != CategoryUnknown.Index() {
		t.Error("unknown categories should dispatch to the unknown slot")
	}
}
