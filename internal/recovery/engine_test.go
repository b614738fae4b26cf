package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/inboxd/internal/failure"
)

// newTestEngine returns an engine whose sleeps are recorded instead of slept.
func newTestEngine(t *testing.T, cfg Config) (*Engine, *[]time.Duration) {
	t.Helper()
	e := New(cfg)
	var slept []time.Duration
	e.sleep = func(d time.Duration) { slept = append(slept, d) }
	return e, &slept
}

// Scenario: a connection failure under category imap classifies as
// high/reconnect, and with no reconnect callback the first attempt backs off
// at least one base delay and succeeds.
func TestIMAPConnectionErrorRecovers(t *testing.T) {
	e, slept := newTestEngine(t, Config{})
	m := failure.NewManager(nil, 10)
	e.Register(m)

	rec := m.RecordError(errors.New("connection refused"), failure.CategoryIMAP, "fetcher", "connect")

	if rec.Severity != failure.SeverityHigh {
		t.Errorf("severity = %q, want high", rec.Severity)
	}
	if rec.RecoveryStrategy != failure.StrategyReconnect {
		t.Errorf("strategy = %q, want reconnect", rec.RecoveryStrategy)
	}

	if !m.AttemptRecovery(rec) {
		t.Fatal("recovery should succeed without a reconnect callback")
	}
	if len(*slept) != 1 || (*slept)[0] < DefaultBackoff.Base {
		t.Errorf("first attempt should back off at least %s, slept %v", DefaultBackoff.Base, *slept)
	}
	if !rec.Resolved {
		t.Error("successful recovery must resolve the record")
	}
}

// Scenario: an imap authentication failure is never auto-recovered, even
// though its declared strategy is reconnect. Credentials cannot self-heal.
func TestIMAPAuthenticationNotRecoverable(t *testing.T) {
	e, slept := newTestEngine(t, Config{})
	m := failure.NewManager(nil, 10)
	e.Register(m)

	rec := m.RecordError(errors.New("authentication failed"), failure.CategoryIMAP, "fetcher", "login")

	if rec.RecoveryStrategy != failure.StrategyReconnect {
		t.Fatalf("strategy = %q, want reconnect", rec.RecoveryStrategy)
	}
	if m.AttemptRecovery(rec) {
		t.Fatal("authentication failure must not recover")
	}
	if len(*slept) != 0 {
		t.Errorf("auth short-circuit should not back off, slept %v", *slept)
	}
	if rec.RecoveryAttempts != 1 {
		t.Errorf("the failed attempt still consumes budget, attempts = %d", rec.RecoveryAttempts)
	}
}

// Scenario: validation failures skip the item and always succeed.
func TestValidationSkips(t *testing.T) {
	e, slept := newTestEngine(t, Config{})
	m := failure.NewManager(nil, 10)
	e.Register(m)

	rec := m.RecordError(errors.New("message has no sender"), failure.CategoryValidation, "parser", "validate")

	if rec.RecoveryStrategy != failure.StrategySkip {
		t.Fatalf("strategy = %q, want skip", rec.RecoveryStrategy)
	}
	if !m.AttemptRecovery(rec) {
		t.Fatal("skip must always succeed")
	}
	if !rec.Resolved {
		t.Error("skipped record must be resolved")
	}
	if len(*slept) != 0 {
		t.Errorf("skip should be immediate, slept %v", *slept)
	}
}

func TestAIRateLimitUsesLargerBackoff(t *testing.T) {
	e, slept := newTestEngine(t, Config{})
	m := failure.NewManager(nil, 10)
	e.Register(m)

	rec := m.RecordError(errors.New("429 rate limit exceeded"), failure.CategoryAI, "analyzer", "complete")

	if rec.RecoveryStrategy != failure.StrategyRetry {
		t.Fatalf("strategy = %q, want retry", rec.RecoveryStrategy)
	}
	if !m.AttemptRecovery(rec) {
		t.Fatal("retry should succeed")
	}
	if len(*slept) != 1 || (*slept)[0] < RateLimitBackoff.Base {
		t.Errorf("rate limit should use the larger base %s, slept %v", RateLimitBackoff.Base, *slept)
	}
}

func TestReconnectCallbackSuccess(t *testing.T) {
	called := false
	e, _ := newTestEngine(t, Config{
		NetworkReconnect: func(ctx context.Context) error {
			called = true
			return nil
		},
	})
	m := failure.NewManager(nil, 10)
	e.Register(m)

	rec := m.RecordError(errors.New("connection reset"), failure.CategoryNetwork, "client", "send",
		failure.WithStrategy(failure.StrategyReconnect))

	if !m.AttemptRecovery(rec) {
		t.Fatal("recovery should succeed when the callback succeeds")
	}
	if !called {
		t.Error("reconnect callback was not invoked")
	}
}

func TestReconnectCallbackError(t *testing.T) {
	e, _ := newTestEngine(t, Config{
		NetworkReconnect: func(ctx context.Context) error {
			return errors.New("still refusing")
		},
	})
	m := failure.NewManager(nil, 10)
	e.Register(m)

	rec := m.RecordError(errors.New("connection reset"), failure.CategoryNetwork, "client", "send",
		failure.WithStrategy(failure.StrategyReconnect))

	if m.AttemptRecovery(rec) {
		t.Fatal("callback error must fail the attempt")
	}
	if rec.Resolved {
		t.Error("failed attempt must not resolve the record")
	}
}

// A reconnect callback that ignores its context is cut off by the deadline
// guard and converted into a failed attempt.
func TestReconnectingTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	e, _ := newTestEngine(t, Config{
		ReconnectTimeout: 20 * time.Millisecond,
		NetworkReconnect: func(ctx context.Context) error {
			<-block
			return nil
		},
	})
	m := failure.NewManager(nil, 10)
	e.Register(m)

	rec := m.RecordError(errors.New("connection reset"), failure.CategoryNetwork, "client", "send",
		failure.WithStrategy(failure.StrategyReconnect))

	start := time.Now()
	if m.AttemptRecovery(rec) {
		t.Fatal("hung callback must fail the attempt")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("deadline guard did not fire, took %s", elapsed)
	}
}

func TestReconnectCallbackPanic(t *testing.T) {
	e, _ := newTestEngine(t, Config{
		IMAPReconnect: func(ctx context.Context) error {
			panic("broken callback")
		},
	})
	m := failure.NewManager(nil, 10)
	e.Register(m)

	rec := m.RecordError(errors.New("connection closed"), failure.CategoryIMAP, "fetcher", "connect")

	if m.AttemptRecovery(rec) {
		t.Fatal("panicking callback must fail the attempt")
	}
	if rec.RecoveryAttempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.RecoveryAttempts)
	}
}

// TestNewCapsUncappedBackoff verifies that a configured base delay without a
// max never doubles without bound: New substitutes the default cap.
func TestNewCapsUncappedBackoff(t *testing.T) {
	e := New(Config{
		Backoff:          Backoff{Base: 2 * time.Second},
		RateLimitBackoff: Backoff{Base: 10 * time.Second},
	})

	if e.backoff.Max != DefaultBackoff.Max {
		t.Errorf("backoff max = %s, want default cap %s", e.backoff.Max, DefaultBackoff.Max)
	}
	if e.rateLimitBackoff.Max != RateLimitBackoff.Max {
		t.Errorf("rate limit max = %s, want default cap %s", e.rateLimitBackoff.Max, RateLimitBackoff.Max)
	}
	if d := e.backoff.Delay(100); d != e.backoff.Max {
		t.Errorf("delay at high attempt = %s, must hit the cap %s", d, e.backoff.Max)
	}
}

func TestFallbackSucceedsImmediately(t *testing.T) {
	e, slept := newTestEngine(t, Config{})
	m := failure.NewManager(nil, 10)
	e.Register(m)

	rec := m.RecordError(errors.New("primary provider down"), failure.CategoryAI, "analyzer", "complete",
		failure.WithStrategy(failure.StrategyFallback))

	if !m.AttemptRecovery(rec) {
		t.Fatal("fallback should signal the caller to proceed")
	}
	if len(*slept) != 0 {
		t.Errorf("fallback should not back off, slept %v", *slept)
	}
}
