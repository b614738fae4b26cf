// Package recovery implements the category-keyed strategy handlers behind
// failure.Manager.AttemptRecovery: capped exponential backoff, timeout-guarded
// reconnection, and skip/retry semantics.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/inboxd/internal/failure"
)

// DefaultReconnectTimeout bounds a single reconnect callback invocation.
const DefaultReconnectTimeout = 30 * time.Second

// ReconnectFunc re-establishes a broken connection. The context carries the
// engine's reconnect deadline; implementations should honor it, but the
// engine also guards against callbacks that don't.
type ReconnectFunc func(ctx context.Context) error

// Config wires the engine's delays and optional reconnect callbacks.
type Config struct {
	Backoff          Backoff
	RateLimitBackoff Backoff
	ReconnectTimeout time.Duration

	// IMAPReconnect and NetworkReconnect are invoked under the reconnect
	// deadline for records with the reconnect strategy. Either may be nil,
	// in which case a reconnect attempt succeeds trivially: the engine
	// signals "proceed", it does not redo the failed operation itself.
	IMAPReconnect    ReconnectFunc
	NetworkReconnect ReconnectFunc
}

// Engine holds the recovery handlers for the imap, ai, network, and
// validation categories.
type Engine struct {
	backoff          Backoff
	rateLimitBackoff Backoff
	reconnectTimeout time.Duration
	imapReconnect    ReconnectFunc
	networkReconnect ReconnectFunc
	logger           *slog.Logger
	sleep            func(time.Duration)
}

// New creates an Engine, filling zero config fields with defaults.
func New(cfg Config) *Engine {
	e := &Engine{
		backoff:          cfg.Backoff,
		rateLimitBackoff: cfg.RateLimitBackoff,
		reconnectTimeout: cfg.ReconnectTimeout,
		imapReconnect:    cfg.IMAPReconnect,
		networkReconnect: cfg.NetworkReconnect,
		logger:           slog.Default(),
		sleep:            time.Sleep,
	}
	if e.backoff.Base <= 0 {
		e.backoff = DefaultBackoff
	}
	if e.rateLimitBackoff.Base <= 0 {
		e.rateLimitBackoff = RateLimitBackoff
	}
	// A configured base without a cap must not double without bound.
	if e.backoff.Max <= 0 {
		e.backoff.Max = DefaultBackoff.Max
	}
	if e.rateLimitBackoff.Max <= 0 {
		e.rateLimitBackoff.Max = RateLimitBackoff.Max
	}
	if e.reconnectTimeout <= 0 {
		e.reconnectTimeout = DefaultReconnectTimeout
	}
	return e
}

// Register installs the engine's handlers on m, one per category it covers.
func (e *Engine) Register(m *failure.Manager) {
	m.RegisterRecoveryHandler(failure.CategoryIMAP, e.handleIMAP)
	m.RegisterRecoveryHandler(failure.CategoryAI, e.handleAI)
	m.RegisterRecoveryHandler(failure.CategoryNetwork, e.handleNetwork)
	m.RegisterRecoveryHandler(failure.CategoryValidation, e.handleValidation)
}

// handleIMAP treats authentication failures as non-recoverable regardless of
// the declared strategy: credentials cannot self-heal.
func (e *Engine) handleIMAP(rec *failure.ErrorRecord) (bool, error) {
	if strings.Contains(strings.ToLower(rec.ExceptionMessage), "authentication") {
		e.logger.Warn("imap authentication failure is not auto-recoverable", "id", rec.ID)
		return false, nil
	}
	return e.run(rec, e.imapReconnect, e.backoff)
}

func (e *Engine) handleAI(rec *failure.ErrorRecord) (bool, error) {
	bo := e.backoff
	if strings.Contains(strings.ToLower(rec.ExceptionMessage), "rate limit") {
		bo = e.rateLimitBackoff
	}
	return e.run(rec, nil, bo)
}

func (e *Engine) handleNetwork(rec *failure.ErrorRecord) (bool, error) {
	return e.run(rec, e.networkReconnect, e.backoff)
}

// handleValidation always succeeds: the failed item is permanently skipped,
// not retried.
func (e *Engine) handleValidation(rec *failure.ErrorRecord) (bool, error) {
	return true, nil
}

// run executes the record's declared strategy. The manager has already
// incremented RecoveryAttempts for this attempt, so it feeds the backoff
// directly.
func (e *Engine) run(rec *failure.ErrorRecord, reconnect ReconnectFunc, bo Backoff) (bool, error) {
	switch rec.RecoveryStrategy {
	case failure.StrategySkip, failure.StrategyFallback:
		return true, nil

	case failure.StrategyRetry:
		delay := bo.Delay(rec.RecoveryAttempts)
		e.logger.Info("backing off before retry", "id", rec.ID, "attempt", rec.RecoveryAttempts, "delay", delay)
		e.sleep(delay)
		return true, nil

	case failure.StrategyReconnect:
		delay := bo.Delay(rec.RecoveryAttempts)
		e.logger.Info("backing off before reconnect", "id", rec.ID, "attempt", rec.RecoveryAttempts, "delay", delay)
		e.sleep(delay)
		if reconnect == nil {
			return true, nil
		}
		if err := e.callWithTimeout(reconnect); err != nil {
			return false, fmt.Errorf("reconnecting for %s: %w", rec.ID, err)
		}
		return true, nil

	default:
		// manual and none are filtered out upstream by CanRecover.
		return false, fmt.Errorf("strategy %q is not automatically recoverable", rec.RecoveryStrategy)
	}
}

// callWithTimeout invokes fn under the reconnect deadline. The guard holds
// even for callbacks that ignore their context: a hung callback converts to
// a failed attempt instead of blocking recovery forever.
func (e *Engine) callWithTimeout(fn ReconnectFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.reconnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("reconnect callback panicked: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("reconnect timed out after %s", e.reconnectTimeout)
	}
}
