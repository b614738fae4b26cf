package failure

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// Kind is a coarse error-kind bucket derived from the Go error value.
// It feeds the severity rules in Classify.
type Kind string

const (
	KindUnknown    Kind = ""
	KindConnection Kind = "connection"
	KindTimeout    Kind = "timeout"
	KindPermission Kind = "permission"
	KindOOM        Kind = "out-of-memory"
	KindInterrupt  Kind = "interrupt"
	KindFatal      Kind = "fatal-exit"
)

// KindOf inspects err with errors.Is/As and maps it onto a Kind.
// Unrecognized errors map to KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindInterrupt
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, fs.ErrPermission) {
		return KindPermission
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE:
			return KindConnection
		case syscall.ETIMEDOUT:
			return KindTimeout
		case syscall.EACCES, syscall.EPERM:
			return KindPermission
		case syscall.ENOMEM:
			return KindOOM
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	return KindUnknown
}

// Classify maps (kind, category, message) onto a severity and a recovery
// strategy. It is pure and deterministic: rules are ordered and the first
// match wins. Callers that already know either output supply it explicitly
// and skip the corresponding classification.
func Classify(kind Kind, category Category, message string) (Severity, RecoveryStrategy) {
	return classifySeverity(kind, category, message), classifyStrategy(kind, category, message)
}

func classifySeverity(kind Kind, category Category, message string) Severity {
	lower := strings.ToLower(message)

	switch kind {
	case KindOOM, KindInterrupt, KindFatal:
		return SeverityCritical
	case KindConnection, KindTimeout, KindPermission:
		return SeverityHigh
	}

	switch category {
	case CategoryIMAP:
		if strings.Contains(lower, "authentication") {
			return SeverityCritical
		}
		return SeverityHigh
	case CategoryAI:
		if strings.Contains(lower, "rate limit") {
			return SeverityMedium
		}
		return SeverityHigh
	}

	return SeverityMedium
}

func classifyStrategy(kind Kind, category Category, message string) RecoveryStrategy {
	lower := strings.ToLower(message)

	if kind == KindConnection || kind == KindTimeout {
		return StrategyReconnect
	}
	if strings.Contains(lower, "rate limit") {
		return StrategyRetry
	}

	switch category {
	case CategoryIMAP:
		return StrategyReconnect
	case CategoryAI:
		return StrategyRetry
	case CategoryValidation:
		return StrategySkip
	}

	return StrategyManual
}
