package failure

import (
	"encoding/json"
	"fmt"
)

// JSONSafer lets a diagnostic value describe itself in a JSON-serializable
// form instead of relying on reflection over arbitrary payloads.
type JSONSafer interface {
	ToJSONSafe() any
}

// Sanitize makes an arbitrary diagnostic context safe for JSON encoding.
// Every key of the input is preserved. JSON-native values pass through
// verbatim; values that cannot be encoded fall back to their string form
// (error or fmt.Stringer), and values without a safe string form fall back
// to a bracketed type name. Sanitize never panics.
func Sanitize(context map[string]any) map[string]any {
	if context == nil {
		return nil
	}
	out := make(map[string]any, len(context))
	for k, v := range context {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	// Errors marshal to "{}" (no exported fields); their message is the
	// useful diagnostic form.
	if err, ok := v.(error); ok {
		if s, ok := stringify(err.Error); ok {
			return s
		}
		return fmt.Sprintf("[%T]", v)
	}

	if safer, ok := v.(JSONSafer); ok {
		safe := describeSelf(safer)
		if encodable(safe) {
			return safe
		}
		v = safe
	}

	if encodable(v) {
		return v
	}

	// String conversion goes through Stringer only: rendering an arbitrary
	// cyclic value with fmt would recurse without bound.
	if stringer, ok := v.(fmt.Stringer); ok {
		if s, ok := stringify(stringer.String); ok {
			return s
		}
	}

	return fmt.Sprintf("[%T]", v)
}

// encodable reports whether json.Marshal accepts v. Marshal is guarded
// against panicking custom marshalers; cyclic values surface as errors.
func encodable(v any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, err := json.Marshal(v)
	return err == nil
}

// stringify invokes an Error/String method, recovering if it panics.
func stringify(fn func() string) (s string, ok bool) {
	defer func() {
		if recover() != nil {
			s, ok = "", false
		}
	}()
	return fn(), true
}

// describeSelf calls ToJSONSafe, recovering from a panicking implementation.
func describeSelf(safer JSONSafer) (out any) {
	defer func() {
		if recover() != nil {
			out = fmt.Sprintf("[%T]", safer)
		}
	}()
	return safer.ToJSONSafe()
}
