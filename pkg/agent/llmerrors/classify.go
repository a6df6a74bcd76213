package llmerrors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Classify types an error that arrived without a usable HTTP status, such as a
// dropped connection or an error frame in the middle of a stream. Errors that
// are already typed and context cancellation pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}

	msg := err.Error()
	if i := strings.IndexByte(msg, '{'); i >= 0 {
		if decoded := DecodePayload([]byte(msg[i:])); decoded != nil && decoded.Type != ErrorTypeUnknown {
			decoded.Err = err
			return decoded
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewErrorWithCause(ErrorTypeTransient, err, "network error")
	}

	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "overloaded"):
		return NewErrorWithCause(ErrorTypeOverloaded, err, "provider overloaded")
	case containsAny(lower, "timeout", "connection", "network", "temporary", "eof", "reset"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case containsAny(lower, "rate limit", "quota", "too many requests"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case containsAny(lower, "unauthorized", "api key", "authentication"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	case containsAny(lower, "invalid", "malformed", "too large", "context length"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "prompt or request error")
	}
	return NewErrorWithCause(ErrorTypeUnknown, err, "unclassified error")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
