package capability

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ErrUnavailable is returned when a capability has no configured provider.
var ErrUnavailable = errors.New("capability unavailable")

// Error reports a failed or timed-out provider call.
type Error struct {
	Capability string
	Timeout    bool
	Err        error
}

func (e *Error) Error() string {
	if e.Timeout {
		return fmt.Sprintf("capability %s timed out: %v", e.Capability, e.Err)
	}
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsFailure reports whether err is a capability error.
func IsFailure(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

type result[T any] struct {
	val T
	err error
}

// Call invokes fn with a deadline of timeout. Errors, panics and expiry are
// all reported as *Error. fn keeps running in the background if it ignores
// its context past the deadline; its result is then discarded.
func Call[T any](ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			timedOut := errors.Is(r.err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
			return zero, &Error{Capability: name, Timeout: timedOut, Err: r.err}
		}
		return r.val, nil
	case <-callCtx.Done():
		return zero, &Error{
			Capability: name,
			Timeout:    errors.Is(callCtx.Err(), context.DeadlineExceeded),
			Err:        callCtx.Err(),
		}
	}
}

var spaces = regexp.MustCompile(`\s+`)

// NormalizeTranscript collapses whitespace and capitalizes the first letter.
func NormalizeTranscript(s string) string {
	s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
