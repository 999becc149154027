// Package identity mints and validates session identifiers and resolves the
// per-device user identity of a request.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DeviceCookieName = "safehands_device_id"
	UserHeaderName   = "X-SafeHands-User-ID"
	deviceCookieAge  = 30 * 24 * time.Hour
)

type contextKey int

const userIDKey contextKey = iota

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidID reports whether id is acceptable as a session or user identifier.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func newDeviceID() string {
	return "device_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func setDeviceCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieAge.Seconds()),
		Expires:  time.Now().Add(deviceCookieAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// userIDFromRequest prefers an explicit user header, then the device cookie,
// and mints a device identity otherwise.
func userIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if id := strings.TrimSpace(r.Header.Get(UserHeaderName)); ValidID(id) {
		return id
	}
	if c, err := r.Cookie(DeviceCookieName); err == nil && ValidID(c.Value) {
		setDeviceCookie(w, c.Value, isDev)
		return c.Value
	}
	id := newDeviceID()
	setDeviceCookie(w, id, isDev)
	return id
}

// Middleware injects the caller's user identity into the request context.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := userIDFromRequest(w, r, isDev)
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
