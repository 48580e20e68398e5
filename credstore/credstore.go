// Package credstore provides durable key-value persistence for login
// credentials: the bearer token and a small JSON profile record.
//
// Implementations never surface backend errors to callers; a record is
// either present or absent. Failures are logged and treated as absence so
// that a broken store degrades to "logged out" rather than wedging the
// login flow.
package credstore

import (
	"log/slog"
	"net/http"
	"time"
)

// Well-known record keys shared by all deployments.
const (
	// KeyToken holds the opaque bearer token.
	KeyToken = "token"
	// KeyProfile holds the JSON-serialized profile record.
	KeyProfile = "mochi_me"
)

// DefaultTTL is the record lifetime applied when Options.TTL is zero.
// Deployment policy allows 7-365 days; seven days matches the reference
// deployment.
const DefaultTTL = 7 * 24 * time.Hour

// Options control how a record is persisted. Cookie-backed stores map them
// onto cookie attributes; other backends honor TTL and ignore the rest.
type Options struct {
	// TTL is the record lifetime. Zero means DefaultTTL; a negative value
	// yields an already-expired record.
	TTL time.Duration
	// Path scopes cookie-backed records. Empty means "/".
	Path string
	// Secure marks the record as requiring a secure transport. Stores that
	// know their transport (cookiejar) derive this themselves when unset.
	Secure bool
	// SameSite applies to cookie-backed records. Zero means strict.
	SameSite http.SameSite
	// HTTPOnly cannot be honored by a client-writable store. Setting it is
	// a configuration mistake; stores log a warning and continue.
	HTTPOnly bool
}

// DefaultOptions returns the options used for the token and profile records:
// seven day TTL, path "/", SameSite strict.
func DefaultOptions() Options {
	return Options{
		TTL:      DefaultTTL,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	}
}

// Normalize fills zero fields with their defaults.
func (o Options) Normalize() Options {
	if o.TTL == 0 {
		o.TTL = DefaultTTL
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.SameSite == 0 {
		o.SameSite = http.SameSiteStrictMode
	}
	return o
}

// WarnHTTPOnly emits the shared warning for stores asked to set HttpOnly,
// which only a server issuing Set-Cookie headers could honor.
func WarnHTTPOnly(logger *slog.Logger, key string) {
	if logger == nil {
		return
	}
	logger.Warn("HttpOnly requested but cannot be honored by a client-writable store",
		slog.String("key", key))
}

// Store is the persistence contract for login credentials.
//
// Get reports absence with ok=false; expired and malformed records count as
// absent. Set and Remove are best-effort: implementations log failures
// instead of returning them.
type Store interface {
	// Get retrieves the value for key. ok is false when the record does not
	// exist or has expired.
	Get(key string) (value string, ok bool)
	// Set creates or replaces the record for key.
	Set(key, value string, opts Options)
	// Remove deletes the record for key. Removing a missing key is a no-op.
	Remove(key string)
}
