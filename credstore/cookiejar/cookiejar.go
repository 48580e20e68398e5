// Package cookiejar adapts an http.CookieJar to credstore.Store, scoped to
// a deployment base URL. When the same jar is installed on the embedding
// http.Client, the bearer token rides along on every request to the
// deployment automatically, mirroring how a browser client carries it.
//
// The jar is shared storage: other goroutines (or an http.Client receiving
// Set-Cookie responses) may rewrite records between reads, which is exactly
// the cross-tab behavior session.Manager.Initialize reconciles against.
package cookiejar

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/mochi-id/loginflow/credstore"
)

// Store persists records as cookies in an http.CookieJar.
type Store struct {
	jar    http.CookieJar
	base   *url.URL
	logger *slog.Logger
}

var _ credstore.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger used for HttpOnly warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns a Store writing cookies for baseURL into jar.
func New(jar http.CookieJar, baseURL string, opts ...Option) (*Store, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	s := &Store{jar: jar, base: base}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get retrieves the cookie value for key. Expiry is handled by the jar.
func (s *Store) Get(key string) (string, bool) {
	for _, c := range s.jar.Cookies(s.base) {
		if c.Name == key {
			return c.Value, true
		}
	}
	return "", false
}

// Set writes the record as a cookie: path-scoped, SameSite strict by
// default, Secure whenever the deployment is reached over https.
func (s *Store) Set(key, value string, opts credstore.Options) {
	if opts.HTTPOnly {
		credstore.WarnHTTPOnly(s.logger, key)
	}
	opts = opts.Normalize()
	secure := opts.Secure || s.base.Scheme == "https"
	s.jar.SetCookies(s.base, []*http.Cookie{{
		Name:     key,
		Value:    value,
		Path:     opts.Path,
		MaxAge:   int(opts.TTL.Seconds()),
		Secure:   secure,
		SameSite: opts.SameSite,
	}})
}

// Remove expires the cookie for key.
func (s *Store) Remove(key string) {
	s.jar.SetCookies(s.base, []*http.Cookie{{
		Name:   key,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	}})
}
