// Package memory provides a thread-safe in-memory implementation of
// credstore.Store. Suitable for testing, demos, and single-process use.
package memory

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mochi-id/loginflow/credstore"
)

type record struct {
	value     string
	expiresAt time.Time
}

// Store is a thread-safe in-memory implementation of credstore.Store.
type Store struct {
	mu     sync.RWMutex
	data   map[string]record
	logger *slog.Logger

	// now is swappable for expiry tests.
	now func() time.Time
}

var _ credstore.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger used for HttpOnly warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]record),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves the value for key, expiring lazily.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	rec, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if s.now().After(rec.expiresAt) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return "", false
	}
	return rec.value, true
}

// Set creates or replaces the record for key.
func (s *Store) Set(key, value string, opts credstore.Options) {
	if opts.HTTPOnly {
		credstore.WarnHTTPOnly(s.logger, key)
	}
	opts = opts.Normalize()
	s.mu.Lock()
	s.data[key] = record{value: value, expiresAt: s.now().Add(opts.TTL)}
	s.mu.Unlock()
}

// Remove deletes the record for key.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
}
