// Package bbolt provides a BBolt-backed credstore.Store for deployments
// that persist login state on disk, such as the loginflow CLI.
package bbolt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mochi-id/loginflow/credstore"
)

var bucketName = []byte("credentials")

type record struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store implements credstore.Store backed by a BBolt database.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

var _ credstore.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for backend failures and HttpOnly warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns a Store backed by the given BBolt database.
func New(db *bbolt.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromFile opens a BBolt database at the given path and returns a Store.
func NewFromFile(path string, options *bbolt.Options, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db, opts...), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get retrieves the value for key. Expired records are deleted lazily.
func (s *Store) Get(key string) (string, bool) {
	var rec record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return errAbsent
		}
		data := b.Get([]byte(key))
		if data == nil {
			return errAbsent
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		if !errors.Is(err, errAbsent) {
			s.warn("credential read failed", key, err)
			// A record we cannot decode is as good as absent; drop it.
			s.Remove(key)
		}
		return "", false
	}
	if time.Now().After(rec.ExpiresAt) {
		s.Remove(key)
		return "", false
	}
	return rec.Value, true
}

// Set creates or replaces the record for key.
func (s *Store) Set(key, value string, opts credstore.Options) {
	if opts.HTTPOnly {
		credstore.WarnHTTPOnly(s.logger, key)
	}
	opts = opts.Normalize()
	rec := record{Value: value, ExpiresAt: time.Now().Add(opts.TTL)}
	data, err := json.Marshal(rec)
	if err != nil {
		s.warn("credential encode failed", key, err)
		return
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		s.warn("credential write failed", key, err)
	}
}

// Remove deletes the record for key.
func (s *Store) Remove(key string) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		s.warn("credential delete failed", key, err)
	}
}

func (s *Store) warn(msg, key string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, slog.String("key", key), slog.Any("error", err))
}

var errAbsent = errors.New("record absent")
