// Package redis provides a Redis-backed credstore.Store for server-side
// embeddings that share login state across processes.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mochi-id/loginflow/credstore"
)

const defaultKeyPrefix = "loginflow:cred"

// Store implements credstore.Store backed by a Redis client.
type Store struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

var _ credstore.Store = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for backend failures and HttpOnly warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithKeyPrefix overrides the Redis key prefix. Use distinct prefixes when
// several independent sessions share one Redis database.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTimeout bounds each Redis call. Default is two seconds.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// New returns a Store backed by client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:  client,
		prefix:  defaultKeyPrefix,
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string {
	return s.prefix + ":" + k
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Get retrieves the value for key. TTL expiry is enforced by Redis.
func (s *Store) Get(key string) (string, bool) {
	ctx, cancel := s.ctx()
	defer cancel()
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.warn("credential read failed", key, err)
		}
		return "", false
	}
	return val, true
}

// Set creates or replaces the record for key with the option TTL.
func (s *Store) Set(key, value string, opts credstore.Options) {
	if opts.HTTPOnly {
		credstore.WarnHTTPOnly(s.logger, key)
	}
	opts = opts.Normalize()
	if opts.TTL < 0 {
		// Already expired; Redis rejects negative expirations.
		s.Remove(key)
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.Set(ctx, s.key(key), value, opts.TTL).Err(); err != nil {
		s.warn("credential write failed", key, err)
	}
}

// Remove deletes the record for key.
func (s *Store) Remove(key string) {
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		s.warn("credential delete failed", key, err)
	}
}

func (s *Store) warn(msg, key string, err error) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, slog.String("key", key), slog.Any("error", err))
}
