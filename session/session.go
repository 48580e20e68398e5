// Package session holds the in-memory authoritative record of
// authentication status, partial-MFA progress, and identity-completion
// state. It is rehydrated from a credential store at startup and persists
// every durable change back through it.
//
// All mutations run under one mutex and are atomic with respect to
// Snapshot readers. The credential store is shared storage visible to other
// tabs or processes; Initialize reconciles against it with
// last-store-write-wins rather than trusting in-memory state.
package session

import (
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/mochi-id/loginflow/credstore"
	"github.com/mochi-id/loginflow/protocol"
)

var (
	// ErrEmptyToken is returned when SetAuthenticated is called without a
	// token. An authenticated session with an empty token is unrepresentable.
	ErrEmptyToken = errors.New("authenticated session requires a token")
	// ErrNotAuthenticated is returned when identity setup is attempted
	// before login. Identity is a post-authentication step.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrInvalidChallenge is returned when an MFA challenge is missing its
	// partial token or remaining methods.
	ErrInvalidChallenge = errors.New("mfa challenge requires a partial token and remaining methods")
)

// MFAState tracks an in-progress multi-factor challenge.
// Invariant: Required == (PartialToken != "" && len(Remaining) > 0).
type MFAState struct {
	Required     bool
	PartialToken string
	Remaining    []protocol.Method
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	Token           string
	User            protocol.User
	IdentityName    string
	IdentityPrivacy credstore.Privacy
	Authenticated   bool
	HasIdentity     bool
	Initialized     bool
	MFA             MFAState
}

// Manager is the single source of truth for session state. Construct it
// with New and share the one instance; all call sites receive a reference
// rather than a package-level global, so tests can inject store doubles.
type Manager struct {
	mu     sync.RWMutex
	store  credstore.Store
	opts   credstore.Options
	logger *slog.Logger
	snap   Snapshot
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithRecordOptions overrides how records are persisted (TTL per deployment
// policy, cookie path, Secure flag).
func WithRecordOptions(opts credstore.Options) Option {
	return func(m *Manager) { m.opts = opts }
}

// New creates a Manager persisting through store. The session is empty
// until Initialize is called.
func New(store credstore.Store, opts ...Option) *Manager {
	m := &Manager{store: store, opts: credstore.DefaultOptions()}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return m
}

// Initialize loads the token and profile from the store and marks the
// session initialized. It is idempotent and safe to call at every
// navigation boundary: when the store and the in-memory state disagree,
// the store wins, keeping multiple tabs or processes consistent.
//
// Redirect decisions must be deferred until Initialize has run once;
// Snapshot.Initialized reports that.
func (m *Manager) Initialize() {
	token, _ := m.store.Get(credstore.KeyToken)
	profile := credstore.ReadProfile(m.store)

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := token != m.snap.Token ||
		profile.Email != m.snap.User.Email ||
		profile.Name != m.snap.IdentityName ||
		profile.Privacy != m.snap.IdentityPrivacy
	if !changed {
		m.snap.Initialized = true
		return
	}

	user := m.snap.User
	if profile.Email != "" {
		user = protocol.User{Email: profile.Email, Name: profile.Name}
	}
	m.snap = Snapshot{
		Token:           token,
		User:            user,
		IdentityName:    profile.Name,
		IdentityPrivacy: profile.Privacy,
		Authenticated:   token != "",
		HasIdentity:     profile.Name != "",
		Initialized:     true,
		MFA:             m.snap.MFA,
	}
}

// SetAuthenticated persists the token, merges the user into the stored
// profile, marks the session authenticated, and clears any in-progress MFA
// challenge. The token must be non-empty.
//
// Profile precedence: a name already in the store wins over the
// server-supplied user name, because the stored name is the user's chosen
// identity while the user record carries whatever the server last knew.
func (m *Manager) SetAuthenticated(user protocol.User, token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	m.store.Set(credstore.KeyToken, token, m.opts)

	current := credstore.ReadProfile(m.store)
	merged := credstore.Profile{
		Email:   firstNonEmpty(user.Email, current.Email),
		Name:    firstNonEmpty(current.Name, user.Name),
		Privacy: current.Privacy,
	}
	merged = credstore.WriteProfile(m.store, merged, m.opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Token = token
	m.snap.User = user
	m.snap.User.Email = merged.Email
	m.snap.Authenticated = true
	m.snap.IdentityName = merged.Name
	m.snap.IdentityPrivacy = merged.Privacy
	m.snap.HasIdentity = merged.Name != ""
	m.snap.Initialized = true
	m.snap.MFA = MFAState{}
	return nil
}

// SetUser updates the in-memory and persisted profile without changing
// authentication status. Used to cache the email the user typed before any
// factor has been verified.
func (m *Manager) SetUser(user protocol.User) {
	current := credstore.ReadProfile(m.store)
	merged := credstore.Profile{
		Email:   firstNonEmpty(user.Email, current.Email),
		Name:    firstNonEmpty(current.Name, user.Name),
		Privacy: current.Privacy,
	}
	credstore.WriteProfile(m.store, merged, m.opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.User = user
	m.snap.Authenticated = m.snap.Token != ""
}

// ClearSession removes the token and profile from the store and resets all
// fields. The session stays initialized so callers do not wait for another
// load. Used on logout, server-signaled re-authentication, and token
// validation failure.
func (m *Manager) ClearSession() {
	m.store.Remove(credstore.KeyToken)
	credstore.ClearProfile(m.store)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = Snapshot{Initialized: true}
	m.logger.Debug("session cleared")
}

// SetMFAChallenge records a partial MFA session. Both the partial token and
// a non-empty remaining set are required; the half-set state is
// unrepresentable.
func (m *Manager) SetMFAChallenge(partialToken string, remaining []protocol.Method) error {
	if partialToken == "" || len(remaining) == 0 {
		return ErrInvalidChallenge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.MFA = MFAState{
		Required:     true,
		PartialToken: partialToken,
		Remaining:    append([]protocol.Method(nil), remaining...),
	}
	return nil
}

// ClearMFAChallenge resets the MFA state.
func (m *Manager) ClearMFAChallenge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.MFA = MFAState{}
}

// SetIdentity establishes the display name and privacy setting. Identity is
// a post-login step; calling it on an unauthenticated session is an error.
func (m *Manager) SetIdentity(name string, privacy credstore.Privacy) error {
	m.mu.RLock()
	authenticated := m.snap.Authenticated
	m.mu.RUnlock()
	if !authenticated {
		return ErrNotAuthenticated
	}

	merged := credstore.MergeProfile(m.store, credstore.ProfilePatch{
		Name:    credstore.Value(name),
		Privacy: credstore.Value(privacy),
	}, m.opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.IdentityName = merged.Name
	m.snap.IdentityPrivacy = merged.Privacy
	m.snap.HasIdentity = merged.Name != ""
	return nil
}

// ClearIdentity removes the display name and privacy setting, keeping the
// cached email.
func (m *Manager) ClearIdentity() {
	credstore.MergeProfile(m.store, credstore.ProfilePatch{
		Name:    credstore.Clear(),
		Privacy: credstore.ClearPrivacy(),
	}, m.opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.IdentityName = ""
	m.snap.IdentityPrivacy = ""
	m.snap.HasIdentity = false
}

// Snapshot returns a consistent copy of the session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := m.snap
	snap.MFA.Remaining = append([]protocol.Method(nil), m.snap.MFA.Remaining...)
	snap.User.Roles = append([]string(nil), m.snap.User.Roles...)
	return snap
}

// Token returns the current bearer token, empty when unauthenticated.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Token
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
