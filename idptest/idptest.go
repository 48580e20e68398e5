// Package idptest is an in-process identity provider implementing the
// passwordless login wire surface. It exists so client code, examples, and
// the CLI can be exercised against real HTTP without a production server:
// accounts, factors, and failure modes are all configurable.
//
// It is a test double with real semantics, not a production server. Codes
// are echoed back in responses, tokens are signed with a per-instance
// secret, and nothing persists.
package idptest

import (
	"crypto/rand"
	_ "embed"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mochi-id/loginflow/protocol"
)

//go:embed openapi.yaml
var openapiSpec []byte

// User is one configured account.
type User struct {
	Email     string
	Name      string
	AccountNo string
	Roles     []string

	// Methods the account must satisfy, in order of preference. All of them
	// are required for a full login.
	Methods []protocol.Method

	// TOTPSecret is the base32 shared secret, required when Methods includes
	// the authenticator method.
	TOTPSecret string
	// RecoveryCodes are single-use backup codes; each is consumed on use.
	RecoveryCodes []string
	// PasskeyID is the credential ID a passkey assertion must present.
	PasskeyID string

	// Suspended accounts are rejected at every completion endpoint.
	Suspended bool

	// IdentityName and IdentityPrivacy form the completed identity record;
	// both empty means identity setup is still outstanding.
	IdentityName    string
	IdentityPrivacy string
}

// partialSession is a login attempt that has satisfied some factors.
type partialSession struct {
	email     string
	satisfied map[protocol.Method]bool
	expires   time.Time
}

// Server is the fake identity provider. Mount Router on an httptest.Server
// or serve it directly.
type Server struct {
	mu        sync.Mutex
	users     map[string]*User
	codes     map[string]string // one-time email code -> email
	partials  map[string]*partialSession
	ceremony  map[string]bool // ceremony id -> used
	tokens    map[string]string
	secret    []byte
	tokenTTL  time.Duration
	signup    bool
	legacy    bool
	inBand    bool
	partTTL   time.Duration
	now       func() time.Time
	codeValue string
}

// Option configures the Server.
type Option func(*Server)

// WithSignupDisabled makes the server refuse identities it does not know.
func WithSignupDisabled() Option {
	return func(s *Server) { s.signup = false }
}

// WithLegacyFields switches completion responses to the older field
// spellings ("login" for the token, "expires_in" for the TTL). Used to
// verify clients normalize both.
func WithLegacyFields() Option {
	return func(s *Server) { s.legacy = true }
}

// WithInBandRejections reports factor rejections as 200 responses with
// success:false instead of HTTP error statuses. Both styles exist in the
// wild and clients must handle both.
func WithInBandRejections() Option {
	return func(s *Server) { s.inBand = true }
}

// WithTokenTTL sets the lifetime stamped into issued tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) { s.tokenTTL = d }
}

// WithFixedCode makes every issued email code equal to code, for tests that
// do not want to read the dev echo.
func WithFixedCode(code string) Option {
	return func(s *Server) { s.codeValue = code }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server with no users. Signup is enabled by default.
func New(opts ...Option) *Server {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(fmt.Sprintf("idptest: reading entropy: %v", err))
	}
	s := &Server{
		users:    make(map[string]*User),
		codes:    make(map[string]string),
		partials: make(map[string]*partialSession),
		ceremony: make(map[string]bool),
		tokens:   make(map[string]string),
		secret:   secret,
		tokenTTL: time.Hour,
		signup:   true,
		partTTL:  5 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser registers an account. Accounts with no methods default to a
// single email factor.
func (s *Server) AddUser(u User) {
	if len(u.Methods) == 0 {
		u.Methods = []protocol.Method{protocol.MethodEmail}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Email] = &u
}

// ExpirePartialSessions invalidates every in-flight partial session, for
// tests exercising mid-flow expiry.
func (s *Server) ExpirePartialSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials = make(map[string]*partialSession)
}

// User returns a copy of the account record, for asserting on state the
// server mutated (consumed recovery codes, submitted identity).
func (s *Server) User(email string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Router mounts the login surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Post("/_/auth/begin", s.beginLogin)
	r.Post("/_/auth/code", s.requestCode)
	r.Post("/_/auth/verify", s.verifyCode)
	r.Post("/_/auth/totp", s.totpLogin)
	r.Post("/_/auth/recovery", s.recoveryLogin)
	r.Post("/_/auth/methods", s.completeMFA)
	r.Post("/_/auth/passkey/begin", s.passkeyBegin)
	r.Post("/_/auth/passkey/finish", s.passkeyFinish)
	r.Get("/_/identity", s.getIdentity)
	r.Post("/_/identity", s.postIdentity)
	r.Post("/login/logout", s.logout)

	return r
}

// mintToken signs a bearer token for the user. Claims mirror what the
// production issuer stamps so clients can enrich their user record from
// the token alone.
func (s *Server) mintToken(u *User) string {
	now := s.now()
	claims := jwt.MapClaims{
		"email": u.Email,
		"exp":   now.Add(s.tokenTTL).Unix(),
		"iat":   now.Unix(),
	}
	// The name claim mirrors the identity record, like the login response.
	if u.IdentityName != "" {
		claims["name"] = u.IdentityName
	}
	if u.AccountNo != "" {
		claims["accountNo"] = u.AccountNo
	}
	if len(u.Roles) == 1 {
		claims["role"] = u.Roles[0]
	} else if len(u.Roles) > 1 {
		claims["role"] = u.Roles
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		panic(fmt.Sprintf("idptest: signing token: %v", err))
	}
	s.tokens[token] = u.Email
	return token
}

// authedUser resolves a Bearer token to its account. Tokens revoked by
// logout no longer resolve even if the JWT itself is still valid.
func (s *Server) authedUser(r *http.Request) (*User, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return nil, false
	}
	token := h[len(prefix):]
	email, ok := s.tokens[token]
	if !ok {
		return nil, false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return nil, false
	}
	u, ok := s.users[email]
	return u, ok
}

func (s *Server) newEmailCode(email string) string {
	code := s.codeValue
	if code == "" {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			panic(fmt.Sprintf("idptest: reading entropy: %v", err))
		}
		n := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
		code = fmt.Sprintf("%06d", n%1000000)
	}
	s.codes[code] = email
	return code
}

func (s *Server) newPartial(email string, satisfied protocol.Method) string {
	id := uuid.NewString()
	s.partials[id] = &partialSession{
		email:     email,
		satisfied: map[protocol.Method]bool{satisfied: true},
		expires:   s.now().Add(s.partTTL),
	}
	return id
}

func (s *Server) newCeremony() string {
	id := uuid.NewString()
	s.ceremony[id] = false
	return id
}

func randomChallenge() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("idptest: reading entropy: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}
