// Package flow drives a login attempt through its states: method
// discovery, first factor, additional factors, and completion. It is the
// only writer of session state during login; UI layers call its operations
// and render from session snapshots.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/mochi-id/loginflow/credstore"
	"github.com/mochi-id/loginflow/protocol"
	"github.com/mochi-id/loginflow/session"
)

var (
	// ErrBusy is returned when an operation is started while another is in
	// flight. Submissions are serialized to prevent double-submit races.
	ErrBusy = errors.New("another login operation is in flight")
	// ErrNotStarted is returned when a factor is submitted before Begin
	// established which identity is logging in.
	ErrNotStarted = errors.New("login flow not started")
)

// State is the orchestrator's position in the login flow.
type State uint8

const (
	// StateIdle means no login attempt is in progress.
	StateIdle State = iota
	// StateAwaitingFirstFactor means methods are known and no factor has
	// been accepted yet.
	StateAwaitingFirstFactor
	// StateAwaitingAdditionalFactor means a partial session exists and the
	// server wants more factors.
	StateAwaitingAdditionalFactor
	// StateAuthenticated means the login completed and a token was issued.
	StateAuthenticated
	// StateFailed means the last submission was rejected. Not sticky: any
	// submit or Begin moves on from it.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingFirstFactor:
		return "awaiting_first_factor"
	case StateAwaitingAdditionalFactor:
		return "awaiting_additional_factor"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Flow orchestrates one login attempt at a time against a protocol client,
// writing results into the session manager.
type Flow struct {
	client  *protocol.Client
	session *session.Manager
	assert  protocol.AssertionFunc
	logger  *slog.Logger

	mu      sync.Mutex
	busy    bool
	state   State
	email   string
	methods []protocol.Method
}

// Option configures the Flow.
type Option func(*Flow)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Flow) { f.logger = logger }
}

// WithAssertionFunc installs the platform authenticator bridge used for
// passkey ceremonies. Without it SubmitPasskey fails.
func WithAssertionFunc(assert protocol.AssertionFunc) Option {
	return func(f *Flow) { f.assert = assert }
}

// New creates a Flow over client and sess.
func New(client *protocol.Client, sess *session.Manager, opts ...Option) *Flow {
	f := &Flow{client: client, session: sess, state: StateIdle}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return f
}

// Initialize rehydrates the session from its store and aligns the flow
// state with what was found: an existing token resumes as authenticated, a
// surviving partial challenge resumes mid-MFA.
func (f *Flow) Initialize() session.Snapshot {
	f.session.Initialize()
	snap := f.session.Snapshot()

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case snap.Authenticated:
		f.state = StateAuthenticated
	case snap.MFA.Required:
		f.state = StateAwaitingAdditionalFactor
	default:
		f.state = StateIdle
	}
	return snap
}

// State returns the current flow state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Methods returns the method set the server declared at Begin.
func (f *Flow) Methods() []protocol.Method {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Method(nil), f.methods...)
}

// Email returns the identity the current attempt is for.
func (f *Flow) Email() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.email
}

// Begin starts a login attempt for email: asks the server which methods the
// identity must satisfy and caches the email for pre-fill on return visits.
func (f *Flow) Begin(ctx context.Context, email string) (protocol.BeginLoginResult, error) {
	if err := f.acquire(); err != nil {
		return protocol.BeginLoginResult{}, err
	}
	defer f.release()

	result, err := f.client.BeginLogin(ctx, email)
	if err != nil {
		return protocol.BeginLoginResult{}, err
	}

	f.session.SetUser(protocol.User{Email: email})

	f.mu.Lock()
	f.email = email
	f.methods = result.Methods
	f.state = StateAwaitingFirstFactor
	f.mu.Unlock()
	return result, nil
}

// RequestEmailCode triggers delivery of a one-time code to the identity
// established by Begin.
func (f *Flow) RequestEmailCode(ctx context.Context) (protocol.RequestCodeResult, error) {
	email := f.Email()
	if email == "" {
		return protocol.RequestCodeResult{}, ErrNotStarted
	}
	if err := f.acquire(); err != nil {
		return protocol.RequestCodeResult{}, err
	}
	defer f.release()
	return f.client.RequestEmailCode(ctx, email)
}

// SubmitEmailCode submits an email one-time code. When a partial MFA
// session exists the code completes it; otherwise it is the first factor.
func (f *Flow) SubmitEmailCode(ctx context.Context, code string) (State, error) {
	return f.submit(ctx, func(ctx context.Context, partial string) (protocol.Outcome, error) {
		if partial != "" {
			return f.client.CompleteMFA(ctx, partial, protocol.MethodEmail, code)
		}
		return f.client.VerifyEmailCode(ctx, code)
	})
}

// SubmitTOTP submits an authenticator-app code, routed against the partial
// session when one exists and as a standalone first factor otherwise.
func (f *Flow) SubmitTOTP(ctx context.Context, code string) (State, error) {
	return f.submit(ctx, func(ctx context.Context, partial string) (protocol.Outcome, error) {
		if partial != "" {
			return f.client.CompleteMFA(ctx, partial, protocol.MethodTOTP, code)
		}
		email := f.Email()
		if email == "" {
			return protocol.Outcome{}, ErrNotStarted
		}
		return f.client.LoginWithTOTP(ctx, email, code)
	})
}

// SubmitRecoveryCode submits a single-use backup code.
func (f *Flow) SubmitRecoveryCode(ctx context.Context, code string) (State, error) {
	return f.submit(ctx, func(ctx context.Context, partial string) (protocol.Outcome, error) {
		if partial != "" {
			return f.client.CompleteMFA(ctx, partial, protocol.MethodRecovery, code)
		}
		email := f.Email()
		if email == "" {
			return protocol.Outcome{}, ErrNotStarted
		}
		return f.client.LoginWithRecoveryCode(ctx, email, code)
	})
}

// SubmitPasskey runs a full WebAuthn ceremony through the configured
// assertion bridge. Every call fetches a fresh challenge, so retrying after
// a cancelled or failed ceremony is always safe.
func (f *Flow) SubmitPasskey(ctx context.Context) (State, error) {
	return f.submit(ctx, func(ctx context.Context, partial string) (protocol.Outcome, error) {
		return f.client.PasskeyLogin(ctx, f.assert)
	})
}

// SubmitCodes submits several outstanding factors as one atomic call. The
// server accepts or rejects the whole set; on rejection the partial session
// and its remaining methods are untouched, so nothing is half-consumed.
// Required whenever two or more factors are jointly outstanding.
func (f *Flow) SubmitCodes(ctx context.Context, codes map[protocol.Method]string) (State, error) {
	return f.submit(ctx, func(ctx context.Context, partial string) (protocol.Outcome, error) {
		return f.client.CompleteMFAMultiple(ctx, partial, codes)
	})
}

// SubmitIdentity completes the mandatory post-login identity step: the
// name and privacy setting are recorded server-side first, then mirrored
// into local session state.
func (f *Flow) SubmitIdentity(ctx context.Context, name string, privacy credstore.Privacy) error {
	if err := f.acquire(); err != nil {
		return err
	}
	defer f.release()

	token := f.session.Token()
	if token == "" {
		return session.ErrNotAuthenticated
	}
	if err := f.client.SubmitIdentity(ctx, token, name, privacy); err != nil {
		return err
	}
	return f.session.SetIdentity(name, privacy)
}

// RefreshIdentity validates the stored token against the server and pulls
// the authoritative identity record into the session. A token the server
// no longer accepts clears local state, so stale credentials cannot loop
// the user between app and login.
func (f *Flow) RefreshIdentity(ctx context.Context) (session.Snapshot, error) {
	if err := f.acquire(); err != nil {
		return f.session.Snapshot(), err
	}
	defer f.release()

	token := f.session.Token()
	if token == "" {
		return f.session.Snapshot(), nil
	}
	info, err := f.client.FetchIdentity(ctx, token)
	if err != nil {
		var apiErr *protocol.APIError
		if errors.As(err, &apiErr) && (apiErr.Status == 401 || apiErr.Status == 403) {
			f.logger.Info("stored token no longer accepted, clearing session")
			f.session.ClearSession()
			f.setState(StateIdle)
		}
		return f.session.Snapshot(), err
	}
	if info.User != nil {
		f.session.SetUser(protocol.User{Email: info.User.Email, Name: info.User.Name})
	}
	if info.Identity != nil {
		if err := f.session.SetIdentity(info.Identity.Name, info.Identity.Privacy); err != nil {
			return f.session.Snapshot(), err
		}
	} else {
		// The server is authoritative: no identity there means any local
		// record is stale.
		f.session.ClearIdentity()
	}
	return f.session.Snapshot(), nil
}

// Cancel abandons the current attempt: the partial MFA session is dropped
// and the flow returns to idle. Any future attempt starts over with Begin,
// which issues a fresh method discovery.
func (f *Flow) Cancel() {
	f.session.ClearMFAChallenge()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateIdle
	f.methods = nil
	f.email = ""
}

// Logout invalidates the session server-side on a best-effort basis and
// always clears local state, even when the network call fails.
func (f *Flow) Logout(ctx context.Context) {
	if token := f.session.Token(); token != "" {
		if err := f.client.Logout(ctx, token); err != nil {
			f.logger.Warn("server-side logout failed, clearing locally", slog.Any("error", err))
		}
	}
	f.session.ClearSession()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateIdle
	f.email = ""
	f.methods = nil
}

// submit serializes one factor submission: runs op with the current partial
// token, applies the outcome to session state, and maps errors to state
// transitions.
func (f *Flow) submit(ctx context.Context, op func(ctx context.Context, partial string) (protocol.Outcome, error)) (State, error) {
	if err := f.acquire(); err != nil {
		return f.State(), err
	}
	defer f.release()

	partial := f.session.Snapshot().MFA.PartialToken
	outcome, err := op(ctx, partial)
	if err != nil {
		return f.handleError(err)
	}
	return f.apply(outcome)
}

// apply transitions flow and session state for a normalized outcome.
func (f *Flow) apply(outcome protocol.Outcome) (State, error) {
	switch outcome.Kind {
	case protocol.OutcomeFullySuccessful:
		user := outcome.User
		if user.Name == "" {
			user.Name = outcome.Name
		}
		if err := f.session.SetAuthenticated(user, outcome.Token); err != nil {
			return f.setState(StateFailed), err
		}
		f.logger.Info("login complete", slog.String("email", user.Email))
		return f.setState(StateAuthenticated), nil

	case protocol.OutcomeMFARequired:
		if err := f.session.SetMFAChallenge(outcome.PartialToken, outcome.Remaining); err != nil {
			return f.setState(StateFailed), err
		}
		f.logger.Info("additional factors required",
			slog.Int("remaining", len(outcome.Remaining)))
		return f.setState(StateAwaitingAdditionalFactor), nil

	default:
		// Rejected: the partial session, if any, survives for a retry.
		f.logger.Info("factor rejected", slog.Any("reason", outcome.Reason))
		return f.setState(StateFailed), outcome.Reason
	}
}

// handleError maps protocol-level rejections onto flow transitions.
// Transport failures leave the state alone so the caller can retry as-is.
func (f *Flow) handleError(err error) (State, error) {
	switch {
	case errors.Is(err, protocol.ErrSessionExpired):
		// The partial session is gone server-side; restart from the first
		// factor rather than letting retries bounce off a dead token.
		f.session.ClearMFAChallenge()
		return f.setState(StateAwaitingFirstFactor), err
	case errors.Is(err, protocol.ErrAccountSuspended):
		// Keeping auth state around for a suspended account causes redirect
		// loops between app and login.
		f.session.ClearSession()
		return f.setState(StateFailed), err
	case errors.Is(err, protocol.ErrCeremonyCancelled):
		// User dismissed the prompt; nothing was verified, nothing changes.
		return f.State(), err
	case protocol.IsRejection(err):
		return f.setState(StateFailed), err
	default:
		return f.State(), err
	}
}

func (f *Flow) setState(s State) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
	return s
}

func (f *Flow) acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return ErrBusy
	}
	f.busy = true
	return nil
}

func (f *Flow) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy = false
}
