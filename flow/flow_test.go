package flow_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-id/loginflow/credstore"
	"github.com/mochi-id/loginflow/credstore/memory"
	"github.com/mochi-id/loginflow/flow"
	"github.com/mochi-id/loginflow/idptest"
	"github.com/mochi-id/loginflow/protocol"
	"github.com/mochi-id/loginflow/session"
)

type harness struct {
	flow    *flow.Flow
	session *session.Manager
	store   *memory.Store
	idp     *idptest.Server
	client  *protocol.Client
}

func newHarness(t *testing.T, flowOpts []flow.Option, idpOpts ...idptest.Option) *harness {
	t.Helper()
	idp := idptest.New(idpOpts...)
	server := httptest.NewServer(idp.Router())
	t.Cleanup(server.Close)

	client, err := protocol.New(server.URL)
	require.NoError(t, err)
	store := memory.New()
	sess := session.New(store)
	f := flow.New(client, sess, flowOpts...)
	f.Initialize()
	return &harness{flow: f, session: sess, store: store, idp: idp, client: client}
}

func addTOTPUser(t *testing.T, h *harness, email string, extra ...protocol.Method) string {
	t.Helper()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "test", AccountName: email})
	require.NoError(t, err)
	h.idp.AddUser(idptest.User{
		Email:      email,
		Methods:    append([]protocol.Method{protocol.MethodEmail, protocol.MethodTOTP}, extra...),
		TOTPSecret: key.Secret(),
	})
	return key.Secret()
}

func totpNow(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	return code
}

// firstFactor drives Begin plus the email code submission.
func firstFactor(t *testing.T, h *harness, email string) flow.State {
	t.Helper()
	ctx := context.Background()
	_, err := h.flow.Begin(ctx, email)
	require.NoError(t, err)
	code, err := h.flow.RequestEmailCode(ctx)
	require.NoError(t, err)
	state, err := h.flow.SubmitEmailCode(ctx, code.DevCode)
	require.NoError(t, err)
	return state
}

func TestSingleFactorLogin(t *testing.T) {
	h := newHarness(t, nil)
	h.idp.AddUser(idptest.User{Email: "ada@example.com", Name: "Ada"})
	ctx := context.Background()

	begin, err := h.flow.Begin(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, flow.StateAwaitingFirstFactor, h.flow.State())
	assert.Equal(t, []protocol.Method{protocol.MethodEmail}, begin.Methods)

	// The typed email is cached before any factor succeeds.
	assert.Equal(t, "ada@example.com", h.session.Snapshot().User.Email)
	assert.False(t, h.session.Snapshot().Authenticated)

	code, err := h.flow.RequestEmailCode(ctx)
	require.NoError(t, err)
	state, err := h.flow.SubmitEmailCode(ctx, code.DevCode)
	require.NoError(t, err)
	assert.Equal(t, flow.StateAuthenticated, state)

	snap := h.session.Snapshot()
	assert.True(t, snap.Authenticated)
	assert.NotEmpty(t, snap.Token)
	if tok, ok := h.store.Get(credstore.KeyToken); assert.True(t, ok) {
		assert.Equal(t, snap.Token, tok)
	}
}

func TestTwoFactorLogin(t *testing.T) {
	h := newHarness(t, nil)
	secret := addTOTPUser(t, h, "ada@example.com")
	ctx := context.Background()

	state := firstFactor(t, h, "ada@example.com")
	require.Equal(t, flow.StateAwaitingAdditionalFactor, state)

	snap := h.session.Snapshot()
	assert.True(t, snap.MFA.Required)
	assert.NotEmpty(t, snap.MFA.PartialToken)
	assert.Equal(t, []protocol.Method{protocol.MethodTOTP}, snap.MFA.Remaining)
	assert.False(t, snap.Authenticated, "no full token until every factor passes")
	assert.Empty(t, snap.Token)

	state, err := h.flow.SubmitTOTP(ctx, totpNow(t, secret))
	require.NoError(t, err)
	assert.Equal(t, flow.StateAuthenticated, state)

	snap = h.session.Snapshot()
	assert.True(t, snap.Authenticated)
	assert.False(t, snap.MFA.Required, "challenge cleared on success")
}

func TestRejectedFirstFactorIsNotSticky(t *testing.T) {
	h := newHarness(t, nil)
	h.idp.AddUser(idptest.User{Email: "ada@example.com"})
	ctx := context.Background()

	_, err := h.flow.Begin(ctx, "ada@example.com")
	require.NoError(t, err)
	code, err := h.flow.RequestEmailCode(ctx)
	require.NoError(t, err)

	state, err := h.flow.SubmitEmailCode(ctx, "999999")
	assert.ErrorIs(t, err, protocol.ErrInvalidCode)
	assert.Equal(t, flow.StateFailed, state)
	assert.False(t, h.session.Snapshot().Authenticated)

	// The issued code is still valid; a retry completes without restarting.
	state, err = h.flow.SubmitEmailCode(ctx, code.DevCode)
	require.NoError(t, err)
	assert.Equal(t, flow.StateAuthenticated, state)
}

func TestRejectedSecondFactorKeepsChallenge(t *testing.T) {
	h := newHarness(t, nil)
	secret := addTOTPUser(t, h, "ada@example.com")
	ctx := context.Background()

	require.Equal(t, flow.StateAwaitingAdditionalFactor, firstFactor(t, h, "ada@example.com"))
	before := h.session.Snapshot().MFA

	state, err := h.flow.SubmitTOTP(ctx, "000000")
	assert.ErrorIs(t, err, protocol.ErrInvalidCode)
	assert.Equal(t, flow.StateFailed, state)

	after := h.session.Snapshot().MFA
	assert.Equal(t, before, after, "a rejected factor must leave the challenge untouched")

	state, err = h.flow.SubmitTOTP(ctx, totpNow(t, secret))
	require.NoError(t, err)
	assert.Equal(t, flow.StateAuthenticated, state)
}

func TestAtomicMultiFactorSubmission(t *testing.T) {
	h := newHarness(t, nil)
	secret := addTOTPUser(t, h, "ada@example.com", protocol.MethodRecovery)
	h.idp.AddUser(func() idptest.User {
		u, _ := h.idp.User("ada@example.com")
		u.RecoveryCodes = []string{"rescue-1"}
		return u
	}())
	ctx := context.Background()

	require.Equal(t, flow.StateAwaitingAdditionalFactor, firstFactor(t, h, "ada@example.com"))
	before := h.session.Snapshot().MFA
	require.Len(t, before.Remaining, 2)

	// One bad code rejects the whole set: remaining unchanged, recovery
	// code unconsumed.
	state, err := h.flow.SubmitCodes(ctx, map[protocol.Method]string{
		protocol.MethodTOTP:     "000000",
		protocol.MethodRecovery: "rescue-1",
	})
	assert.ErrorIs(t, err, protocol.ErrInvalidCode)
	assert.Equal(t, flow.StateFailed, state)
	assert.Equal(t, before, h.session.Snapshot().MFA)
	u, _ := h.idp.User("ada@example.com")
	assert.Equal(t, []string{"rescue-1"}, u.RecoveryCodes)

	state, err = h.flow.SubmitCodes(ctx, map[protocol.Method]string{
		protocol.MethodTOTP:     totpNow(t, secret),
		protocol.MethodRecovery: "rescue-1",
	})
	require.NoError(t, err)
	assert.Equal(t, flow.StateAuthenticated, state)
}

func TestExpiredPartialSessionRestartsFlow(t *testing.T) {
	h := newHarness(t, nil)
	secret := addTOTPUser(t, h, "ada@example.com")
	ctx := context.Background()

	require.Equal(t, flow.StateAwaitingAdditionalFactor, firstFactor(t, h, "ada@example.com"))
	h.idp.ExpirePartialSessions()

	state, err := h.flow.SubmitTOTP(ctx, totpNow(t, secret))
	assert.ErrorIs(t, err, protocol.ErrSessionExpired)
	assert.Equal(t, flow.StateAwaitingFirstFactor, state)
	assert.False(t, h.session.Snapshot().MFA.Required, "dead partial token must be dropped")
}

func TestSuspendedAccountClearsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.idp.AddUser(idptest.User{Email: "ada@example.com", Suspended: true})
	ctx := context.Background()

	_, err := h.flow.Begin(ctx, "ada@example.com")
	require.NoError(t, err)
	code, err := h.flow.RequestEmailCode(ctx)
	require.NoError(t, err)

	state, err := h.flow.SubmitEmailCode(ctx, code.DevCode)
	assert.ErrorIs(t, err, protocol.ErrAccountSuspended)
	assert.Equal(t, flow.StateFailed, state)

	snap := h.session.Snapshot()
	assert.False(t, snap.Authenticated)
	assert.Empty(t, snap.Token)
	if _, ok := h.store.Get(credstore.KeyToken); ok {
		t.Fatal("suspended account must not leave credentials behind")
	}
}

func TestCancelAbandonsAttempt(t *testing.T) {
	h := newHarness(t, nil)
	addTOTPUser(t, h, "ada@example.com")
	ctx := context.Background()

	require.Equal(t, flow.StateAwaitingAdditionalFactor, firstFactor(t, h, "ada@example.com"))
	h.flow.Cancel()

	assert.Equal(t, flow.StateIdle, h.flow.State())
	assert.False(t, h.session.Snapshot().MFA.Required)

	// The abandoned attempt's email is forgotten too: factor submissions
	// demand a fresh Begin instead of reviving the old identity.
	state, err := h.flow.SubmitTOTP(ctx, "123456")
	assert.ErrorIs(t, err, flow.ErrNotStarted)
	assert.Equal(t, flow.StateIdle, state)

	// A new attempt starts from scratch with its own method discovery.
	begin, err := h.flow.Begin(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, begin.Methods)
	assert.Equal(t, flow.StateAwaitingFirstFactor, h.flow.State())
}

func TestPasskeyCancelThenRetry(t *testing.T) {
	cancel := true
	assertFn := func(ctx context.Context, options json.RawMessage) (json.RawMessage, error) {
		if cancel {
			return nil, protocol.ErrCeremonyCancelled
		}
		return json.RawMessage(`{"id":"cred-1","type":"public-key"}`), nil
	}
	h := newHarness(t, []flow.Option{flow.WithAssertionFunc(assertFn)})
	h.idp.AddUser(idptest.User{
		Email:     "ada@example.com",
		Methods:   []protocol.Method{protocol.MethodPasskey},
		PasskeyID: "cred-1",
	})
	ctx := context.Background()

	_, err := h.flow.Begin(ctx, "ada@example.com")
	require.NoError(t, err)

	state, err := h.flow.SubmitPasskey(ctx)
	assert.ErrorIs(t, err, protocol.ErrCeremonyCancelled)
	assert.Equal(t, flow.StateAwaitingFirstFactor, state, "cancellation is not a failure")
	assert.False(t, h.session.Snapshot().Authenticated)

	// Retry runs a fresh ceremony; the cancelled one was discarded.
	cancel = false
	state, err = h.flow.SubmitPasskey(ctx)
	require.NoError(t, err)
	assert.Equal(t, flow.StateAuthenticated, state)
}

func TestLogoutClearsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.idp.AddUser(idptest.User{Email: "ada@example.com", Name: "Ada"})
	ctx := context.Background()

	require.Equal(t, flow.StateAuthenticated, firstFactor(t, h, "ada@example.com"))
	require.NoError(t, h.flow.SubmitIdentity(ctx, "Ada L.", credstore.PrivacyPublic))
	token := h.session.Token()

	h.flow.Logout(ctx)

	assert.Equal(t, flow.StateIdle, h.flow.State())
	snap := h.session.Snapshot()
	assert.False(t, snap.Authenticated)
	assert.Empty(t, snap.Token)
	assert.False(t, snap.HasIdentity)
	if _, ok := h.store.Get(credstore.KeyToken); ok {
		t.Fatal("token must be removed from the store")
	}

	// The token was revoked server-side too.
	_, err := h.client.FetchIdentity(ctx, token)
	require.Error(t, err)
}

func TestIdentityGate(t *testing.T) {
	h := newHarness(t, nil)
	h.idp.AddUser(idptest.User{Email: "ada@example.com", Name: "Ada"})
	ctx := context.Background()
	const appURL = "https://app.example.com/home"

	require.Equal(t, flow.StateAuthenticated, firstFactor(t, h, "ada@example.com"))

	// The account has a name on record but no identity; login must not
	// surface that name as if identity setup had been completed.
	snap := h.session.Snapshot()
	assert.False(t, snap.HasIdentity)
	assert.Empty(t, snap.IdentityName)

	dest := flow.DecideDestination(snap, "", appURL)
	assert.Equal(t, flow.GoToIdentitySetup, dest.Kind, "authenticated without identity goes to setup")

	require.NoError(t, h.flow.SubmitIdentity(ctx, "Ada L.", credstore.PrivacyPublic))

	dest = flow.DecideDestination(h.session.Snapshot(), "", appURL)
	assert.Equal(t, flow.GoToApp, dest.Kind)

	u, _ := h.idp.User("ada@example.com")
	assert.Equal(t, "Ada L.", u.IdentityName, "identity recorded server-side")
	assert.Equal(t, "Ada L.", h.session.Snapshot().IdentityName)
}

func TestRefreshIdentity(t *testing.T) {
	t.Run("PullsServerRecord", func(t *testing.T) {
		h := newHarness(t, nil)
		h.idp.AddUser(idptest.User{
			Email:           "ada@example.com",
			Name:            "Ada",
			IdentityName:    "Ada L.",
			IdentityPrivacy: "public",
		})
		require.Equal(t, flow.StateAuthenticated, firstFactor(t, h, "ada@example.com"))

		// Local state does not know the identity yet; the server does.
		h.session.ClearIdentity()
		snap, err := h.flow.RefreshIdentity(context.Background())
		require.NoError(t, err)
		assert.True(t, snap.HasIdentity)
		assert.Equal(t, "Ada L.", snap.IdentityName)
	})

	t.Run("RevokedTokenClearsSession", func(t *testing.T) {
		h := newHarness(t, nil)
		h.store.Set(credstore.KeyToken, "stale-token", credstore.DefaultOptions())
		h.flow.Initialize()
		require.True(t, h.session.Snapshot().Authenticated)

		snap, err := h.flow.RefreshIdentity(context.Background())
		require.Error(t, err)
		assert.False(t, snap.Authenticated, "a token the server refuses must be dropped")
		assert.Equal(t, flow.StateIdle, h.flow.State())
	})
}

func TestInitializeResumesState(t *testing.T) {
	h := newHarness(t, nil)
	addTOTPUser(t, h, "ada@example.com")

	require.Equal(t, flow.StateAwaitingAdditionalFactor, firstFactor(t, h, "ada@example.com"))
	snap := h.flow.Initialize()
	assert.Equal(t, flow.StateAwaitingAdditionalFactor, h.flow.State())
	assert.True(t, snap.MFA.Required)
}
