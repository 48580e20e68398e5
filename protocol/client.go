// Package protocol implements the client side of the passwordless login
// wire protocol: email one-time codes, TOTP, WebAuthn passkeys, and
// recovery codes.
//
// Every operation is stateless; callers own session state. Heterogeneous
// server responses are normalized into the Outcome union at this boundary,
// and errors are logged and returned, never converted into state — that is
// the orchestrator's job.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/mochi-id/loginflow/credstore"
)

// Endpoint paths of the login surface.
const (
	endpointBegin         = "/_/auth/begin"
	endpointCode          = "/_/auth/code"
	endpointVerify        = "/_/auth/verify"
	endpointTOTPLogin     = "/_/auth/totp"
	endpointCompleteMFA   = "/_/auth/methods"
	endpointPasskeyBegin  = "/_/auth/passkey/begin"
	endpointPasskeyFinish = "/_/auth/passkey/finish"
	endpointRecovery      = "/_/auth/recovery"
	endpointIdentity      = "/_/identity"
	endpointLogout        = "/login/logout"
)

const maxResponseBody = 1 << 20

// Client issues login protocol operations against one deployment.
type Client struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests. Install a cookie
// jar shared with a cookiejar credential store to mirror browser behavior.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the structured logger. If not set, a default JSON logger
// writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the deployment at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	c := &Client{base: base, http: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return c, nil
}

// BaseURL returns the deployment base URL the client talks to.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// BeginLoginResult is the server's method declaration for an identity.
type BeginLoginResult struct {
	// Methods the identity must satisfy, in server preference order.
	Methods []Method
	// HasPasskey hints that a passkey prompt is worth showing first.
	HasPasskey bool
	// New reports that the identity does not exist yet.
	New bool
}

// BeginLogin asks the server which methods the identity must satisfy.
func (c *Client) BeginLogin(ctx context.Context, email string) (BeginLoginResult, error) {
	var resp struct {
		Methods    []string `json:"methods"`
		HasPasskey bool     `json:"hasPasskey"`
		New        bool     `json:"new"`
	}
	err := c.postJSON(ctx, endpointBegin, map[string]string{"email": email}, &resp)
	if err != nil {
		return BeginLoginResult{}, err
	}
	return BeginLoginResult{
		Methods:    ParseMethods(resp.Methods),
		HasPasskey: resp.HasPasskey,
		New:        resp.New,
	}, nil
}

// RequestCodeResult reports a successful email code request.
type RequestCodeResult struct {
	// DevCode is the code echoed back by non-production deployments for
	// display during development. Production servers never set it; its
	// presence must not be relied upon.
	DevCode string
}

// RequestEmailCode triggers out-of-band delivery of a one-time code.
func (c *Client) RequestEmailCode(ctx context.Context, email string) (RequestCodeResult, error) {
	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			Code string `json:"code"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, endpointCode, map[string]string{"email": email}, &resp); err != nil {
		return RequestCodeResult{}, err
	}
	if !strings.EqualFold(resp.Status, "ok") && resp.Data.Code == "" {
		err := fmt.Errorf("%w: %s", ErrCodeRequestFailed, resp.Message)
		c.logger.Error("email code request declined", slog.String("status", resp.Status))
		return RequestCodeResult{}, err
	}
	return RequestCodeResult{DevCode: resp.Data.Code}, nil
}

// VerifyEmailCode submits an email one-time code as the current factor.
func (c *Client) VerifyEmailCode(ctx context.Context, code string) (Outcome, error) {
	return c.completion(ctx, endpointVerify, map[string]string{"code": code})
}

// LoginWithTOTP submits a TOTP code as the FIRST factor. When a partial MFA
// session already exists, CompleteMFA with the partial token must be used
// instead; the orchestrator enforces that choice.
func (c *Client) LoginWithTOTP(ctx context.Context, email, code string) (Outcome, error) {
	return c.completion(ctx, endpointTOTPLogin, map[string]string{"email": email, "code": code})
}

// LoginWithRecoveryCode submits a single-use recovery code as the first
// factor.
func (c *Client) LoginWithRecoveryCode(ctx context.Context, username, code string) (Outcome, error) {
	return c.completion(ctx, endpointRecovery, map[string]string{"username": username, "code": code})
}

// CompleteMFA submits one additional factor against the partial session.
// Methods without a code (passkey-as-second-factor) pass code == "".
//
// An empty partial token fails fast with ErrNoMFASession; the request never
// reaches the network.
func (c *Client) CompleteMFA(ctx context.Context, partialToken string, method Method, code string) (Outcome, error) {
	if partialToken == "" {
		return Outcome{}, ErrNoMFASession
	}
	body := map[string]string{
		"partial": partialToken,
		"method":  string(method),
	}
	if code != "" {
		body["code"] = code
	}
	return c.completion(ctx, endpointCompleteMFA, body)
}

// CompleteMFAMultiple submits several factors in one atomic call. The
// server accepts or rejects the set as a single transaction, so a rejection
// consumes none of the codes. Deployments that require two factors at once
// must use this instead of sequential CompleteMFA calls, which can strand
// the partial session half-consumed.
func (c *Client) CompleteMFAMultiple(ctx context.Context, partialToken string, codes map[Method]string) (Outcome, error) {
	if partialToken == "" {
		return Outcome{}, ErrNoMFASession
	}
	if len(codes) == 0 {
		return Outcome{}, fmt.Errorf("%w: no codes submitted", ErrInvalidCode)
	}
	body := map[string]string{"partial": partialToken}
	for method, code := range codes {
		// Wire spelling: one "<method>_code" field per factor.
		body[string(method)+"_code"] = code
	}
	return c.completion(ctx, endpointCompleteMFA, body)
}

// Identity is the post-authentication profile record.
type Identity struct {
	Name    string
	Privacy credstore.Privacy
}

// IdentityInfo is the authenticated profile state disclosed by the server.
type IdentityInfo struct {
	User     *User
	Identity *Identity
}

// FetchIdentity loads the authenticated user's profile and identity.
func (c *Client) FetchIdentity(ctx context.Context, token string) (IdentityInfo, error) {
	var resp struct {
		User *struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"user"`
		Identity *struct {
			Name    string `json:"name"`
			Privacy string `json:"privacy"`
		} `json:"identity"`
	}
	if err := c.doJSON(ctx, http.MethodGet, endpointIdentity, nil, &resp, token); err != nil {
		return IdentityInfo{}, err
	}
	info := IdentityInfo{}
	if resp.User != nil {
		info.User = &User{Email: resp.User.Email, Name: resp.User.Name}
	}
	if resp.Identity != nil && resp.Identity.Name != "" {
		info.Identity = &Identity{
			Name:    resp.Identity.Name,
			Privacy: credstore.Privacy(resp.Identity.Privacy),
		}
	}
	return info, nil
}

// SubmitIdentity establishes the display name and privacy setting.
func (c *Client) SubmitIdentity(ctx context.Context, token, name string, privacy credstore.Privacy) error {
	if !privacy.Valid() {
		return fmt.Errorf("invalid privacy value %q", privacy)
	}
	body := map[string]string{"name": name, "privacy": string(privacy)}
	return c.doJSON(ctx, http.MethodPost, endpointIdentity, body, nil, token)
}

// Logout invalidates the session server-side. Callers clear local state
// regardless of the result.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.doJSON(ctx, http.MethodPost, endpointLogout, struct{}{}, nil, token)
}

// completion posts a method-completion request and normalizes the response.
func (c *Client) completion(ctx context.Context, path string, body any) (Outcome, error) {
	var resp loginResponse
	if err := c.postJSON(ctx, path, body, &resp); err != nil {
		return Outcome{}, err
	}
	outcome, err := normalizeLogin(resp)
	if err != nil {
		c.logger.Error("response normalization failed",
			slog.String("path", path), slog.Any("error", err))
		return Outcome{}, err
	}
	return outcome, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out, "")
}

// doJSON performs one JSON round trip. Error responses are decoded into
// APIError; transport failures are wrapped. Both are logged here and
// returned untouched.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, token string) error {
	u := c.base.JoinPath(path)

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request for %s: %w", path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("request failed", slog.String("path", path), slog.Any("error", err))
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		c.logger.Error("reading response failed", slog.String("path", path), slog.Any("error", err))
		return fmt.Errorf("reading %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp.StatusCode, data)
		c.logger.Warn("server rejected request",
			slog.String("path", path),
			slog.Int("status", apiErr.Status),
			slog.String("code", apiErr.Code))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Error("decoding response failed", slog.String("path", path), slog.Any("error", err))
		return fmt.Errorf("%w: decoding %s response: %v", ErrMalformedResponse, path, err)
	}
	return nil
}

// decodeAPIError tolerates the error body spellings seen in the wild:
// {"error": code}, {"message": text}, and {"title": text}.
func decodeAPIError(status int, data []byte) *APIError {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Title   string `json:"title"`
	}
	_ = json.Unmarshal(data, &payload)
	msg := payload.Message
	if msg == "" {
		msg = payload.Title
	}
	return &APIError{Status: status, Code: payload.Error, Message: msg}
}
