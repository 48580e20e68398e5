package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	webauthnproto "github.com/go-webauthn/webauthn/protocol"
)

// AssertionFunc turns WebAuthn request options into a signed assertion. It
// abstracts the platform authenticator (browser API, OS prompt, hardware
// key): the options and the returned credential are opaque JSON forwarded
// verbatim.
//
// A user dismissing the platform prompt must surface as an error matching
// ErrCeremonyCancelled.
type AssertionFunc func(ctx context.Context, options json.RawMessage) (json.RawMessage, error)

// PasskeyChallenge is one WebAuthn ceremony issued by the server. The
// ceremony ID is single-use: a cancelled or failed ceremony must be
// discarded and a fresh challenge requested for any retry.
type PasskeyChallenge struct {
	CeremonyID string
	// Options is the parsed assertion request, for embedders that want the
	// typed form (relying party ID, allowed credentials, timeout).
	Options *webauthnproto.CredentialAssertion
	// RawOptions is the verbatim server payload handed to the AssertionFunc.
	RawOptions json.RawMessage
}

// BeginPasskeyLogin fetches a fresh WebAuthn challenge.
func (c *Client) BeginPasskeyLogin(ctx context.Context) (PasskeyChallenge, error) {
	var resp struct {
		Ceremony string          `json:"ceremony"`
		Options  json.RawMessage `json:"options"`
	}
	if err := c.postJSON(ctx, endpointPasskeyBegin, struct{}{}, &resp); err != nil {
		return PasskeyChallenge{}, err
	}
	if resp.Ceremony == "" || len(resp.Options) == 0 {
		return PasskeyChallenge{}, fmt.Errorf("%w: passkey challenge missing ceremony or options", ErrMalformedResponse)
	}

	challenge := PasskeyChallenge{CeremonyID: resp.Ceremony, RawOptions: resp.Options}
	var parsed webauthnproto.CredentialAssertion
	if err := json.Unmarshal(resp.Options, &parsed); err != nil {
		// The raw payload is still forwardable; only the typed view is lost.
		c.logger.Warn("passkey options not parseable as CredentialAssertion", slog.Any("error", err))
	} else {
		challenge.Options = &parsed
	}
	return challenge, nil
}

// FinishPasskeyLogin forwards the signed assertion for the given ceremony.
// The assertion is treated as an unstructured credential payload; its
// fields are spread beside the ceremony ID exactly as produced.
func (c *Client) FinishPasskeyLogin(ctx context.Context, ceremonyID string, assertion json.RawMessage) (Outcome, error) {
	body := map[string]any{}
	if err := json.Unmarshal(assertion, &body); err != nil {
		return Outcome{}, fmt.Errorf("assertion is not a JSON object: %w", err)
	}
	body["ceremony"] = ceremonyID
	return c.completion(ctx, endpointPasskeyFinish, body)
}

// PasskeyLogin runs a full ceremony: fetch a fresh challenge, obtain the
// assertion from the platform authenticator, and submit it. Cancellation of
// the platform prompt is returned as ErrCeremonyCancelled with the ceremony
// discarded, so a retry always starts from a new challenge.
func (c *Client) PasskeyLogin(ctx context.Context, assert AssertionFunc) (Outcome, error) {
	if assert == nil {
		return Outcome{}, errors.New("no assertion provider configured")
	}
	challenge, err := c.BeginPasskeyLogin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	assertion, err := assert(ctx, challenge.RawOptions)
	if err != nil {
		if errors.Is(err, ErrCeremonyCancelled) {
			c.logger.Info("passkey ceremony cancelled", slog.String("ceremony", challenge.CeremonyID))
			return Outcome{}, err
		}
		c.logger.Error("assertion provider failed", slog.Any("error", err))
		return Outcome{}, fmt.Errorf("obtaining assertion: %w", err)
	}
	return c.FinishPasskeyLogin(ctx, challenge.CeremonyID, assertion)
}
