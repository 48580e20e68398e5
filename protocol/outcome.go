package protocol

import (
	"fmt"
	"time"
)

// OutcomeKind tags the Outcome union.
type OutcomeKind uint8

const (
	// OutcomeRejected means the factor was not accepted. No session state
	// changes; the caller re-prompts.
	OutcomeRejected OutcomeKind = iota
	// OutcomeFullySuccessful means the login is complete and a bearer token
	// was issued.
	OutcomeFullySuccessful
	// OutcomeMFARequired means the factor was accepted but the server wants
	// more. Only the partial token is issued.
	OutcomeMFARequired
)

// User is the account record disclosed by the server on a successful login,
// merged with claims read from the bearer token.
type User struct {
	Email     string
	Name      string
	AccountNo string
	Roles     []string
	ExpiresAt time.Time
}

// Outcome is the normalized result of any method-completion call. Exactly
// the fields of the tagged variant are populated:
//
//   - OutcomeFullySuccessful: Token, User, Name, ExpiresIn
//   - OutcomeMFARequired: PartialToken, Remaining (both always present)
//   - OutcomeRejected: Reason
//
// The partial token is a narrower credential than Token: it authorizes only
// further MFA-completion calls, never resource access.
type Outcome struct {
	Kind OutcomeKind

	Token     string
	User      User
	Name      string
	ExpiresIn time.Duration

	PartialToken string
	Remaining    []Method

	Reason error
}

func fullySuccessful(token string, user User, name string, expiresIn time.Duration) Outcome {
	return Outcome{
		Kind:      OutcomeFullySuccessful,
		Token:     token,
		User:      user,
		Name:      name,
		ExpiresIn: expiresIn,
	}
}

// mfaRequired refuses to construct a half-set MFA outcome: a response that
// signals MFA without a partial token and a non-empty remaining set is a
// server bug the client must not propagate.
func mfaRequired(partial string, remaining []Method) (Outcome, error) {
	if partial == "" || len(remaining) == 0 {
		return Outcome{}, fmt.Errorf("%w: mfa signaled without partial token and remaining methods", ErrMalformedResponse)
	}
	return Outcome{
		Kind:         OutcomeMFARequired,
		PartialToken: partial,
		Remaining:    remaining,
	}, nil
}

func rejected(reason error) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

// loginResponse is the raw wire shape shared by every method-completion
// endpoint. Servers disagree on field spellings (token vs login, expiresIn
// vs expires_in); both variants are captured here and resolved during
// normalization so that neither spelling leaks past this package.
type loginResponse struct {
	Success    bool         `json:"success"`
	Token      string       `json:"token"`
	Login      string       `json:"login"`
	Name       string       `json:"name"`
	User       *userPayload `json:"user"`
	Message    string       `json:"message"`
	ExpiresIn  int64        `json:"expiresIn"`
	ExpiresIn2 int64        `json:"expires_in"`

	MFA       bool     `json:"mfa"`
	Partial   string   `json:"partial"`
	Remaining []string `json:"remaining"`
}

// userPayload is the user record as the server spells it.
type userPayload struct {
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	AccountNo string   `json:"accountNo"`
	Role      []string `json:"role"`
	Exp       int64    `json:"exp"`
}

// normalizeLogin maps a raw completion response onto the Outcome union.
//
// The MFA fields are inspected before the success fields: a response can
// simultaneously report "this factor succeeded" and "more factors are
// required", and treating such a response as terminal is the principal
// hazard this function exists to prevent.
func normalizeLogin(r loginResponse) (Outcome, error) {
	if r.MFA || r.Partial != "" || len(r.Remaining) > 0 {
		return mfaRequired(r.Partial, ParseMethods(r.Remaining))
	}

	token := r.Token
	if token == "" {
		token = r.Login
	}
	if token == "" {
		reason := ErrInvalidCode
		if r.Message != "" {
			reason = fmt.Errorf("%w: %s", ErrInvalidCode, r.Message)
		}
		return rejected(reason), nil
	}

	user := User{}
	if r.User != nil {
		user = User{
			Email:     r.User.Email,
			Name:      r.User.Name,
			AccountNo: r.User.AccountNo,
			Roles:     r.User.Role,
		}
		if r.User.Exp > 0 {
			user.ExpiresAt = time.Unix(r.User.Exp, 0)
		}
	}
	mergeTokenClaims(&user, token)

	name := r.Name
	if name == "" {
		name = user.Name
	}

	expiresIn := r.ExpiresIn
	if expiresIn == 0 {
		expiresIn = r.ExpiresIn2
	}
	return fullySuccessful(token, user, name, time.Duration(expiresIn)*time.Second), nil
}
