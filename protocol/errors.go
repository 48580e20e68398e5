package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCode indicates the submitted code or assertion was rejected.
	// Recoverable: re-prompt the same factor.
	ErrInvalidCode = errors.New("invalid code")
	// ErrAccountSuspended indicates the account cannot log in. Terminal for
	// this session; callers must clear auth state to avoid redirect loops.
	ErrAccountSuspended = errors.New("account suspended")
	// ErrSignupDisabled indicates the server refuses new identities.
	ErrSignupDisabled = errors.New("signup disabled")
	// ErrNoMFASession indicates an MFA completion was attempted without a
	// partial token. Detected client-side; the request never reaches the
	// network.
	ErrNoMFASession = errors.New("no mfa session")
	// ErrSessionExpired indicates the partial session lapsed server-side.
	// Recoverable by restarting the flow.
	ErrSessionExpired = errors.New("mfa session expired")
	// ErrCeremonyCancelled indicates the user dismissed the platform
	// authenticator prompt. Distinct from ErrInvalidCode: nothing was
	// verified, and the ceremony must not be reused.
	ErrCeremonyCancelled = errors.New("passkey ceremony cancelled")
	// ErrCodeRequestFailed indicates the server declined to deliver an
	// email code.
	ErrCodeRequestFailed = errors.New("code request failed")
	// ErrMalformedResponse indicates the server response could not be
	// normalized, for example an MFA signal missing its partial token or
	// remaining set.
	ErrMalformedResponse = errors.New("malformed server response")
)

// APIError is a structured protocol-level rejection decoded from an error
// response body. It matches the taxonomy sentinels through errors.Is, so
// callers can write errors.Is(err, protocol.ErrInvalidCode) without caring
// about status codes or wire spellings.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server rejected request (%d %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server rejected request (%d %s)", e.Status, e.Code)
}

// Is maps wire error codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrInvalidCode:
		return e.Code == "invalid_code"
	case ErrAccountSuspended:
		return e.Code == "suspended"
	case ErrSignupDisabled:
		return e.Code == "signup_disabled"
	case ErrSessionExpired:
		return e.Code == "session_expired" || e.Code == "no_mfa_session"
	}
	return false
}

// IsRejection reports whether err is a protocol-level rejection — the
// server (or the platform authenticator) understood the attempt and said
// no — as opposed to a transport failure worth retrying as-is.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidCode) ||
		errors.Is(err, ErrAccountSuspended) ||
		errors.Is(err, ErrSignupDisabled) ||
		errors.Is(err, ErrSessionExpired) ||
		errors.Is(err, ErrCeremonyCancelled)
}
