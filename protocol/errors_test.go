package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestAPIErrorMapping(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"invalid_code", ErrInvalidCode},
		{"suspended", ErrAccountSuspended},
		{"signup_disabled", ErrSignupDisabled},
		{"session_expired", ErrSessionExpired},
		{"no_mfa_session", ErrSessionExpired},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			err := error(&APIError{Status: 401, Code: tc.code})
			if !errors.Is(err, tc.want) {
				t.Fatalf("code %q did not match %v", tc.code, tc.want)
			}
		})
	}

	t.Run("UnknownCodeMatchesNothing", func(t *testing.T) {
		err := error(&APIError{Status: 500, Code: "kaboom"})
		for _, sentinel := range []error{ErrInvalidCode, ErrAccountSuspended, ErrSignupDisabled, ErrSessionExpired} {
			if errors.Is(err, sentinel) {
				t.Fatalf("unexpected match with %v", sentinel)
			}
		}
	})

	t.Run("WrappedStillMatches", func(t *testing.T) {
		err := fmt.Errorf("submitting factor: %w", &APIError{Status: 401, Code: "invalid_code"})
		if !errors.Is(err, ErrInvalidCode) {
			t.Fatal("wrapping broke the sentinel match")
		}
	})
}

func TestIsRejection(t *testing.T) {
	rejections := []error{
		ErrInvalidCode,
		ErrAccountSuspended,
		ErrSignupDisabled,
		ErrSessionExpired,
		ErrCeremonyCancelled,
		&APIError{Status: 401, Code: "invalid_code"},
	}
	for _, err := range rejections {
		if !IsRejection(err) {
			t.Fatalf("expected %v to be a rejection", err)
		}
	}

	transport := []error{
		errors.New("connection refused"),
		ErrMalformedResponse,
		ErrCodeRequestFailed,
	}
	for _, err := range transport {
		if IsRejection(err) {
			t.Fatalf("expected %v not to be a rejection", err)
		}
	}
}
