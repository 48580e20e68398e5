package flow

import (
	"net/url"
	"strings"

	"github.com/mochi-id/loginflow/session"
)

// DestinationKind says where a post-login router should send the user.
type DestinationKind uint8

const (
	// StayOnLogin means the session is not ready to leave the login surface:
	// either state has not been loaded yet or the user is not authenticated.
	StayOnLogin DestinationKind = iota
	// GoToIdentitySetup means the user is authenticated but has not
	// completed identity setup. Identity setup is mandatory before the app.
	GoToIdentitySetup
	// GoToApp means the user is authenticated with a complete identity.
	GoToApp
)

// Destination is a routing decision with its resolved target.
type Destination struct {
	Kind DestinationKind
	// URL is set for GoToApp: the validated redirect target.
	URL string
}

// DecideDestination is the identity-completion gate. It routes strictly on
// a session snapshot: an uninitialized snapshot always stays on login so
// that no redirect fires before persisted state has been loaded.
//
// redirectParam is the untrusted post-login target from the request (empty
// for none); defaultAppURL is where GoToApp lands when the parameter is
// absent or unsafe.
func DecideDestination(snap session.Snapshot, redirectParam, defaultAppURL string) Destination {
	if !snap.Initialized || !snap.Authenticated {
		return Destination{Kind: StayOnLogin}
	}
	if !snap.HasIdentity {
		return Destination{Kind: GoToIdentitySetup}
	}
	return Destination{Kind: GoToApp, URL: safeRedirect(redirectParam, defaultAppURL)}
}

// safeRedirect validates an untrusted redirect target. Relative paths are
// allowed; absolute URLs must share scheme and host with defaultAppURL.
// Anything else falls back to defaultAppURL, closing the open-redirect
// hole where login?redirect=https://evil.example bounces a fresh token to
// an attacker.
func safeRedirect(target, defaultAppURL string) string {
	if target == "" {
		return defaultAppURL
	}
	// Scheme-relative URLs ("//evil.example") parse as relative but leave
	// the origin.
	if strings.HasPrefix(target, "//") {
		return defaultAppURL
	}
	u, err := url.Parse(target)
	if err != nil {
		return defaultAppURL
	}
	if u.Scheme == "" && u.Host == "" {
		if strings.HasPrefix(u.Path, "/") || u.Path == "" {
			return target
		}
		return defaultAppURL
	}
	base, err := url.Parse(defaultAppURL)
	if err != nil {
		return defaultAppURL
	}
	if u.Scheme == base.Scheme && strings.EqualFold(u.Host, base.Host) {
		return target
	}
	return defaultAppURL
}
