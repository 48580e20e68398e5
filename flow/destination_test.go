package flow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mochi-id/loginflow/flow"
	"github.com/mochi-id/loginflow/session"
)

func TestDecideDestination(t *testing.T) {
	const appURL = "https://app.example.com/home"

	authed := session.Snapshot{
		Initialized:   true,
		Authenticated: true,
		Token:         "tok-1",
		HasIdentity:   true,
		IdentityName:  "Ada L.",
	}

	cases := []struct {
		name     string
		snap     session.Snapshot
		redirect string
		wantKind flow.DestinationKind
		wantURL  string
	}{
		{
			name:     "UninitializedStays",
			snap:     session.Snapshot{Authenticated: true, Token: "tok-1", HasIdentity: true},
			wantKind: flow.StayOnLogin,
		},
		{
			name:     "UnauthenticatedStays",
			snap:     session.Snapshot{Initialized: true},
			wantKind: flow.StayOnLogin,
		},
		{
			name:     "MidMFAStays",
			snap:     session.Snapshot{Initialized: true, MFA: session.MFAState{Required: true, PartialToken: "p"}},
			wantKind: flow.StayOnLogin,
		},
		{
			name:     "NoIdentityGoesToSetup",
			snap:     session.Snapshot{Initialized: true, Authenticated: true, Token: "tok-1"},
			wantKind: flow.GoToIdentitySetup,
		},
		{
			name:     "DefaultTarget",
			snap:     authed,
			wantKind: flow.GoToApp,
			wantURL:  appURL,
		},
		{
			name:     "RelativeRedirectAllowed",
			snap:     authed,
			redirect: "/dashboard?tab=1",
			wantKind: flow.GoToApp,
			wantURL:  "/dashboard?tab=1",
		},
		{
			name:     "SameOriginRedirectAllowed",
			snap:     authed,
			redirect: "https://app.example.com/reports",
			wantKind: flow.GoToApp,
			wantURL:  "https://app.example.com/reports",
		},
		{
			name:     "CrossOriginFallsBack",
			snap:     authed,
			redirect: "https://evil.example.com/phish",
			wantKind: flow.GoToApp,
			wantURL:  appURL,
		},
		{
			name:     "SchemeRelativeFallsBack",
			snap:     authed,
			redirect: "//evil.example.com/phish",
			wantKind: flow.GoToApp,
			wantURL:  appURL,
		},
		{
			name:     "SchemeDowngradeFallsBack",
			snap:     authed,
			redirect: "http://app.example.com/reports",
			wantKind: flow.GoToApp,
			wantURL:  appURL,
		},
		{
			name:     "UnparseableFallsBack",
			snap:     authed,
			redirect: "https://%zz",
			wantKind: flow.GoToApp,
			wantURL:  appURL,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dest := flow.DecideDestination(tc.snap, tc.redirect, appURL)
			assert.Equal(t, tc.wantKind, dest.Kind)
			assert.Equal(t, tc.wantURL, dest.URL)
		})
	}
}
