package protocol

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// mergeTokenClaims enriches user with claims read from the bearer token.
// The parse is unverified: the client holds no verification key, and the
// claims are used only as display metadata and an expiry hint — never for
// trust decisions, which belong to the server.
//
// Fields already present on user win over claims, matching the rule that
// explicit server payload beats token introspection.
func mergeTokenClaims(user *User, token string) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// Opaque (non-JWT) tokens are legal; nothing to merge.
		return
	}

	if user.Email == "" {
		user.Email = claimString(claims, "email")
	}
	if user.Name == "" {
		user.Name = claimString(claims, "name")
	}
	if user.AccountNo == "" {
		if v := claimString(claims, "accountNo"); v != "" {
			user.AccountNo = v
		} else {
			user.AccountNo = claimString(claims, "account_no")
		}
	}
	if len(user.Roles) == 0 {
		user.Roles = claimRoles(claims)
	}
	if user.ExpiresAt.IsZero() {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			user.ExpiresAt = exp.Time
		}
	}
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// claimRoles accepts both a single role string and a role array.
func claimRoles(claims jwt.MapClaims) []string {
	switch v := claims["role"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		roles := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
		if len(roles) == 0 {
			return nil
		}
		return roles
	}
	return nil
}

// TokenExpiry returns the expiry hint carried by a JWT bearer token, or the
// zero time when the token is opaque or carries no exp claim.
func TokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
