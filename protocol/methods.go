package protocol

// Method identifies one verification mechanism a server may require.
type Method string

const (
	// MethodEmail is a one-time code delivered out of band to the email address.
	MethodEmail Method = "email"
	// MethodTOTP is a time-based code from an authenticator app.
	MethodTOTP Method = "totp"
	// MethodPasskey is a WebAuthn assertion from a platform authenticator.
	MethodPasskey Method = "passkey"
	// MethodRecovery is a single-use backup recovery code.
	MethodRecovery Method = "recovery"
)

// Valid reports whether m is a recognized method.
func (m Method) Valid() bool {
	switch m {
	case MethodEmail, MethodTOTP, MethodPasskey, MethodRecovery:
		return true
	}
	return false
}

// Label returns a short human-readable name for the method, for embedders
// that render a method selector.
func (m Method) Label() string {
	switch m {
	case MethodEmail:
		return "Email Code"
	case MethodTOTP:
		return "Authenticator App"
	case MethodPasskey:
		return "Passkey"
	case MethodRecovery:
		return "Recovery Code"
	}
	return string(m)
}

// Description returns a one-line hint for the method.
func (m Method) Description() string {
	switch m {
	case MethodEmail:
		return "Enter the code sent to your email address"
	case MethodTOTP:
		return "Enter a code from your authenticator app"
	case MethodPasskey:
		return "Use your passkey or security key"
	case MethodRecovery:
		return "Use a backup recovery code"
	}
	return ""
}

// ParseMethods converts a server-declared method list, dropping entries the
// client does not recognize so that a newer server cannot wedge an older
// client.
func ParseMethods(names []string) []Method {
	out := make([]Method, 0, len(names))
	for _, name := range names {
		if m := Method(name); m.Valid() {
			out = append(out, m)
		}
	}
	return out
}

// MethodNames converts methods back to their wire spelling.
func MethodNames(methods []Method) []string {
	out := make([]string, len(methods))
	for i, m := range methods {
		out[i] = string(m)
	}
	return out
}
