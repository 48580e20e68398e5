package idptest

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/pquerna/otp/totp"

	"github.com/mochi-id/loginflow/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request", "message": "invalid JSON body"})
		return false
	}
	return true
}

func (s *Server) httpError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// rejectFactor reports a failed factor. Depending on configuration it uses
// either an HTTP error status or an in-band success:false body; real
// deployments do both and clients must cope with both.
func (s *Server) rejectFactor(w http.ResponseWriter, message string) {
	if s.inBand {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": message})
		return
	}
	s.httpError(w, http.StatusUnauthorized, "invalid_code", message)
}

// succeed issues a full login response for the user. Field spellings follow
// the configured dialect. The disclosed display name is the identity
// record: accounts that have not completed identity setup get no name, so
// clients route them through the setup step.
func (s *Server) succeed(w http.ResponseWriter, u *User) {
	token := s.mintToken(u)
	body := map[string]any{
		"success": true,
		"user": map[string]any{
			"email":     u.Email,
			"name":      u.IdentityName,
			"accountNo": u.AccountNo,
			"role":      u.Roles,
		},
	}
	if u.IdentityName != "" {
		body["name"] = u.IdentityName
	}
	seconds := int64(s.tokenTTL.Seconds())
	if s.legacy {
		body["login"] = token
		body["expires_in"] = seconds
	} else {
		body["token"] = token
		body["expiresIn"] = seconds
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) respondMFA(w http.ResponseWriter, partial string, remaining []protocol.Method) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mfa":       true,
		"partial":   partial,
		"remaining": protocol.MethodNames(remaining),
	})
}

// remainingFor lists the user's methods the partial session has not yet
// satisfied, preserving the account's declared order.
func remainingFor(u *User, sess *partialSession) []protocol.Method {
	var out []protocol.Method
	for _, m := range u.Methods {
		if !sess.satisfied[m] {
			out = append(out, m)
		}
	}
	return out
}

// finishFirstFactor issues either a full token or a partial session,
// depending on how many methods the account requires.
func (s *Server) finishFirstFactor(w http.ResponseWriter, u *User, method protocol.Method) {
	if len(u.Methods) <= 1 {
		s.succeed(w, u)
		return
	}
	partial := s.newPartial(u.Email, method)
	s.respondMFA(w, partial, remainingFor(u, s.partials[partial]))
}

func (s *Server) beginLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[req.Email]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"methods": []string{"email"}, "new": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"methods":    protocol.MethodNames(u.Methods),
		"hasPasskey": u.PasskeyID != "",
		"new":        false,
	})
}

func (s *Server) requestCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" {
		s.httpError(w, http.StatusBadRequest, "bad_request", "email is required")
		return
	}
	s.mu.Lock()
	code := s.newEmailCode(req.Email)
	s.mu.Unlock()

	// The code is echoed in the body: this server has no mail transport and
	// exists for development and tests.
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "code sent",
		"data":    map[string]string{"code": code},
	})
}

func (s *Server) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.codes[req.Code]
	if !ok {
		s.rejectFactor(w, "code not recognized or already used")
		return
	}
	delete(s.codes, req.Code)

	u, exists := s.users[email]
	if !exists {
		if !s.signup {
			s.httpError(w, http.StatusForbidden, "signup_disabled", "new accounts are not accepted")
			return
		}
		u = &User{Email: email, Methods: []protocol.Method{protocol.MethodEmail}}
		s.users[email] = u
	}
	if u.Suspended {
		s.httpError(w, http.StatusForbidden, "suspended", "account suspended")
		return
	}
	s.finishFirstFactor(w, u, protocol.MethodEmail)
}

func (s *Server) totpLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[req.Email]
	if !ok || !slices.Contains(u.Methods, protocol.MethodTOTP) {
		s.rejectFactor(w, "authenticator login not available")
		return
	}
	if u.Suspended {
		s.httpError(w, http.StatusForbidden, "suspended", "account suspended")
		return
	}
	if !totp.Validate(req.Code, u.TOTPSecret) {
		s.rejectFactor(w, "authenticator code rejected")
		return
	}
	s.finishFirstFactor(w, u, protocol.MethodTOTP)
}

func (s *Server) recoveryLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Code     string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[req.Username]
	if !ok {
		s.rejectFactor(w, "recovery code rejected")
		return
	}
	if u.Suspended {
		s.httpError(w, http.StatusForbidden, "suspended", "account suspended")
		return
	}
	i := slices.Index(u.RecoveryCodes, req.Code)
	if i < 0 {
		s.rejectFactor(w, "recovery code rejected")
		return
	}
	u.RecoveryCodes = slices.Delete(u.RecoveryCodes, i, i+1)
	s.finishFirstFactor(w, u, protocol.MethodRecovery)
}

// completeMFA accepts either one factor ("method" + "code") or several
// "<method>_code" fields at once. The multi-factor form is a transaction:
// every code is checked before any is consumed, so a rejection leaves the
// partial session exactly as it was.
func (s *Server) completeMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Partial      string `json:"partial"`
		Method       string `json:"method"`
		Code         string `json:"code"`
		EmailCode    string `json:"email_code"`
		TOTPCode     string `json:"totp_code"`
		RecoveryCode string `json:"recovery_code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.partials[req.Partial]
	if !ok || s.now().After(sess.expires) {
		delete(s.partials, req.Partial)
		s.httpError(w, http.StatusUnauthorized, "session_expired", "partial session expired")
		return
	}
	u, ok := s.users[sess.email]
	if !ok {
		s.httpError(w, http.StatusUnauthorized, "session_expired", "partial session expired")
		return
	}
	if u.Suspended {
		s.httpError(w, http.StatusForbidden, "suspended", "account suspended")
		return
	}

	submitted := map[protocol.Method]string{}
	if req.Method != "" {
		submitted[protocol.Method(req.Method)] = req.Code
	} else {
		if req.EmailCode != "" {
			submitted[protocol.MethodEmail] = req.EmailCode
		}
		if req.TOTPCode != "" {
			submitted[protocol.MethodTOTP] = req.TOTPCode
		}
		if req.RecoveryCode != "" {
			submitted[protocol.MethodRecovery] = req.RecoveryCode
		}
	}
	if len(submitted) == 0 {
		s.httpError(w, http.StatusBadRequest, "bad_request", "no factors submitted")
		return
	}

	// Check phase: nothing is consumed yet.
	for method, code := range submitted {
		if !slices.Contains(u.Methods, method) || !s.checkFactor(u, method, code) {
			s.rejectFactor(w, "factor rejected: "+string(method))
			return
		}
	}
	// Consume phase.
	for method, code := range submitted {
		s.consumeFactor(u, method, code)
		sess.satisfied[method] = true
	}

	remaining := remainingFor(u, sess)
	if len(remaining) > 0 {
		s.respondMFA(w, req.Partial, remaining)
		return
	}
	delete(s.partials, req.Partial)
	s.succeed(w, u)
}

// checkFactor verifies a code without consuming it.
func (s *Server) checkFactor(u *User, method protocol.Method, code string) bool {
	switch method {
	case protocol.MethodEmail:
		return s.codes[code] == u.Email
	case protocol.MethodTOTP:
		return totp.Validate(code, u.TOTPSecret)
	case protocol.MethodRecovery:
		return slices.Contains(u.RecoveryCodes, code)
	}
	return false
}

// consumeFactor invalidates single-use codes after a successful check.
func (s *Server) consumeFactor(u *User, method protocol.Method, code string) {
	switch method {
	case protocol.MethodEmail:
		delete(s.codes, code)
	case protocol.MethodRecovery:
		if i := slices.Index(u.RecoveryCodes, code); i >= 0 {
			u.RecoveryCodes = slices.Delete(u.RecoveryCodes, i, i+1)
		}
	}
}

func (s *Server) passkeyBegin(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ceremony := s.newCeremony()
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"ceremony": ceremony,
		"options": map[string]any{
			"publicKey": map[string]any{
				"challenge":        randomChallenge(),
				"timeout":          60000,
				"rpId":             "idptest.local",
				"userVerification": "preferred",
			},
		},
	})
}

// passkeyFinish consumes the ceremony whether or not the assertion is
// accepted. A retry must begin a new ceremony.
func (s *Server) passkeyFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ceremony string `json:"ceremony"`
		ID       string `json:"id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	used, ok := s.ceremony[req.Ceremony]
	if !ok || used {
		s.httpError(w, http.StatusUnauthorized, "session_expired", "unknown or used ceremony")
		return
	}
	s.ceremony[req.Ceremony] = true

	var u *User
	for _, candidate := range s.users {
		if candidate.PasskeyID != "" && candidate.PasskeyID == req.ID {
			u = candidate
			break
		}
	}
	if u == nil {
		s.rejectFactor(w, "assertion rejected")
		return
	}
	if u.Suspended {
		s.httpError(w, http.StatusForbidden, "suspended", "account suspended")
		return
	}

	// An in-flight partial session for this account is completed by the
	// passkey rather than starting a parallel attempt.
	for id, sess := range s.partials {
		if sess.email != u.Email || s.now().After(sess.expires) {
			continue
		}
		sess.satisfied[protocol.MethodPasskey] = true
		remaining := remainingFor(u, sess)
		if len(remaining) > 0 {
			s.respondMFA(w, id, remaining)
			return
		}
		delete(s.partials, id)
		s.succeed(w, u)
		return
	}
	s.finishFirstFactor(w, u, protocol.MethodPasskey)
}

func (s *Server) getIdentity(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.authedUser(r)
	if !ok {
		s.httpError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	body := map[string]any{
		"user": map[string]string{"email": u.Email, "name": u.Name},
	}
	if u.IdentityName != "" {
		body["identity"] = map[string]string{
			"name":    u.IdentityName,
			"privacy": u.IdentityPrivacy,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) postIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Privacy string `json:"privacy"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.authedUser(r)
	if !ok {
		s.httpError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}
	if req.Name == "" {
		s.httpError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	u.IdentityName = req.Name
	u.IdentityPrivacy = req.Privacy
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		delete(s.tokens, h[len(prefix):])
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
