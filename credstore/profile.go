package credstore

import "encoding/json"

// Privacy is the visibility setting of a user identity.
type Privacy string

const (
	// PrivacyPublic makes the identity visible to other users.
	PrivacyPublic Privacy = "public"
	// PrivacyPrivate hides the identity from other users.
	PrivacyPrivate Privacy = "private"
)

// Valid reports whether p is one of the two recognized settings.
func (p Privacy) Valid() bool {
	return p == PrivacyPublic || p == PrivacyPrivate
}

// Profile is the lightweight user record persisted alongside the token.
// All fields are optional; empty fields are omitted from the stored JSON.
type Profile struct {
	Email   string  `json:"email,omitempty"`
	Name    string  `json:"name,omitempty"`
	Privacy Privacy `json:"privacy,omitempty"`
}

// IsZero reports whether the profile carries no data.
func (p Profile) IsZero() bool {
	return p.Email == "" && p.Name == "" && p.Privacy == ""
}

// ProfilePatch describes a partial profile update. A nil field keeps the
// stored value; a pointer to the zero value clears it.
type ProfilePatch struct {
	Email   *string
	Name    *string
	Privacy *Privacy
}

// Value returns a pointer suitable for a patch field that sets v.
func Value[T any](v T) *T { return &v }

// Clear returns a pointer that clears a string patch field.
func Clear() *string {
	empty := ""
	return &empty
}

// ClearPrivacy returns a pointer that clears the privacy patch field.
func ClearPrivacy() *Privacy {
	empty := Privacy("")
	return &empty
}

// sanitizeProfile drops empty fields and invalid privacy values so that a
// stale or hand-edited record cannot smuggle junk into the session.
func sanitizeProfile(p Profile) Profile {
	out := Profile{}
	if p.Email != "" {
		out.Email = p.Email
	}
	if p.Name != "" {
		out.Name = p.Name
	}
	if p.Privacy.Valid() {
		out.Privacy = p.Privacy
	}
	return out
}

// ReadProfile loads the profile record from s. A missing record yields a
// zero profile. A malformed record is deleted and treated as absent, so the
// store self-heals on the next read.
func ReadProfile(s Store) Profile {
	raw, ok := s.Get(KeyProfile)
	if !ok || raw == "" {
		return Profile{}
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.Remove(KeyProfile)
		return Profile{}
	}
	return sanitizeProfile(p)
}

// WriteProfile persists p to s, removing the record entirely when the
// sanitized profile is empty.
func WriteProfile(s Store, p Profile, opts Options) Profile {
	p = sanitizeProfile(p)
	if p.IsZero() {
		s.Remove(KeyProfile)
		return Profile{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		// Profile contains only strings; marshal cannot realistically fail.
		return p
	}
	s.Set(KeyProfile, string(raw), opts)
	return p
}

// MergeProfile applies patch to the stored profile and persists the result.
// It returns the profile as stored.
func MergeProfile(s Store, patch ProfilePatch, opts Options) Profile {
	current := ReadProfile(s)
	next := Profile{
		Email:   mergeField(patch.Email, current.Email),
		Name:    mergeField(patch.Name, current.Name),
		Privacy: mergeField(patch.Privacy, current.Privacy),
	}
	return WriteProfile(s, next, opts)
}

// ClearProfile removes the profile record.
func ClearProfile(s Store) {
	s.Remove(KeyProfile)
}

func mergeField[T comparable](patch *T, current T) T {
	if patch == nil {
		return current
	}
	return *patch
}
