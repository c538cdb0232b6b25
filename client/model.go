package client

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthTokens is the token endpoint reply plus the client-computed expiry.
type AuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	// ExpirationDate is epoch milliseconds rendered as a string. It is
	// recomputed on every receipt and never taken from the server.
	ExpirationDate string `json:"expiration_date,omitempty"`
}

// Expiry parses ExpirationDate. A missing or malformed value yields the zero time.
func (t *AuthTokens) Expiry() time.Time {
	if t == nil || t.ExpirationDate == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(t.ExpirationDate, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func expirationDate(now time.Time, expiresIn int64) string {
	return strconv.FormatInt(now.UnixMilli()+expiresIn*1000, 10)
}

// Roles accepts the role claim either as a single string or as an array.
type Roles []string

// UnmarshalJSON implements json.Unmarshaler.
func (r *Roles) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if single == "" {
			*r = nil
			return nil
		}
		*r = Roles{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*r = many
	return nil
}

// Contains reports whether role is present.
func (r Roles) Contains(role string) bool {
	for _, have := range r {
		if have == role {
			return true
		}
	}
	return false
}

// Profile is the decoded ID token claim set.
type Profile struct {
	Subject         string           `json:"sub"`
	TokenID         string           `json:"jti,omitempty"`
	Usage           string           `json:"useage,omitempty"`
	AccessTokenHash string           `json:"at_hash,omitempty"`
	NotBefore       *jwt.NumericDate `json:"nbf,omitempty"`
	ExpiresAt       *jwt.NumericDate `json:"exp,omitempty"`
	IssuedAt        *jwt.NumericDate `json:"iat,omitempty"`
	Issuer          string           `json:"iss,omitempty"`
	UniqueName      string           `json:"unique_name,omitempty"`
	Email           string           `json:"email,omitempty"`
	EmailConfirmed  bool             `json:"-"`
	Roles           Roles            `json:"role,omitempty"`
	FirstName       string           `json:"first_name,omitempty"`
	LastName        string           `json:"last_name,omitempty"`

	Raw map[string]any `json:"-"`
}

// HasRole reports whether the profile carries role. A nil profile has no roles.
func (p *Profile) HasRole(role string) bool {
	if p == nil {
		return false
	}
	return p.Roles.Contains(role)
}

// AuthState is the single source of truth for the session.
// Tokens and Profile are replaced wholesale and must not be mutated by readers.
type AuthState struct {
	Tokens    *AuthTokens
	Profile   *Profile
	AuthReady bool
}

// LoggedIn reports whether tokens are present.
func (s AuthState) LoggedIn() bool {
	return s.Tokens != nil
}

// StatePatch lists the fields an Update should overwrite.
type StatePatch struct {
	tokens     *AuthTokens
	profile    *Profile
	ready      bool
	setTokens  bool
	setProfile bool
	setReady   bool
}

// Patch starts an empty patch.
func Patch() StatePatch {
	return StatePatch{}
}

// WithTokens marks tokens for replacement.
func (p StatePatch) WithTokens(t *AuthTokens) StatePatch {
	p.tokens = t
	p.setTokens = true
	return p
}

// WithProfile marks the profile for replacement.
func (p StatePatch) WithProfile(profile *Profile) StatePatch {
	p.profile = profile
	p.setProfile = true
	return p
}

// WithReady marks the readiness flag for replacement.
func (p StatePatch) WithReady(ready bool) StatePatch {
	p.ready = ready
	p.setReady = true
	return p
}

func (p StatePatch) apply(prev AuthState) AuthState {
	next := prev
	if p.setTokens {
		next.Tokens = p.tokens
	}
	if p.setProfile {
		next.Profile = p.profile
	}
	if p.setReady {
		next.AuthReady = p.ready
	}
	if next.Tokens == nil {
		next.Profile = nil
	}
	return next
}

// ProviderConfig describes one external identity provider.
type ProviderConfig struct {
	ClientID    string
	Scopes      []string
	RedirectURI string
	// AuthURL is the provider's authorization endpoint.
	AuthURL string
}
