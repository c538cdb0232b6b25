package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Decoder turns an ID token into a Profile. Failures wrap ErrDecode.
type Decoder interface {
	Decode(ctx context.Context, idToken string) (*Profile, error)
}

// UnverifiedDecoder reads the payload without checking the signature.
type UnverifiedDecoder struct{}

// Decode implements Decoder.
func (UnverifiedDecoder) Decode(_ context.Context, idToken string) (*Profile, error) {
	if idToken == "" {
		return nil, fmt.Errorf("%w: id_token missing", ErrDecode)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return profileFromClaims(claims)
}

// OIDCDecoder verifies ID tokens with a go-oidc verifier.
type OIDCDecoder struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCDecoder wraps verifier. Stored sessions are decoded after expiry,
// so the verifier should be built with SkipExpiryCheck.
func NewOIDCDecoder(verifier *oidc.IDTokenVerifier) *OIDCDecoder {
	return &OIDCDecoder{verifier: verifier}
}

// Decode implements Decoder.
func (d *OIDCDecoder) Decode(ctx context.Context, idToken string) (*Profile, error) {
	if idToken == "" {
		return nil, fmt.Errorf("%w: id_token missing", ErrDecode)
	}
	tok, err := d.verifier.Verify(ctx, idToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var claims map[string]any
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return profileFromClaims(claims)
}

// KeySetConfig configures a KeySetDecoder.
type KeySetConfig struct {
	JWKSURL           string
	Issuer            string
	ExpectedAudiences []string
	CacheTTL          time.Duration
	HTTPClient        *http.Client
}

// KeySetDecoder checks ID token signatures against a cached JWKS document.
type KeySetDecoder struct {
	cfg    KeySetConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// NewKeySetDecoder creates a decoder with a five minute default cache.
func NewKeySetDecoder(cfg KeySetConfig) *KeySetDecoder {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &KeySetDecoder{cfg: cfg, client: client}
}

// Decode implements Decoder. Expiry is not enforced: a persisted session's ID
// token is decoded at startup even when it has lapsed.
func (d *KeySetDecoder) Decode(ctx context.Context, idToken string) (*Profile, error) {
	if idToken == "" {
		return nil, fmt.Errorf("%w: id_token missing", ErrDecode)
	}

	set, err := d.ensureJWKS(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	_, err = parser.ParseWithClaims(idToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// kid miss: the provider may have rotated keys
			if _, err := d.ensureJWKS(ctx, kid); err == nil {
				key = findKey(d.currentSet(), kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found")
		}
		return key.Key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	iss, _ := claims["iss"].(string)
	if d.cfg.Issuer != "" && iss != d.cfg.Issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrDecode)
	}
	if len(d.cfg.ExpectedAudiences) > 0 && !audienceAllowed(normalizeAudience(claims["aud"]), d.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience rejected", ErrDecode)
	}
	return profileFromClaims(claims)
}

func (d *KeySetDecoder) ensureJWKS(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	d.mu.RLock()
	cache := d.cache
	d.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) && kid == "" {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(d.cfg.CacheTTL)
		d.mu.Lock()
		d.cache = cache
		d.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = jwksCache{set: set, fetched: time.Now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), d.cfg.CacheTTL))

	d.mu.Lock()
	d.cache = cache
	d.mu.Unlock()

	return set, nil
}

func (d *KeySetDecoder) currentSet() jose.JSONWebKeySet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cache.set
}

func profileFromClaims(claims map[string]any) (*Profile, error) {
	b, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	var profile Profile
	if err := json.Unmarshal(b, &profile); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	profile.Raw = claims
	switch v := claims["email_confirmed"].(type) {
	case bool:
		profile.EmailConfirmed = v
	case string:
		profile.EmailConfirmed = strings.EqualFold(v, "true")
	}
	return &profile, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func audienceAllowed(aud, expected []string) bool {
	for _, a := range aud {
		for _, exp := range expected {
			if a == exp {
				return true
			}
		}
	}
	return false
}

func normalizeAudience(val any) []string {
	switch v := val.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		res := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				res = append(res, s)
			}
		}
		return res
	case []string:
		return v
	default:
		return nil
	}
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
