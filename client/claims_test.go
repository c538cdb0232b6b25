package client

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

func TestUnverifiedDecoder(t *testing.T) {
	token := signIDToken(t, jwt.MapClaims{
		"sub":             "user-1",
		"email":           "ada@example.test",
		"email_confirmed": "True",
		"role":            "admin",
		"first_name":      "Ada",
		"exp":             time.Now().Add(-time.Hour).Unix(),
	})
	profile, err := UnverifiedDecoder{}.Decode(context.Background(), token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if profile.Subject != "user-1" || profile.FirstName != "Ada" || !profile.EmailConfirmed {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if !profile.HasRole("admin") {
		t.Fatalf("single string role not accepted: %v", profile.Roles)
	}
	if profile.ExpiresAt == nil || !profile.ExpiresAt.Before(time.Now()) {
		t.Fatalf("expired exp should be decoded as-is")
	}
	if profile.Raw["email"] != "ada@example.test" {
		t.Fatalf("raw claims missing")
	}
}

func TestUnverifiedDecoderRejectsGarbage(t *testing.T) {
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := (UnverifiedDecoder{}).Decode(context.Background(), token); !errors.Is(err, ErrDecode) {
			t.Fatalf("%q: expected ErrDecode, got %v", token, err)
		}
	}
}

type rsaSigner struct {
	key *rsa.PrivateKey
	kid string
}

func newRSASigner(t *testing.T, kid string) rsaSigner {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return rsaSigner{key: key, kid: kid}
}

func (s rsaSigner) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func (s rsaSigner) jwk() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &s.key.PublicKey, KeyID: s.kid, Algorithm: "RS256", Use: "sig"}
}

// jwksServer serves the signers currently in keys and counts fetches.
type jwksServer struct {
	*httptest.Server
	keys    atomic.Value
	fetches atomic.Int32
}

func newJWKSServer(t *testing.T, signers ...rsaSigner) *jwksServer {
	t.Helper()
	s := &jwksServer{}
	s.setKeys(signers...)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(s.keys.Load())
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setKeys(signers ...rsaSigner) {
	set := jose.JSONWebKeySet{}
	for _, signer := range signers {
		set.Keys = append(set.Keys, signer.jwk())
	}
	s.keys.Store(set)
}

func TestKeySetDecoder(t *testing.T) {
	signer := newRSASigner(t, "k1")
	jwks := newJWKSServer(t, signer)
	dec := NewKeySetDecoder(KeySetConfig{
		JWKSURL:           jwks.URL,
		Issuer:            "https://backend.test",
		ExpectedAudiences: []string{"spa"},
	})

	valid := jwt.MapClaims{
		"sub":  "user-1",
		"iss":  "https://backend.test",
		"aud":  []string{"spa"},
		"role": []string{"admin", "editor"},
		"exp":  time.Now().Add(-time.Minute).Unix(),
	}
	profile, err := dec.Decode(context.Background(), signer.sign(t, valid))
	if err != nil {
		t.Fatalf("expired but signed token should decode: %v", err)
	}
	if !profile.HasRole("editor") {
		t.Fatalf("unexpected roles %v", profile.Roles)
	}

	wrongIssuer := jwt.MapClaims{"sub": "user-1", "iss": "https://other.test", "aud": "spa"}
	if _, err := dec.Decode(context.Background(), signer.sign(t, wrongIssuer)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected issuer rejection, got %v", err)
	}

	wrongAudience := jwt.MapClaims{"sub": "user-1", "iss": "https://backend.test", "aud": "mobile"}
	if _, err := dec.Decode(context.Background(), signer.sign(t, wrongAudience)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected audience rejection, got %v", err)
	}

	forged := newRSASigner(t, "k1")
	if _, err := dec.Decode(context.Background(), forged.sign(t, valid)); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected signature rejection, got %v", err)
	}

	if n := jwks.fetches.Load(); n != 1 {
		t.Fatalf("expected the key set to be cached, fetched %d times", n)
	}
}

func TestKeySetDecoderRefetchesOnUnknownKid(t *testing.T) {
	old := newRSASigner(t, "old")
	jwks := newJWKSServer(t, old)
	dec := NewKeySetDecoder(KeySetConfig{JWKSURL: jwks.URL})

	if _, err := dec.Decode(context.Background(), old.sign(t, jwt.MapClaims{"sub": "u"})); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	rotated := newRSASigner(t, "new")
	jwks.setKeys(old, rotated)
	if _, err := dec.Decode(context.Background(), rotated.sign(t, jwt.MapClaims{"sub": "u"})); err != nil {
		t.Fatalf("rotated key should be picked up: %v", err)
	}
	if n := jwks.fetches.Load(); n != 2 {
		t.Fatalf("expected one refetch, got %d fetches", n)
	}
}

func TestOIDCDecoder(t *testing.T) {
	signer := newRSASigner(t, "k1")
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&signer.key.PublicKey}}
	verifier := oidc.NewVerifier("https://backend.test", keys, &oidc.Config{ClientID: "spa", SkipExpiryCheck: true})
	dec := NewOIDCDecoder(verifier)

	token := signer.sign(t, jwt.MapClaims{
		"sub":         "user-1",
		"iss":         "https://backend.test",
		"aud":         "spa",
		"unique_name": "ada",
		"exp":         time.Now().Add(-time.Hour).Unix(),
		"iat":         time.Now().Add(-2 * time.Hour).Unix(),
	})
	profile, err := dec.Decode(context.Background(), token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if profile.UniqueName != "ada" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	other := signer.sign(t, jwt.MapClaims{"sub": "user-1", "iss": "https://backend.test", "aud": "someone-else", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := dec.Decode(context.Background(), other); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected audience rejection, got %v", err)
	}
}

func TestMaxCacheDuration(t *testing.T) {
	if got := maxCacheDuration("public, max-age=120", time.Minute); got != 2*time.Minute {
		t.Fatalf("max-age = %s", got)
	}
	if got := maxCacheDuration("no-store", time.Minute); got != time.Minute {
		t.Fatalf("fallback = %s", got)
	}
}
