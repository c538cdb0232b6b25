package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Discovery is the subset of the issuer's openid-configuration the client uses.
type Discovery struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
	JWKSURI       string `json:"jwks_uri"`

	provider *oidc.Provider
}

// Discover fetches issuer's /.well-known/openid-configuration.
func Discover(ctx context.Context, issuer string, httpClient *http.Client, logger *slog.Logger) (*Discovery, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", issuer, err)
	}
	d := &Discovery{provider: provider}
	if err := provider.Claims(d); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	if d.TokenEndpoint == "" {
		d.TokenEndpoint = provider.Endpoint().TokenURL
	}
	logger.Debug("issuer discovered", "issuer", d.Issuer, "token_endpoint", d.TokenEndpoint, "jwks_uri", d.JWKSURI)
	return d, nil
}

// Verifier returns an ID token verifier backed by the issuer's key set.
// Expiry is not checked: a stored session's ID token is decoded after it
// lapses and refreshed right away.
func (d *Discovery) Verifier(audience string) *oidc.IDTokenVerifier {
	return d.provider.Verifier(&oidc.Config{
		ClientID:          audience,
		SkipClientIDCheck: audience == "",
		SkipExpiryCheck:   true,
	})
}
