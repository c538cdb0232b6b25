package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Grant types understood by the token endpoint.
const (
	GrantTypeRefreshToken          = "refresh_token"
	GrantTypeExternalIdentityToken = "urn:ietf:params:oauth:grant-type:external_identity_token"
)

// DefaultScope is requested on every token exchange.
const DefaultScope = "openid offline_access"

// DefaultStorageKey names the persisted token record.
const DefaultStorageKey = "oidc-token"

// Grant renders the grant-specific token request fields.
type Grant interface {
	Values() url.Values
}

// RefreshGrant exchanges a refresh token.
type RefreshGrant struct {
	RefreshToken string
}

// Values implements Grant.
func (g RefreshGrant) Values() url.Values {
	return url.Values{"refresh_token": {g.RefreshToken}}
}

// ExternalGrant exchanges a provider access token for application tokens.
type ExternalGrant struct {
	Assertion string
	Provider  string
}

// Values implements Grant.
func (g ExternalGrant) Values() url.Values {
	return url.Values{"assertion": {g.Assertion}, "provider": {g.Provider}}
}

// Storage persists the token record. Get returns nil, nil when nothing is stored.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// ExchangerConfig configures an Exchanger.
type ExchangerConfig struct {
	TokenEndpoint            string
	RegisterExternalEndpoint string
	Scope                    string
	StorageKey               string
	// UserNotFoundDescription is matched against the backend's
	// error_description to detect an unknown external identity.
	UserNotFoundDescription string
}

// Exchanger performs token endpoint calls and publishes the result.
type Exchanger struct {
	cfg       ExchangerConfig
	transport Transport
	decoder   Decoder
	storage   Storage
	state     *StateStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewExchanger constructs an Exchanger.
func NewExchanger(cfg ExchangerConfig, transport Transport, decoder Decoder, storage Storage, state *StateStore, logger *slog.Logger) *Exchanger {
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchanger{
		cfg:       cfg,
		transport: transport,
		decoder:   decoder,
		storage:   storage,
		state:     state,
		logger:    logger,
		now:       time.Now,
	}
}

// Exchange posts grant to the token endpoint. On success the tokens are
// published with AuthReady set, then persisted. On failure the state is left
// untouched. A logout while the request is in flight discards the reply
// with ErrLoggedOut.
func (e *Exchanger) Exchange(ctx context.Context, grant Grant, grantType string) (*AuthTokens, error) {
	epoch := e.state.Epoch()
	form := grant.Values()
	form.Set("grant_type", grantType)
	form.Set("scope", e.cfg.Scope)

	resp, err := e.transport.PostForm(ctx, e.cfg.TokenEndpoint, form)
	if err != nil {
		e.logger.Warn("token exchange failed", "grant_type", grantType, "error", err)
		return nil, markUserNotFound(err, e.cfg.UserNotFoundDescription)
	}
	receivedAt := e.now()

	var tokens AuthTokens
	if err := json.Unmarshal(resp.Body, &tokens); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", ErrTransport, err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response without access_token", ErrTransport)
	}
	tokens.ExpirationDate = expirationDate(receivedAt, tokens.ExpiresIn)

	profile, err := e.decoder.Decode(ctx, tokens.IDToken)
	if err != nil {
		e.logger.Warn("id token rejected", "grant_type", grantType, "error", err)
		return nil, fmt.Errorf("decode id_token: %w", err)
	}

	if _, ok := e.state.UpdateIf(epoch, Patch().WithTokens(&tokens).WithProfile(profile).WithReady(true)); !ok {
		e.logger.Info("session logged out during exchange, tokens discarded", "grant_type", grantType)
		return nil, ErrLoggedOut
	}
	e.persist(ctx, tokens)
	if e.state.Epoch() != epoch {
		// logout raced the write; its removal may have run first
		if e.state.Current().Tokens != nil {
			return nil, ErrLoggedOut
		}
		if err := e.clear(context.WithoutCancel(ctx)); err != nil {
			e.logger.Error("drop token record written after logout", "error", err)
		}
		return nil, ErrLoggedOut
	}
	e.logger.Info("tokens received", "grant_type", grantType, "sub", profile.Subject, "expires_in", tokens.ExpiresIn)
	return &tokens, nil
}

// Register creates a backend account for an external identity.
func (e *Exchanger) Register(ctx context.Context, accessToken, provider string) error {
	body := map[string]string{"accessToken": accessToken, "provider": provider}
	if _, err := e.transport.PostJSON(ctx, e.cfg.RegisterExternalEndpoint, body); err != nil {
		e.logger.Warn("external registration failed", "provider", provider, "error", err)
		return err
	}
	e.logger.Info("external identity registered", "provider", provider)
	return nil
}

// persist does not fail the exchange: the in-memory session stays valid
// even if the record cannot be written.
func (e *Exchanger) persist(ctx context.Context, tokens AuthTokens) {
	payload, err := json.Marshal(tokens)
	if err != nil {
		e.logger.Error("marshal token record", "error", err)
		return
	}
	if err := e.storage.Set(ctx, e.cfg.StorageKey, payload); err != nil {
		e.logger.Error("persist token record", "key", e.cfg.StorageKey, "error", err)
	}
}

func (e *Exchanger) load(ctx context.Context) (*AuthTokens, error) {
	payload, err := e.storage.Get(ctx, e.cfg.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("read token record: %w", err)
	}
	if payload == nil {
		return nil, nil
	}
	var tokens AuthTokens
	if err := json.Unmarshal(payload, &tokens); err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}
	return &tokens, nil
}

func (e *Exchanger) clear(ctx context.Context) error {
	if err := e.storage.Remove(ctx, e.cfg.StorageKey); err != nil {
		return fmt.Errorf("remove token record: %w", err)
	}
	return nil
}
