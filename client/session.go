package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Config is the construction-time configuration of a Session.
type Config struct {
	TokenEndpoint            string
	RegisterExternalEndpoint string
	Providers                map[string]ProviderConfig
	Origin                   string
	Scope                    string
	StorageKey               string
	UserNotFoundDescription  string
	PollInterval             time.Duration
	PopupWidth               int
	PopupHeight              int
}

// Options carries the collaborators of a Session.
type Options struct {
	Storage   Storage
	Transport Transport
	Decoder   Decoder
	Opener    WindowOpener
	Logger    *slog.Logger
	AfterFunc AfterFunc
	Now       func() time.Time
}

// Session composes the state store, token exchange, refresh scheduling and
// the external authorization flow. Build one per process and share it.
type Session struct {
	state      *StateStore
	exchanger  *Exchanger
	refresher  *Refresher
	authorizer *Authorizer
	logger     *slog.Logger
}

// NewSession wires a Session. No I/O happens until Start.
func NewSession(cfg Config, opts Options) (*Session, error) {
	if cfg.TokenEndpoint == "" {
		return nil, errors.New("token endpoint required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Transport == nil {
		opts.Transport = NewHTTPTransport(nil, logger)
	}
	if opts.Decoder == nil {
		opts.Decoder = UnverifiedDecoder{}
	}

	providers := make(map[string]ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		p.Scopes = append([]string(nil), p.Scopes...)
		providers[name] = p
	}

	state := NewStateStore(logger)
	exchanger := NewExchanger(ExchangerConfig{
		TokenEndpoint:            cfg.TokenEndpoint,
		RegisterExternalEndpoint: cfg.RegisterExternalEndpoint,
		Scope:                    cfg.Scope,
		StorageKey:               cfg.StorageKey,
		UserNotFoundDescription:  cfg.UserNotFoundDescription,
	}, opts.Transport, opts.Decoder, opts.Storage, state, logger)
	refresher := NewRefresher(exchanger, state, opts.Decoder, opts.AfterFunc, logger)
	if opts.Now != nil {
		exchanger.now = opts.Now
		refresher.now = opts.Now
	}
	authorizer := NewAuthorizer(AuthorizerConfig{
		Providers:    providers,
		Origin:       cfg.Origin,
		PollInterval: cfg.PollInterval,
		PopupWidth:   cfg.PopupWidth,
		PopupHeight:  cfg.PopupHeight,
	}, opts.Opener, logger)

	return &Session{
		state:      state,
		exchanger:  exchanger,
		refresher:  refresher,
		authorizer: authorizer,
		logger:     logger,
	}, nil
}

// Start restores a persisted session. Finding none is not an error.
func (s *Session) Start(ctx context.Context) error {
	err := s.refresher.Startup(ctx)
	if errors.Is(err, ErrNoStoredToken) {
		return nil
	}
	return err
}

// LoginExternal authorizes with provider and exchanges the provider token for
// application tokens. When the backend does not know the identity and
// autoRegister is set, it registers and retries the exchange once.
func (s *Session) LoginExternal(ctx context.Context, provider string, autoRegister bool) (*AuthTokens, error) {
	accessToken, err := s.authorizer.Authorize(ctx, provider)
	if err != nil {
		return nil, err
	}

	grant := ExternalGrant{Assertion: accessToken, Provider: provider}
	tokens, err := s.exchanger.Exchange(ctx, grant, GrantTypeExternalIdentityToken)
	if err != nil && autoRegister && errors.Is(err, ErrBackendUserNotFound) {
		s.logger.Info("external identity unknown, registering", "provider", provider)
		if rerr := s.exchanger.Register(ctx, accessToken, provider); rerr != nil {
			return nil, fmt.Errorf("register external identity: %w", rerr)
		}
		tokens, err = s.exchanger.Exchange(ctx, grant, GrantTypeExternalIdentityToken)
	}
	if err != nil {
		return nil, err
	}
	s.refresher.Schedule()
	return tokens, nil
}

// RegisterExternal authorizes with provider and registers the identity with
// the backend. With autoLogin set it continues into the token exchange and
// returns the tokens; otherwise it returns nil tokens.
func (s *Session) RegisterExternal(ctx context.Context, provider string, autoLogin bool) (*AuthTokens, error) {
	accessToken, err := s.authorizer.Authorize(ctx, provider)
	if err != nil {
		return nil, err
	}
	if err := s.exchanger.Register(ctx, accessToken, provider); err != nil {
		return nil, err
	}
	if !autoLogin {
		return nil, nil
	}
	tokens, err := s.exchanger.Exchange(ctx, ExternalGrant{Assertion: accessToken, Provider: provider}, GrantTypeExternalIdentityToken)
	if err != nil {
		return nil, err
	}
	s.refresher.Schedule()
	return tokens, nil
}

// Refresh runs the refresh grant now and rearms the timer.
func (s *Session) Refresh(ctx context.Context) (*AuthTokens, error) {
	tokens, err := s.refresher.RefreshTokens(ctx)
	if err != nil {
		return nil, err
	}
	s.refresher.Schedule()
	return tokens, nil
}

// Logout resets the state, cancels the refresh timer and removes the
// persisted record. Calling it repeatedly is harmless.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.refresher.Reset(ctx); err != nil {
		s.logger.Warn("logout left a stored record", "error", err)
		return err
	}
	s.logger.Info("logged out")
	return nil
}

// IsInRole streams whether the profile carries role. It emits once AuthReady
// is set and reports false while logged out.
func (s *Session) IsInRole(role string) *Subscription[bool] {
	return watch(s.state, ready, func(st AuthState) bool { return st.Profile.HasRole(role) })
}

// HasRole is the snapshot form of IsInRole.
func (s *Session) HasRole(role string) bool {
	st := s.state.Current()
	return st.AuthReady && st.Profile.HasRole(role)
}

// State returns the current snapshot.
func (s *Session) State() AuthState {
	return s.state.Current()
}

// Store exposes the state store for subscriptions.
func (s *Session) Store() *StateStore {
	return s.state
}

// Refresher exposes the refresh scheduler.
func (s *Session) Refresher() *Refresher {
	return s.refresher
}

// AuthorizationURL returns the authorization request for provider.
func (s *Session) AuthorizationURL(provider string) (string, error) {
	return s.authorizer.AuthorizationURL(provider)
}

// TokenSource yields the session's current access token.
func (s *Session) TokenSource() oauth2.TokenSource {
	return TokenSource{state: s.state}
}

// HTTPClient returns a client that authenticates requests with the current
// access token.
func (s *Session) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, s.TokenSource())
}

// Close cancels the refresh timer and detaches all subscribers.
func (s *Session) Close() {
	s.refresher.Close()
	s.state.Close()
}

// TokenSource adapts the live session to oauth2.TokenSource.
type TokenSource struct {
	state *StateStore
}

// Token implements oauth2.TokenSource.
func (ts TokenSource) Token() (*oauth2.Token, error) {
	tokens := ts.state.Current().Tokens
	if tokens == nil {
		return nil, ErrNotLoggedIn
	}
	tok := &oauth2.Token{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokens.TokenType,
		RefreshToken: tokens.RefreshToken,
		Expiry:       tokens.Expiry(),
	}
	return tok.WithExtra(map[string]any{"id_token": tokens.IDToken}), nil
}
