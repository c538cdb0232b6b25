package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Window is a popup showing the provider's authorization page.
type Window interface {
	// Location returns the popup's current URL. It fails while the popup is
	// on another origin.
	Location() (string, error)
	Closed() bool
	// Close is idempotent.
	Close() error
	Focus() error
}

// WindowOpener opens popups.
type WindowOpener interface {
	Open(ctx context.Context, url string, width, height int) (Window, error)
}

// Popup defaults.
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultPopupWidth   = 450
	DefaultPopupHeight  = 600
)

// AuthorizerConfig configures an Authorizer.
type AuthorizerConfig struct {
	Providers map[string]ProviderConfig
	// Origin is the application's own origin. The popup is done once it
	// reports a location on this origin.
	Origin       string
	PollInterval time.Duration
	PopupWidth   int
	PopupHeight  int
}

// Authorizer runs the implicit-style popup flow against external providers.
type Authorizer struct {
	cfg    AuthorizerConfig
	opener WindowOpener
	logger *slog.Logger
}

// NewAuthorizer constructs an Authorizer.
func NewAuthorizer(cfg AuthorizerConfig, opener WindowOpener, logger *slog.Logger) *Authorizer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PopupWidth <= 0 {
		cfg.PopupWidth = DefaultPopupWidth
	}
	if cfg.PopupHeight <= 0 {
		cfg.PopupHeight = DefaultPopupHeight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{cfg: cfg, opener: opener, logger: logger}
}

// AuthorizationURL builds the provider authorization request.
func (a *Authorizer) AuthorizationURL(providerName string) (string, error) {
	provider, ok := a.cfg.Providers[providerName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProviderNotConfigured, providerName)
	}
	oc := oauth2.Config{
		ClientID:    provider.ClientID,
		RedirectURL: provider.RedirectURI,
		Scopes:      provider.Scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: provider.AuthURL},
	}
	return oc.AuthCodeURL("",
		oauth2.SetAuthURLParam("response_type", "token"),
		oauth2.SetAuthURLParam("origin", a.origin(provider)),
	), nil
}

// Authorize opens a popup for providerName and returns the provider access
// token. Each call opens its own popup.
func (a *Authorizer) Authorize(ctx context.Context, providerName string) (string, error) {
	authURL, err := a.AuthorizationURL(providerName)
	if err != nil {
		return "", err
	}
	if a.opener == nil {
		return "", fmt.Errorf("open popup: no window opener configured")
	}
	provider := a.cfg.Providers[providerName]

	win, err := a.opener.Open(ctx, authURL, a.cfg.PopupWidth, a.cfg.PopupHeight)
	if err != nil {
		return "", fmt.Errorf("open popup: %w", err)
	}
	if err := win.Focus(); err != nil {
		a.logger.Debug("popup focus unavailable", "provider", providerName, "error", err)
	}
	a.logger.Info("authorization popup opened", "provider", providerName)

	final, err := a.poll(ctx, win, a.origin(provider))
	if cerr := win.Close(); cerr != nil {
		a.logger.Debug("popup close", "provider", providerName, "error", cerr)
	}
	if err != nil {
		return "", err
	}
	if final == "" {
		a.logger.Info("authorization cancelled", "provider", providerName)
		return "", ErrAuthorizationCancelled
	}
	return extractAccessToken(final)
}

func (a *Authorizer) poll(ctx context.Context, win Window, origin string) (string, error) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		// Reading the location fails while the popup is on the provider's
		// origin; that only means the flow is still running.
		if loc, err := win.Location(); err == nil && sameOrigin(loc, origin) {
			return loc, nil
		}
		if win.Closed() {
			return "", nil
		}
	}
}

func (a *Authorizer) origin(provider ProviderConfig) string {
	if a.cfg.Origin != "" {
		return a.cfg.Origin
	}
	return originOf(provider.RedirectURI)
}

func extractAccessToken(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAccessTokenParse, err)
	}
	params, err := url.ParseQuery(u.EscapedFragment())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAccessTokenParse, err)
	}
	if code := params.Get("error"); code != "" {
		return "", fmt.Errorf("%w: provider returned %s %s", ErrAccessTokenParse, code, params.Get("error_description"))
	}
	token := params.Get("access_token")
	if token == "" {
		return "", ErrAccessTokenParse
	}
	return token, nil
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func sameOrigin(location, origin string) bool {
	if origin == "" {
		return false
	}
	return originOf(location) == strings.TrimSuffix(strings.ToLower(origin), "/")
}
