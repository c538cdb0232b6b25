package app

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"gopkg.in/yaml.v3"

	"oidcclient/client"
)

// Claims decoding modes.
const (
	ClaimsUnverified = "unverified"
	ClaimsJWKS       = "jwks"
	ClaimsDiscovery  = "discovery"
)

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageBolt   = "bolt"
	StorageRedis  = "redis"
)

// Hardcoded request defaults
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultStoragePath    = "~/.config/oidcclient"
	DefaultRedisPrefix    = "oidcclient:"
)

// Config captures the full client configuration loaded from YAML and environment variables.
type Config struct {
	Client    ClientConfig              `yaml:"client"`
	Claims    ClaimsConfig              `yaml:"claims"`
	Storage   StorageConfig             `yaml:"storage"`
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ClientConfig names the application backend and the popup behaviour.
type ClientConfig struct {
	TokenEndpoint            string        `yaml:"token_endpoint"`
	RegisterExternalEndpoint string        `yaml:"register_external_endpoint"`
	Issuer                   string        `yaml:"issuer"`
	Origin                   string        `yaml:"origin"`
	Scope                    string        `yaml:"scope"`
	UserNotFoundDescription  string        `yaml:"user_not_found_description"`
	AutoRegister             bool          `yaml:"auto_register"`
	PollInterval             time.Duration `yaml:"poll_interval"`
	PopupWidth               int           `yaml:"popup_width"`
	PopupHeight              int           `yaml:"popup_height"`
	RequestTimeout           time.Duration `yaml:"request_timeout"`
}

// ClaimsConfig selects how ID tokens are decoded.
type ClaimsConfig struct {
	Mode     string `yaml:"mode"`
	JWKSURL  string `yaml:"jwks_url"`
	Audience string `yaml:"audience"`
}

// StorageConfig selects where the token record is persisted.
type StorageConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// ProviderConfig describes an external identity provider.
type ProviderConfig struct {
	ClientID    string   `yaml:"client_id"`
	Scopes      []string `yaml:"scopes"`
	RedirectURI string   `yaml:"redirect_uri"`
	AuthURL     string   `yaml:"auth_url,omitempty"`
}

// wellKnownEndpoints supplies auth_url for providers named after them.
var wellKnownEndpoints = map[string]oauth2.Endpoint{
	"google":    endpoints.Google,
	"facebook":  endpoints.Facebook,
	"github":    endpoints.GitHub,
	"microsoft": endpoints.Microsoft,
	"gitlab":    endpoints.GitLab,
	"linkedin":  endpoints.LinkedIn,
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Client: ClientConfig{
			Scope:                   client.DefaultScope,
			UserNotFoundDescription: "The user does not exist",
			PollInterval:            client.DefaultPollInterval,
			PopupWidth:              client.DefaultPopupWidth,
			PopupHeight:             client.DefaultPopupHeight,
			RequestTimeout:          DefaultRequestTimeout,
		},
		Claims: ClaimsConfig{Mode: ClaimsUnverified},
		Storage: StorageConfig{
			Driver:      StorageFile,
			Path:        DefaultStoragePath,
			RedisPrefix: DefaultRedisPrefix,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	cfg := defaultConfig()
	cfg.Client.TokenEndpoint = "http://127.0.0.1:5000/connect/token"
	cfg.Client.RegisterExternalEndpoint = "http://127.0.0.1:5000/api/account/registerexternal"
	cfg.Providers = map[string]ProviderConfig{
		"google": {
			ClientID:    "your-google-client-id",
			Scopes:      []string{"openid", "email", "profile"},
			RedirectURI: "http://127.0.0.1:4200/auth-callback",
		},
	}
	return cfg
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCC_CLIENT_TOKEN_ENDPOINT":             func(v string) { cfg.Client.TokenEndpoint = v },
		"OIDCC_CLIENT_REGISTER_EXTERNAL_ENDPOINT": func(v string) { cfg.Client.RegisterExternalEndpoint = v },
		"OIDCC_CLIENT_ISSUER":                     func(v string) { cfg.Client.Issuer = v },
		"OIDCC_CLIENT_ORIGIN":                     func(v string) { cfg.Client.Origin = v },
		"OIDCC_CLIENT_SCOPE":                      func(v string) { cfg.Client.Scope = strings.Join(splitScopes(v), " ") },
		"OIDCC_CLIENT_AUTO_REGISTER":              func(v string) { cfg.Client.AutoRegister = parseBool(v, cfg.Client.AutoRegister) },
		"OIDCC_CLIENT_POLL_INTERVAL":              func(v string) { cfg.Client.PollInterval = parseDuration(v, cfg.Client.PollInterval) },
		"OIDCC_CLIENT_REQUEST_TIMEOUT":            func(v string) { cfg.Client.RequestTimeout = parseDuration(v, cfg.Client.RequestTimeout) },
		"OIDCC_CLAIMS_MODE":                       func(v string) { cfg.Claims.Mode = strings.ToLower(strings.TrimSpace(v)) },
		"OIDCC_CLAIMS_JWKS_URL":                   func(v string) { cfg.Claims.JWKSURL = v },
		"OIDCC_CLAIMS_AUDIENCE":                   func(v string) { cfg.Claims.Audience = v },
		"OIDCC_STORAGE_DRIVER":                    func(v string) { cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(v)) },
		"OIDCC_STORAGE_PATH":                      func(v string) { cfg.Storage.Path = v },
		"OIDCC_STORAGE_REDIS_ADDR":                func(v string) { cfg.Storage.RedisAddr = v },
		"OIDCC_STORAGE_REDIS_PREFIX":              func(v string) { cfg.Storage.RedisPrefix = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}

	// Provider client IDs differ per environment: OIDCC_PROVIDER_<NAME>_CLIENT_ID
	for name, p := range cfg.Providers {
		if val, ok := os.LookupEnv("OIDCC_PROVIDER_" + strings.ToUpper(name) + "_CLIENT_ID"); ok {
			p.ClientID = val
			cfg.Providers[name] = p
		}
	}
}

// WellKnownProvider reports whether name has a built-in authorization endpoint.
func WellKnownProvider(name string) bool {
	_, ok := wellKnownEndpoints[strings.ToLower(name)]
	return ok
}

func (c *Config) applyProviderDefaults() {
	for name, p := range c.Providers {
		if p.AuthURL == "" {
			if ep, ok := wellKnownEndpoints[strings.ToLower(name)]; ok {
				p.AuthURL = ep.AuthURL
				c.Providers[name] = p
			}
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

// splitScopes accepts space or comma separated scope lists.
func splitScopes(val string) []string {
	return strings.FieldsFunc(val, func(r rune) bool { return r == ' ' || r == ',' })
}

// expandHome resolves a leading ~ against the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Client.TokenEndpoint == "" && c.Client.Issuer == "" {
		slog.Error("Missing required configuration", "field", "client.token_endpoint", "reason", "set token_endpoint or issuer")
		return errors.New("client.token_endpoint or client.issuer is required")
	}
	urls := map[string]string{
		"client.token_endpoint":             c.Client.TokenEndpoint,
		"client.register_external_endpoint": c.Client.RegisterExternalEndpoint,
		"client.issuer":                     c.Client.Issuer,
		"client.origin":                     c.Client.Origin,
		"claims.jwks_url":                   c.Claims.JWKSURL,
	}
	for _, field := range sortedKeys(urls) {
		if v := urls[field]; v != "" && !isHTTPURL(v) {
			slog.Error("Invalid configuration value", "field", field, "value", v, "reason", "must start with http:// or https://")
			return fmt.Errorf("%s must start with http:// or https://, got: %s", field, v)
		}
	}

	if c.Client.PollInterval <= 0 {
		slog.Error("Invalid configuration value", "field", "client.poll_interval", "value", c.Client.PollInterval)
		return fmt.Errorf("client.poll_interval must be positive, got: %s", c.Client.PollInterval)
	}
	if c.Client.RequestTimeout <= 0 {
		slog.Error("Invalid configuration value", "field", "client.request_timeout", "value", c.Client.RequestTimeout)
		return fmt.Errorf("client.request_timeout must be positive, got: %s", c.Client.RequestTimeout)
	}
	if c.Client.PopupWidth <= 0 || c.Client.PopupHeight <= 0 {
		slog.Error("Invalid popup size", "width", c.Client.PopupWidth, "height", c.Client.PopupHeight)
		return fmt.Errorf("client.popup_width and client.popup_height must be positive, got: %dx%d", c.Client.PopupWidth, c.Client.PopupHeight)
	}

	switch c.Claims.Mode {
	case ClaimsUnverified:
	case ClaimsJWKS:
		if c.Claims.JWKSURL == "" {
			slog.Error("Missing required configuration", "field", "claims.jwks_url", "mode", c.Claims.Mode)
			return errors.New("claims.jwks_url is required when claims.mode is jwks")
		}
	case ClaimsDiscovery:
		if c.Client.Issuer == "" {
			slog.Error("Missing required configuration", "field", "client.issuer", "mode", c.Claims.Mode)
			return errors.New("client.issuer is required when claims.mode is discovery")
		}
	default:
		slog.Error("Invalid claims mode", "field", "claims.mode", "value", c.Claims.Mode, "valid_values", []string{ClaimsUnverified, ClaimsJWKS, ClaimsDiscovery})
		return fmt.Errorf("claims.mode must be one of unverified, jwks, discovery, got: %s", c.Claims.Mode)
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageFile, StorageBolt:
		if strings.TrimSpace(c.Storage.Path) == "" {
			slog.Error("Missing required configuration", "field", "storage.path", "driver", c.Storage.Driver)
			return fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			slog.Error("Missing required configuration", "field", "storage.redis_addr", "driver", c.Storage.Driver)
			return errors.New("storage.redis_addr is required for the redis driver")
		}
	default:
		slog.Error("Invalid storage driver", "field", "storage.driver", "value", c.Storage.Driver, "valid_values", []string{StorageMemory, StorageFile, StorageBolt, StorageRedis})
		return fmt.Errorf("storage.driver must be one of memory, file, bolt, redis, got: %s", c.Storage.Driver)
	}

	if len(c.Providers) == 0 {
		slog.Error("No providers configured", "reason", "at least one external provider must be configured")
		return errors.New("at least one provider must be configured")
	}
	for _, name := range sortedKeys(c.Providers) {
		p := c.Providers[name]
		if p.ClientID == "" {
			slog.Error("Provider missing client_id", "provider", name)
			return fmt.Errorf("providers.%s.client_id is required", name)
		}
		if !isHTTPURL(p.RedirectURI) {
			slog.Error("Invalid redirect URI", "provider", name, "redirect_uri", p.RedirectURI, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("providers.%s.redirect_uri must start with http:// or https://, got: %s", name, p.RedirectURI)
		}
		if p.AuthURL == "" {
			slog.Error("Provider missing auth_url", "provider", name, "known", sortedKeys(wellKnownEndpoints))
			return fmt.Errorf("providers.%s.auth_url is required for providers without a built-in endpoint", name)
		}
		if !isHTTPURL(p.AuthURL) {
			slog.Error("Invalid auth URL", "provider", name, "auth_url", p.AuthURL)
			return fmt.Errorf("providers.%s.auth_url must start with http:// or https://, got: %s", name, p.AuthURL)
		}
	}

	return nil
}

// ClientProviders converts the provider table for client.Config.
func (c Config) ClientProviders() map[string]client.ProviderConfig {
	out := make(map[string]client.ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = client.ProviderConfig{
			ClientID:    p.ClientID,
			Scopes:      append([]string(nil), p.Scopes...),
			RedirectURI: p.RedirectURI,
			AuthURL:     p.AuthURL,
		}
	}
	return out
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
