// Package app loads configuration and assembles a client.Session from it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"oidcclient/client"
	"oidcclient/store"
)

// App owns a configured Session and the resources behind it.
type App struct {
	Config  Config
	Logger  *slog.Logger
	Session *client.Session

	storage io.Closer
}

// Options overrides collaborators New would otherwise build from Config.
type Options struct {
	Opener     client.WindowOpener
	HTTPClient *http.Client
	AfterFunc  client.AfterFunc
}

// New wires storage, claim decoding and transport per cfg. When an issuer is
// configured its discovery document fills a missing token endpoint.
func New(ctx context.Context, cfg Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Client.RequestTimeout}
	}

	var discovery *Discovery
	if cfg.Client.Issuer != "" {
		d, err := Discover(ctx, cfg.Client.Issuer, httpClient, logger)
		if err != nil {
			return nil, err
		}
		discovery = d
		if cfg.Client.TokenEndpoint == "" {
			cfg.Client.TokenEndpoint = d.TokenEndpoint
		}
	}
	if cfg.Client.TokenEndpoint == "" {
		return nil, errors.New("token endpoint not configured and not discoverable")
	}

	decoder, err := buildDecoder(cfg, discovery, httpClient)
	if err != nil {
		return nil, err
	}

	storage, closer, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession(client.Config{
		TokenEndpoint:            cfg.Client.TokenEndpoint,
		RegisterExternalEndpoint: cfg.Client.RegisterExternalEndpoint,
		Providers:                cfg.ClientProviders(),
		Origin:                   cfg.Client.Origin,
		Scope:                    cfg.Client.Scope,
		UserNotFoundDescription:  cfg.Client.UserNotFoundDescription,
		PollInterval:             cfg.Client.PollInterval,
		PopupWidth:               cfg.Client.PopupWidth,
		PopupHeight:              cfg.Client.PopupHeight,
	}, client.Options{
		Storage:   storage,
		Transport: client.NewHTTPTransport(httpClient, logger),
		Decoder:   decoder,
		Opener:    opts.Opener,
		Logger:    logger,
		AfterFunc: opts.AfterFunc,
	})
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("init session: %w", err)
	}

	logger.Info("client configured",
		"token_endpoint", cfg.Client.TokenEndpoint,
		"storage", cfg.Storage.Driver,
		"claims", cfg.Claims.Mode,
		"providers", len(cfg.Providers),
	)
	return &App{Config: cfg, Logger: logger, Session: session, storage: closer}, nil
}

// Close stops the session and releases storage.
func (a *App) Close() error {
	a.Session.Close()
	return a.storage.Close()
}

func buildDecoder(cfg Config, discovery *Discovery, httpClient *http.Client) (client.Decoder, error) {
	var audiences []string
	if cfg.Claims.Audience != "" {
		audiences = []string{cfg.Claims.Audience}
	}
	switch cfg.Claims.Mode {
	case "", ClaimsUnverified:
		return client.UnverifiedDecoder{}, nil
	case ClaimsJWKS:
		return client.NewKeySetDecoder(client.KeySetConfig{
			JWKSURL:           cfg.Claims.JWKSURL,
			Issuer:            cfg.Client.Issuer,
			ExpectedAudiences: audiences,
			HTTPClient:        httpClient,
		}), nil
	case ClaimsDiscovery:
		if discovery == nil {
			return nil, errors.New("claims mode discovery requires client.issuer")
		}
		return client.NewOIDCDecoder(discovery.Verifier(cfg.Claims.Audience)), nil
	default:
		return nil, fmt.Errorf("unknown claims mode %q", cfg.Claims.Mode)
	}
}

func openStorage(ctx context.Context, cfg StorageConfig) (client.Storage, io.Closer, error) {
	switch cfg.Driver {
	case StorageMemory:
		s := store.NewMemory()
		return s, s, nil
	case StorageFile, StorageBolt:
		path, err := expandHome(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Driver == StorageFile {
			s, err := store.OpenFile(path)
			if err != nil {
				return nil, nil, err
			}
			return s, s, nil
		}
		s, err := store.OpenBolt(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case StorageRedis:
		s, err := store.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
