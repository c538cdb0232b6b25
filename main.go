package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"oidcclient/app"
	"oidcclient/client"
	"oidcclient/popup"
)

const usageText = `usage: %s [flags] <command> [args]

commands:
  login [-register] <provider>   sign in through the provider popup
  register [-login] <provider>   register the provider identity with the backend
  status                         print the current session
  refresh                        exchange the refresh token now
  logout                         drop the session and the stored tokens
  role <name>                    print whether the signed-in user has a role
  token                          print the current access token
  get <url>                      GET url with the access token attached
  connect <provider>             check that the provider authorization page is reachable
  watch                          keep the session fresh and print every change

flags:
`

func main() {
	configPath := flag.String("config", os.Getenv("OIDCC_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usageText, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	// stdout carries command output
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger, app.Options{
		Opener: &popup.Opener{Logger: logger},
	})
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	if err := application.Session.Start(ctx); err != nil {
		// an unrecoverable stored session has already been logged out
		logger.Warn("stored session not restored", "error", err)
	}

	err = runCommand(ctx, application, args, os.Stdout)
	_ = application.Close()
	if err != nil {
		logger.Error("command failed", "command", args[0], "error", err)
		os.Exit(1)
	}
}

// runCommand dispatches args[0] against a started session.
func runCommand(ctx context.Context, a *app.App, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("command required")
	}
	command, rest := args[0], args[1:]
	session := a.Session

	switch command {
	case "login":
		fs := flag.NewFlagSet("login", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		register := fs.Bool("register", a.Config.Client.AutoRegister, "Register the identity when the backend does not know it")
		provider, err := providerArg(fs, rest)
		if err != nil {
			return err
		}
		if _, err := session.LoginExternal(ctx, provider, *register); err != nil {
			return fmt.Errorf("login with %s: %w", provider, err)
		}
		a.Logger.Info("logged in", "provider", provider)
		return writeStatus(out, session)

	case "register":
		fs := flag.NewFlagSet("register", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		login := fs.Bool("login", true, "Sign in after registering")
		provider, err := providerArg(fs, rest)
		if err != nil {
			return err
		}
		tokens, err := session.RegisterExternal(ctx, provider, *login)
		if err != nil {
			return fmt.Errorf("register with %s: %w", provider, err)
		}
		a.Logger.Info("registered", "provider", provider, "logged_in", tokens != nil)
		return writeStatus(out, session)

	case "status":
		return writeStatus(out, session)

	case "refresh":
		if _, err := session.Refresh(ctx); err != nil {
			return err
		}
		return writeStatus(out, session)

	case "logout":
		return session.Logout(ctx)

	case "role":
		if len(rest) != 1 {
			return errors.New("usage: role <name>")
		}
		_, err := fmt.Fprintln(out, session.HasRole(rest[0]))
		return err

	case "token":
		tok, err := session.TokenSource().Token()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, tok.AccessToken)
		return err

	case "get":
		if len(rest) != 1 {
			return errors.New("usage: get <url>")
		}
		return runGet(ctx, session, rest[0], out)

	case "connect":
		if len(rest) != 1 {
			return errors.New("usage: connect <provider>")
		}
		return runConnect(ctx, session, a.Logger, rest[0], nil)

	case "watch":
		return runWatch(ctx, session, a.Logger, out)

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func providerArg(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		return "", fmt.Errorf("usage: %s [flags] <provider>", fs.Name())
	}
	return fs.Arg(0), nil
}

type sessionStatus struct {
	LoggedIn       bool     `json:"logged_in"`
	AuthReady      bool     `json:"auth_ready"`
	Subject        string   `json:"subject,omitempty"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	ExpirationDate string   `json:"expiration_date,omitempty"`
	ExpiresAt      string   `json:"expires_at,omitempty"`
	Refresh        string   `json:"refresh"`
	NextRefresh    string   `json:"next_refresh,omitempty"`
}

func statusOf(session *client.Session, st client.AuthState) sessionStatus {
	out := sessionStatus{
		LoggedIn:  st.LoggedIn(),
		AuthReady: st.AuthReady,
		Refresh:   session.Refresher().Status().String(),
	}
	if st.Profile != nil {
		out.Subject = st.Profile.Subject
		out.Email = st.Profile.Email
		out.Roles = st.Profile.Roles
	}
	if st.Tokens != nil {
		out.ExpirationDate = st.Tokens.ExpirationDate
		if exp := st.Tokens.Expiry(); !exp.IsZero() {
			out.ExpiresAt = exp.UTC().Format(time.RFC3339)
		}
	}
	if d := session.Refresher().NextDelay(); d > 0 && session.Refresher().Status() == client.StatusScheduled {
		out.NextRefresh = d.Round(time.Second).String()
	}
	return out
}

func writeStatus(out io.Writer, session *client.Session) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(statusOf(session, session.State()))
}

func runWatch(ctx context.Context, session *client.Session, logger *slog.Logger, out io.Writer) error {
	sub := session.Store().Subscribe()
	defer sub.Close()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := enc.Encode(statusOf(session, st)); err != nil {
				return err
			}
		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			logger.Warn("session error", "error", err)
		}
	}
}

func runGet(ctx context.Context, session *client.Session, target string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := session.HTTPClient(ctx).Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", target, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned %s", target, resp.Status)
	}
	return nil
}

// runConnect requests the provider's authorization page without a browser and
// reports each redirect, to diagnose provider configuration.
func runConnect(ctx context.Context, session *client.Session, logger *slog.Logger, providerName string, httpClient *http.Client) error {
	if providerName == "" {
		return errors.New("provider name required")
	}

	authURL, err := session.AuthorizationURL(providerName)
	if err != nil {
		return err
	}
	logger.Info("connect.start", "provider", providerName, "auth_url", authURL)

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	originalRedirect := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		step := len(via) + 1
		logger.Info("connect.redirect", "step", step, "url", req.URL.String())
		if len(via) >= 10 {
			return fmt.Errorf("too many redirects (%d)", len(via))
		}
		if originalRedirect != nil {
			return originalRedirect(req, via)
		}
		return nil
	}
	defer func() { client.CheckRedirect = originalRedirect }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return fmt.Errorf("create authorize request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call authorize endpoint: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	logger.Info("connect.result", "status", resp.StatusCode, "effective_url", resp.Request.URL.String())

	switch {
	case resp.StatusCode >= 400:
		return fmt.Errorf("provider returned %s for %s", resp.Status, resp.Request.URL.String())
	case resp.StatusCode >= 300:
		return fmt.Errorf("unexpected additional redirect (status %d)", resp.StatusCode)
	}

	logger.Info("connect.success", "provider", providerName, "message", "Reached provider login endpoint")
	return nil
}

func loadConfig(path string, logger *slog.Logger) (app.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return app.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return app.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return app.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := app.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")

	if cfg.Client.Issuer != "" {
		wellKnown := strings.TrimSuffix(cfg.Client.Issuer, "/") + "/.well-known/openid-configuration"
		if err := validateURL(ctx, wellKnown, false); err != nil {
			logger.Error("issuer discovery validation failed", "issuer", cfg.Client.Issuer, "error", err)
		} else {
			logger.Info("issuer discovery is accessible", "issuer", cfg.Client.Issuer)
		}
	}
	if cfg.Claims.JWKSURL != "" {
		if err := validateURL(ctx, cfg.Claims.JWKSURL, false); err != nil {
			logger.Error("jwks URL validation failed", "url", cfg.Claims.JWKSURL, "error", err)
		} else {
			logger.Info("jwks URL is accessible", "url", cfg.Claims.JWKSURL)
		}
	}
	// token endpoints only answer POST, so any response means reachable
	for field, endpoint := range map[string]string{
		"token_endpoint":             cfg.Client.TokenEndpoint,
		"register_external_endpoint": cfg.Client.RegisterExternalEndpoint,
	} {
		if endpoint == "" {
			continue
		}
		if err := validateURL(ctx, endpoint, true); err != nil {
			logger.Error("backend URL validation failed", "field", field, "url", endpoint, "error", err)
		} else {
			logger.Info("backend URL is reachable", "field", field, "url", endpoint)
		}
	}

	logger.Info("configuration validation complete")
	return nil
}

func validateURL(ctx context.Context, urlStr string, reachableOnly bool) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if !reachableOnly && resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (app.Config, error) {
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")
	p := setupPrompt{in: bufio.NewScanner(in), out: out}

	cfg := app.DefaultConfig()
	backend := strings.TrimSuffix(p.line("Application backend URL", "http://127.0.0.1:5000"), "/")
	cfg.Client.TokenEndpoint = backend + "/connect/token"
	cfg.Client.RegisterExternalEndpoint = backend + "/api/account/registerexternal"
	if p.yes("Verify ID tokens against the backend's discovery document?", false) {
		cfg.Client.Issuer = backend
		cfg.Claims.Mode = app.ClaimsDiscovery
	}

	name := strings.ToLower(p.line("External provider name", "google"))
	provider := app.ProviderConfig{
		ClientID:    p.line("Provider client ID", ""),
		RedirectURI: p.line("Popup redirect URI", "http://127.0.0.1:4200/auth-callback"),
		Scopes:      strings.FieldsFunc(p.line("Provider scopes", "openid,email,profile"), func(r rune) bool { return r == ',' || r == ' ' }),
	}
	if !app.WellKnownProvider(name) {
		provider.AuthURL = p.line("Provider authorization URL", "")
	}
	if provider.ClientID == "" || (provider.AuthURL == "" && !app.WellKnownProvider(name)) {
		return app.Config{}, fmt.Errorf("provider %q needs a client ID and an authorization URL", name)
	}
	cfg.Providers = map[string]app.ProviderConfig{name: provider}
	cfg.Client.AutoRegister = p.yes("Register unknown identities automatically on login?", cfg.Client.AutoRegister)

	if err := writeConfigFile(path, cfg); err != nil {
		return app.Config{}, err
	}
	logger.Info("configuration created", "path", path, "provider", name)
	return app.LoadConfig(path)
}

// setupPrompt reads one answer per line. Exhausted input accepts defaults.
type setupPrompt struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p setupPrompt) line(prompt, def string) string {
	fmt.Fprintf(p.out, "%s [%s]: ", prompt, def)
	if p.in.Scan() {
		if answer := strings.TrimSpace(p.in.Text()); answer != "" {
			return answer
		}
	}
	return def
}

func (p setupPrompt) yes(prompt string, def bool) bool {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	switch strings.ToLower(p.line(prompt, hint)) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}
	return def
}

// writeConfigFile stores cfg readable by its owner only.
func writeConfigFile(path string, cfg app.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, append([]byte("# oidcclient configuration\n"), data...), 0o600)
}
