// Package popup runs the external authorization flow in the system browser.
//
// The provider redirects to a loopback listener bound to the redirect_uri's
// host and port. The callback page reports its own location back to the
// listener, which then serves it through client.Window.Location, so the
// client's polling loop sees the same thing a browser popup would show.
package popup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/browser"

	"oidcclient/client"
)

// CapturePath prefixes the per-window path that receives the callback
// page's location. The rest of the path is random, so other sites cannot
// post a location of their own.
const CapturePath = "/__oidcclient/capture"

const maxCaptureBytes = 16 << 10

var errPending = errors.New("popup: still on provider")

var _ client.WindowOpener = (*Opener)(nil)

// Opener opens the authorization URL in a browser and listens for the
// redirect on the loopback address named by redirect_uri.
type Opener struct {
	// Launch shows url to the user. Nil opens the system browser.
	Launch func(ctx context.Context, url string) error
	Logger *slog.Logger
}

// Open implements client.WindowOpener. Browsers cannot be sized from here,
// so width and height are only logged.
func (o *Opener) Open(ctx context.Context, authURL string, width, height int) (client.Window, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	redirect, err := redirectURI(authURL)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("listen for redirect on %s: %w", redirect.Host, err)
	}

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("generate capture path: %w", err)
	}
	w := &window{redirect: redirect, capturePath: CapturePath + "/" + hex.EncodeToString(secret), logger: logger}
	w.srv = &http.Server{
		Handler:           w.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := w.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("redirect listener stopped", "addr", redirect.Host, "error", err)
		}
	}()
	logger.Debug("redirect listener started", "addr", ln.Addr().String(), "width", width, "height", height)

	launch := o.Launch
	if launch == nil {
		launch = openBrowser
	}
	if err := launch(ctx, authURL); err != nil {
		_ = w.Close()
		_ = ln.Close()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	return w, nil
}

func openBrowser(_ context.Context, u string) error {
	return browser.OpenURL(u)
}

func redirectURI(authURL string) (*url.URL, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return nil, fmt.Errorf("parse authorization url: %w", err)
	}
	raw := u.Query().Get("redirect_uri")
	if raw == "" {
		return nil, fmt.Errorf("authorization url has no redirect_uri")
	}
	redirect, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse redirect_uri: %w", err)
	}
	if redirect.Scheme != "http" {
		return nil, fmt.Errorf("redirect_uri %s: loopback listener only serves http", raw)
	}
	if redirect.Port() == "" {
		redirect.Host = net.JoinHostPort(redirect.Hostname(), "80")
	}
	if redirect.Path == "" {
		redirect.Path = "/"
	}
	return redirect, nil
}

type window struct {
	redirect    *url.URL
	capturePath string
	srv         *http.Server
	logger      *slog.Logger

	mu       sync.Mutex
	location string
	closed   bool
}

func (w *window) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(w.logger))
	r.Use(recoverer(w.logger))
	r.Get(w.redirect.Path, w.handleCallback)
	r.Post(w.capturePath, w.handleCapture)
	return r
}

var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>Signing in</title></head>
<body data-capture="{{.}}"><p id="status">Completing sign-in&hellip;</p>
<script>
fetch(document.body.dataset.capture, {method: "POST", headers: {"Content-Type": "text/plain"}, body: window.location.href})
  .then(function () {
    document.getElementById("status").textContent = "Signed in. You can close this window.";
    window.close();
  });
</script></body></html>
`))

// handleCallback serves the page the provider redirects to. The token sits in
// the fragment, which only the page itself can read.
func (w *window) handleCallback(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-store")
	rw.Header().Set("Referrer-Policy", "no-referrer")
	if err := callbackPage.Execute(rw, w.capturePath); err != nil {
		w.logger.Error("render callback page", "error", err)
	}
}

func (w *window) handleCapture(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCaptureBytes))
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	loc := strings.TrimSpace(string(body))
	u, err := url.Parse(loc)
	if err != nil || !w.sameListener(u) {
		http.Error(rw, "unexpected location", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	if w.location == "" {
		w.location = loc
	}
	w.mu.Unlock()
	rw.WriteHeader(http.StatusNoContent)
}

func (w *window) sameListener(u *url.URL) bool {
	if u.Scheme != "http" || !strings.EqualFold(u.Hostname(), w.redirect.Hostname()) {
		return false
	}
	port := u.Port()
	if port == "" {
		port = "80"
	}
	return port == w.redirect.Port()
}

// Location fails until the callback page has reported back.
func (w *window) Location() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.location == "" {
		return "", errPending
	}
	return w.location, nil
}

func (w *window) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *window) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return w.srv.Shutdown(ctx)
}

func (w *window) Focus() error {
	return nil
}
