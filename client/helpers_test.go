package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign id token: %v", err)
	}
	return tok
}

type memoryStorage struct {
	mu      sync.Mutex
	items   map[string][]byte
	setErr  error
	getErr  error
	removed int
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{items: make(map[string][]byte)}
}

func (m *memoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.items[key], nil
}

func (m *memoryStorage) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.items[key] = value
	return nil
}

func (m *memoryStorage) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	m.removed++
	return nil
}

func (m *memoryStorage) record(t *testing.T) *AuthTokens {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.items[DefaultStorageKey]
	if !ok {
		return nil
	}
	var tokens AuthTokens
	if err := json.Unmarshal(payload, &tokens); err != nil {
		t.Fatalf("decode stored record: %v", err)
	}
	return &tokens
}

func (m *memoryStorage) store(t *testing.T, tokens AuthTokens) {
	t.Helper()
	payload, err := json.Marshal(tokens)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	m.mu.Lock()
	m.items[DefaultStorageKey] = payload
	m.mu.Unlock()
}

// fakeBackend stands in for the application's token and registration endpoints.
type fakeBackend struct {
	t      *testing.T
	server *httptest.Server

	mu                  sync.Mutex
	expiresIn           int64
	roles               []string
	failRefresh         bool
	requireRegistration bool
	failRegistration    bool
	registered          map[string]bool
	tokenCalls          []url.Values
	registerCalls       []map[string]string
	issued              int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{t: t, expiresIn: 3600, registered: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/connect/token", b.handleToken)
	mux.HandleFunc("/api/account/registerexternal", b.handleRegister)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) tokenEndpoint() string {
	return b.server.URL + "/connect/token"
}

func (b *fakeBackend) registerEndpoint() string {
	return b.server.URL + "/api/account/registerexternal"
}

func (b *fakeBackend) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
		http.Error(w, "unexpected content type", http.StatusUnsupportedMediaType)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.tokenCalls = append(b.tokenCalls, r.PostForm)
	failRefresh := b.failRefresh
	requireRegistration := b.requireRegistration
	known := b.registered[r.PostForm.Get("assertion")]
	b.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case GrantTypeRefreshToken:
		if failRefresh {
			writeOAuthError(w, "invalid_grant", "The refresh token is no longer valid.")
			return
		}
	case GrantTypeExternalIdentityToken:
		if requireRegistration && !known {
			writeOAuthError(w, "invalid_grant", "The user does not exist")
			return
		}
	default:
		writeOAuthError(w, "unsupported_grant_type", "")
		return
	}
	b.issue(w)
}

func (b *fakeBackend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registerCalls = append(b.registerCalls, body)
	if b.failRegistration {
		writeOAuthError(w, "server_error", "registration closed")
		return
	}
	b.registered[body["accessToken"]] = true
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}

func (b *fakeBackend) issue(w http.ResponseWriter) {
	b.mu.Lock()
	b.issued++
	n := b.issued
	expiresIn := b.expiresIn
	roles := append([]string(nil), b.roles...)
	b.mu.Unlock()

	idToken := signIDToken(b.t, jwt.MapClaims{
		"sub":         "user-1",
		"iss":         b.server.URL,
		"unique_name": "ada",
		"role":        roles,
		"exp":         time.Now().Add(time.Hour).Unix(),
	})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "access-" + strconv.Itoa(n),
		"refresh_token": "refresh-" + strconv.Itoa(n),
		"id_token":      idToken,
		"token_type":    "Bearer",
		"expires_in":    expiresIn,
	})
}

func (b *fakeBackend) calls() []url.Values {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]url.Values(nil), b.tokenCalls...)
}

func (b *fakeBackend) registrations() []map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]string(nil), b.registerCalls...)
}

func (b *fakeBackend) set(fn func(b *fakeBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func writeOAuthError(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": description})
}

// fakeTimers records armed timers so tests can inspect delays and fire them.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	timer := &fakeTimer{delay: d, fn: f}
	ft.timers = append(ft.timers, timer)
	return timer
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fire runs the callback the way time.AfterFunc would; a fired timer is no
// longer armed.
func (t *fakeTimer) fire() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.fn()
}

func (ft *fakeTimers) armed() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*fakeTimer
	for _, timer := range ft.timers {
		timer.mu.Lock()
		if !timer.stopped {
			out = append(out, timer)
		}
		timer.mu.Unlock()
	}
	return out
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

var errCrossOrigin = errors.New("blocked a frame with origin from accessing a cross-origin frame")

// fakeWindow is a popup that stays on the provider for crossOriginPolls
// polls, then either lands on redirect or closes when redirect is empty.
type fakeWindow struct {
	mu               sync.Mutex
	crossOriginPolls int
	redirect         string
	polls            int
	closed           bool
	closeCalls       int
}

func (w *fakeWindow) Location() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.polls++
	if w.polls <= w.crossOriginPolls {
		return "", errCrossOrigin
	}
	if w.redirect == "" {
		w.closed = true
		return "", errCrossOrigin
	}
	return w.redirect, nil
}

func (w *fakeWindow) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWindow) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.closeCalls++
	return nil
}

func (w *fakeWindow) Focus() error {
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	windows []*fakeWindow
	opened  []string
	sizes   [][2]int
}

func (o *fakeOpener) Open(_ context.Context, u string, width, height int) (Window, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.windows) == 0 {
		return nil, errors.New("popup blocked")
	}
	w := o.windows[0]
	o.windows = o.windows[1:]
	o.opened = append(o.opened, u)
	o.sizes = append(o.sizes, [2]int{width, height})
	return w, nil
}

func (o *fakeOpener) urls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

// blockingTransport holds a token request until release is closed, then
// lets it complete even if its context was cancelled meanwhile. The request
// context is sent on entered.
type blockingTransport struct {
	Transport
	entered chan context.Context
	release chan struct{}
}

func newBlockingTransport(next Transport) *blockingTransport {
	return &blockingTransport{Transport: next, entered: make(chan context.Context, 1), release: make(chan struct{})}
}

func (b *blockingTransport) PostForm(ctx context.Context, endpoint string, form url.Values) (*Response, error) {
	b.entered <- ctx
	<-b.release
	return b.Transport.PostForm(context.WithoutCancel(ctx), endpoint, form)
}
