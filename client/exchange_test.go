package client

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func newTestExchanger(t *testing.T, backend *fakeBackend) (*Exchanger, *StateStore, *memoryStorage) {
	t.Helper()
	logger := discardLogger()
	state := NewStateStore(logger)
	storage := newMemoryStorage()
	ex := NewExchanger(ExchangerConfig{
		TokenEndpoint:            backend.tokenEndpoint(),
		RegisterExternalEndpoint: backend.registerEndpoint(),
		UserNotFoundDescription:  "user does not exist",
	}, NewHTTPTransport(nil, logger), UnverifiedDecoder{}, storage, state, logger)
	return ex, state, storage
}

func TestExchangeComputesExpirationAndPublishes(t *testing.T) {
	backend := newFakeBackend(t)
	backend.set(func(b *fakeBackend) { b.expiresIn = 120; b.roles = []string{"admin"} })
	ex, state, storage := newTestExchanger(t, backend)

	fixed := time.UnixMilli(1_700_000_000_123)
	ex.now = func() time.Time { return fixed }

	tokens, err := ex.Exchange(context.Background(), ExternalGrant{Assertion: "provider-token", Provider: "google"}, GrantTypeExternalIdentityToken)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}

	want := strconv.FormatInt(fixed.UnixMilli()+120*1000, 10)
	if tokens.ExpirationDate != want {
		t.Fatalf("expiration_date = %s, want %s", tokens.ExpirationDate, want)
	}

	st := state.Current()
	if !st.AuthReady || st.Tokens == nil || st.Profile == nil {
		t.Fatalf("state not published: %+v", st)
	}
	if st.Profile.Subject != "user-1" || !st.Profile.HasRole("admin") {
		t.Fatalf("unexpected profile: %+v", st.Profile)
	}

	stored := storage.record(t)
	if stored == nil || stored.ExpirationDate != want || stored.AccessToken != tokens.AccessToken {
		t.Fatalf("persisted record mismatch: %+v", stored)
	}

	calls := backend.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one token call, got %d", len(calls))
	}
	form := calls[0]
	if form.Get("grant_type") != GrantTypeExternalIdentityToken {
		t.Fatalf("grant_type = %q", form.Get("grant_type"))
	}
	if form.Get("scope") != "openid offline_access" {
		t.Fatalf("scope = %q", form.Get("scope"))
	}
	if form.Get("assertion") != "provider-token" || form.Get("provider") != "google" {
		t.Fatalf("grant fields missing: %v", form)
	}
}

func TestExchangeFailureKeepsState(t *testing.T) {
	backend := newFakeBackend(t)
	ex, state, storage := newTestExchanger(t, backend)

	if _, err := ex.Exchange(context.Background(), RefreshGrant{RefreshToken: "r"}, GrantTypeRefreshToken); err != nil {
		t.Fatalf("seed exchange: %v", err)
	}
	before := state.Current()

	backend.set(func(b *fakeBackend) { b.failRefresh = true })
	_, err := ex.Exchange(context.Background(), RefreshGrant{RefreshToken: "r"}, GrantTypeRefreshToken)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Code != "invalid_grant" {
		t.Fatalf("expected TransportError with invalid_grant, got %v", err)
	}

	after := state.Current()
	if after.Tokens != before.Tokens || after.Profile != before.Profile {
		t.Fatalf("failed exchange replaced the session")
	}
	if stored := storage.record(t); stored == nil || stored.AccessToken != before.Tokens.AccessToken {
		t.Fatalf("failed exchange touched the stored record: %+v", stored)
	}
}

func TestExchangeMarksUnknownUser(t *testing.T) {
	backend := newFakeBackend(t)
	backend.set(func(b *fakeBackend) { b.requireRegistration = true })
	ex, state, _ := newTestExchanger(t, backend)

	_, err := ex.Exchange(context.Background(), ExternalGrant{Assertion: "t", Provider: "google"}, GrantTypeExternalIdentityToken)
	if !errors.Is(err, ErrBackendUserNotFound) {
		t.Fatalf("expected ErrBackendUserNotFound, got %v", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected error to remain a transport error, got %v", err)
	}
	if state.Current().AuthReady {
		t.Fatalf("failed exchange must not set readiness")
	}
}

func TestExchangeRejectsBadIDToken(t *testing.T) {
	backend := newFakeBackend(t)
	ex, state, storage := newTestExchanger(t, backend)
	ex.decoder = decoderFunc(func(context.Context, string) (*Profile, error) {
		return nil, ErrDecode
	})

	_, err := ex.Exchange(context.Background(), RefreshGrant{RefreshToken: "r"}, GrantTypeRefreshToken)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
	if state.Current().Tokens != nil {
		t.Fatalf("state updated despite decode failure")
	}
	if storage.record(t) != nil {
		t.Fatalf("record persisted despite decode failure")
	}
}

func TestExchangeSurvivesPersistFailure(t *testing.T) {
	backend := newFakeBackend(t)
	ex, state, storage := newTestExchanger(t, backend)
	storage.setErr = errors.New("quota exceeded")

	if _, err := ex.Exchange(context.Background(), RefreshGrant{RefreshToken: "r"}, GrantTypeRefreshToken); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !state.Current().LoggedIn() {
		t.Fatalf("expected session despite persist failure")
	}
}

func TestRegisterPostsJSON(t *testing.T) {
	backend := newFakeBackend(t)
	ex, _, _ := newTestExchanger(t, backend)

	if err := ex.Register(context.Background(), "provider-token", "facebook"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	regs := backend.registrations()
	if len(regs) != 1 || regs[0]["accessToken"] != "provider-token" || regs[0]["provider"] != "facebook" {
		t.Fatalf("unexpected registration payloads: %v", regs)
	}
}

type decoderFunc func(ctx context.Context, idToken string) (*Profile, error)

func (f decoderFunc) Decode(ctx context.Context, idToken string) (*Profile, error) {
	return f(ctx, idToken)
}

// hookStorage runs onSet before each write reaches the wrapped storage.
type hookStorage struct {
	Storage
	onSet func()
}

func (h *hookStorage) Set(ctx context.Context, key string, value []byte) error {
	h.onSet()
	return h.Storage.Set(ctx, key, value)
}

func TestExchangePublishesBeforePersisting(t *testing.T) {
	backend := newFakeBackend(t)
	ex, state, storage := newTestExchanger(t, backend)
	var atWrite AuthState
	ex.storage = &hookStorage{Storage: storage, onSet: func() { atWrite = state.Current() }}

	if _, err := ex.Exchange(context.Background(), RefreshGrant{RefreshToken: "r"}, GrantTypeRefreshToken); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !atWrite.LoggedIn() || !atWrite.AuthReady {
		t.Fatalf("tokens not published before the record was written: %+v", atWrite)
	}
	if storage.record(t) == nil {
		t.Fatalf("record not persisted")
	}
}

func TestExchangeDiscardsReplyAfterReset(t *testing.T) {
	backend := newFakeBackend(t)
	ex, state, storage := newTestExchanger(t, backend)
	blocking := newBlockingTransport(ex.transport)
	ex.transport = blocking

	errc := make(chan error, 1)
	go func() {
		_, err := ex.Exchange(context.Background(), RefreshGrant{RefreshToken: "r"}, GrantTypeRefreshToken)
		errc <- err
	}()
	<-blocking.entered
	state.Reset()
	close(blocking.release)

	if err := <-errc; !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	if state.Current().Tokens != nil {
		t.Fatalf("tokens published after reset")
	}
	if storage.record(t) != nil {
		t.Fatalf("record persisted after reset")
	}
}

func TestExchangeDropsRecordWhenResetDuringWrite(t *testing.T) {
	backend := newFakeBackend(t)
	ex, state, storage := newTestExchanger(t, backend)
	ex.storage = &hookStorage{Storage: storage, onSet: state.Reset}

	_, err := ex.Exchange(context.Background(), RefreshGrant{RefreshToken: "r"}, GrantTypeRefreshToken)
	if !errors.Is(err, ErrLoggedOut) {
		t.Fatalf("expected ErrLoggedOut, got %v", err)
	}
	if storage.record(t) != nil {
		t.Fatalf("record written during reset was kept")
	}
}
