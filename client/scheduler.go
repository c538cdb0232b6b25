package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RefreshStatus is the refresher's lifecycle state.
type RefreshStatus int

const (
	StatusIdle RefreshStatus = iota
	StatusStartupRecovering
	StatusScheduled
	StatusRefreshing
	StatusFailed
)

func (s RefreshStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStartupRecovering:
		return "startup_recovering"
	case StatusScheduled:
		return "scheduled"
	case StatusRefreshing:
		return "refreshing"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Timer is a cancellable one-shot timer.
type Timer interface {
	Stop() bool
}

// AfterFunc arms a one-shot timer calling f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func systemAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Refresher restores the session at startup and keeps it fresh with a single
// timer armed at half of the token lifetime.
type Refresher struct {
	exchanger *Exchanger
	state     *StateStore
	decoder   Decoder
	logger    *slog.Logger
	afterFunc AfterFunc
	now       func() time.Time

	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	status     RefreshStatus
	failure    error
	timer      Timer
	runCancel  context.CancelFunc
	generation uint64
	delay      time.Duration
}

// NewRefresher constructs a Refresher. A nil afterFunc uses time.AfterFunc.
func NewRefresher(exchanger *Exchanger, state *StateStore, decoder Decoder, afterFunc AfterFunc, logger *slog.Logger) *Refresher {
	if afterFunc == nil {
		afterFunc = systemAfterFunc
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Refresher{
		exchanger: exchanger,
		state:     state,
		decoder:   decoder,
		logger:    logger,
		afterFunc: afterFunc,
		now:       time.Now,
		base:      base,
		cancel:    cancel,
	}
}

// Status reports the current lifecycle state.
func (r *Refresher) Status() RefreshStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Failure reports why the refresher entered StatusFailed.
func (r *Refresher) Failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// NextDelay reports the delay of the most recently armed timer.
func (r *Refresher) NextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}

// Startup restores the persisted session and immediately refreshes it.
// Whatever the outcome, AuthReady is set when Startup returns.
func (r *Refresher) Startup(ctx context.Context) error {
	r.setStatus(StatusStartupRecovering, nil)

	tokens, err := r.exchanger.load(ctx)
	if err != nil {
		r.logger.Warn("stored session unreadable", "error", err)
		return r.recoveryFailed(ctx, err)
	}
	if tokens == nil {
		r.state.Update(Patch().WithReady(true))
		r.setStatus(StatusFailed, ErrNoStoredToken)
		r.logger.Debug("no stored session")
		return ErrNoStoredToken
	}

	profile, err := r.decoder.Decode(ctx, tokens.IDToken)
	if err != nil {
		return r.recoveryFailed(ctx, fmt.Errorf("decode stored id_token: %w", err))
	}
	r.state.Update(Patch().WithTokens(tokens).WithProfile(profile))

	// An unexpired record is reported ready before the refresh completes;
	// an expired one waits for the refresh outcome.
	if r.now().Before(tokens.Expiry()) {
		r.logger.Debug("stored session unexpired, ready before refresh", "expires_at", tokens.Expiry())
		r.state.Update(Patch().WithReady(true))
	}

	if _, err := r.RefreshTokens(ctx); err != nil {
		return r.recoveryFailed(ctx, err)
	}
	r.Schedule()
	return nil
}

func (r *Refresher) recoveryFailed(ctx context.Context, err error) error {
	r.logger.Info("session recovery failed", "error", err)
	r.Reset(ctx)
	r.state.Update(Patch().WithReady(true))
	r.setStatus(StatusFailed, err)
	return err
}

// RefreshTokens re-exchanges the current refresh token. Exchange failures
// are reported as ErrSessionExpired.
func (r *Refresher) RefreshTokens(ctx context.Context) (*AuthTokens, error) {
	current := r.state.Current().Tokens
	if current == nil || current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	tokens, err := r.exchanger.Exchange(ctx, RefreshGrant{RefreshToken: current.RefreshToken}, GrantTypeRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	return tokens, nil
}

// Schedule arms the refresh timer for the current tokens, cancelling any
// timer armed before. It reports whether a timer was armed.
func (r *Refresher) Schedule() bool {
	tokens := r.state.Current().Tokens
	if tokens == nil {
		return false
	}
	if tokens.ExpiresIn <= 0 {
		r.logger.Warn("token lifetime unusable, refresh not scheduled", "expires_in", tokens.ExpiresIn)
		return false
	}
	delay := time.Duration(tokens.ExpiresIn) * time.Second / 2

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	gen := r.generation
	ctx, cancel := context.WithCancel(r.base)
	r.runCancel = cancel
	r.delay = delay
	r.timer = r.afterFunc(delay, func() { r.fire(ctx, gen) })
	r.status = StatusScheduled
	r.failure = nil
	r.logger.Debug("refresh scheduled", "delay", delay)
	return true
}

// Cancel stops the armed timer, if any.
func (r *Refresher) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	if r.status != StatusFailed {
		r.status = StatusIdle
	}
}

// Reset cancels the timer, clears the persisted record and publishes the
// initial state.
func (r *Refresher) Reset(ctx context.Context) error {
	r.Cancel()
	r.state.Reset()
	return r.exchanger.clear(ctx)
}

// Close cancels the timer and any refresh it started.
func (r *Refresher) Close() {
	r.Cancel()
	r.cancel()
}

// stopLocked invalidates the armed timer and aborts a refresh it started.
// Bumping the generation turns a callback that already started into a no-op.
func (r *Refresher) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.runCancel != nil {
		r.runCancel()
		r.runCancel = nil
	}
	r.generation++
}

func (r *Refresher) fire(ctx context.Context, gen uint64) {
	r.mu.Lock()
	if gen != r.generation || r.status != StatusScheduled {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.status = StatusRefreshing
	r.mu.Unlock()

	_, err := r.RefreshTokens(ctx)

	r.mu.Lock()
	stale := gen != r.generation
	r.mu.Unlock()
	if stale {
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrLoggedOut) {
			return
		}
		r.logger.Warn("scheduled refresh failed", "error", err)
		r.setStatus(StatusFailed, err)
		r.state.Fail(err)
		return
	}
	r.Schedule()
}

func (r *Refresher) setStatus(status RefreshStatus, failure error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.failure = failure
}
