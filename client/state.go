package client

import (
	"context"
	"log/slog"
	"sync"
)

// Subscription delivers the latest value of a state stream. Values that are
// superseded before the reader receives them are dropped.
type Subscription[T any] struct {
	ch     chan T
	errs   chan error
	once   sync.Once
	cancel func()
}

func newSubscription[T any]() *Subscription[T] {
	return &Subscription[T]{
		ch:   make(chan T, 1),
		errs: make(chan error, 1),
	}
}

// C returns the value channel. It is closed by Close.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Errors returns failures published to the stream, such as ErrSessionExpired.
func (s *Subscription[T]) Errors() <-chan error {
	return s.errs
}

// Close detaches the subscription and closes its channels.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.ch)
		close(s.errs)
	})
}

// offer and fail are only called with the owning store's lock held, so there
// is exactly one producer per subscription.
func (s *Subscription[T]) offer(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *Subscription[T]) fail(err error) {
	for {
		select {
		case s.errs <- err:
			return
		default:
		}
		select {
		case <-s.errs:
		default:
		}
	}
}

type subscriber interface {
	publish(AuthState)
	fail(error)
}

type view[T any] struct {
	sub     *Subscription[T]
	gate    func(AuthState) bool
	project func(AuthState) T
}

func (v *view[T]) publish(state AuthState) {
	if v.gate != nil && !v.gate(state) {
		return
	}
	v.sub.offer(v.project(state))
}

func (v *view[T]) fail(err error) {
	v.sub.fail(err)
}

// StateStore holds the AuthState snapshot and publishes every change.
type StateStore struct {
	mu     sync.Mutex
	state  AuthState
	subs   map[uint64]subscriber
	nextID uint64
	epoch  uint64
	closed bool
	logger *slog.Logger
}

// NewStateStore creates a store holding the initial logged-out state.
func NewStateStore(logger *slog.Logger) *StateStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateStore{
		subs:   make(map[uint64]subscriber),
		logger: logger,
	}
}

// Current returns the latest snapshot.
func (s *StateStore) Current() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update merges patch over the current snapshot and publishes the result.
func (s *StateStore) Update(patch StatePatch) AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = patch.apply(s.state)
	s.publishLocked()
	return s.state
}

// UpdateIf applies patch only while the session epoch is still epoch. It
// reports whether the patch was applied.
func (s *StateStore) UpdateIf(epoch uint64, patch StatePatch) (AuthState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return s.state, false
	}
	s.state = patch.apply(s.state)
	s.publishLocked()
	return s.state, true
}

// Epoch identifies the current session. Every Reset starts a new one.
func (s *StateStore) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Reset publishes the initial state and starts a new session epoch.
func (s *StateStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = AuthState{}
	s.epoch++
	s.publishLocked()
}

// Fail delivers err to every active subscriber without changing the state.
func (s *StateStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.fail(err)
	}
}

// Close detaches every subscriber. Later subscriptions are closed immediately.
func (s *StateStore) Close() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		if c, ok := sub.(interface{ close() }); ok {
			c.close()
		}
	}
}

func (v *view[T]) close() {
	v.sub.Close()
}

func (s *StateStore) publishLocked() {
	for _, sub := range s.subs {
		sub.publish(s.state)
	}
}

// Subscribe streams every snapshot, starting with the current one.
func (s *StateStore) Subscribe() *Subscription[AuthState] {
	return watch(s, nil, func(st AuthState) AuthState { return st })
}

// Tokens streams tokens once AuthReady is set, and on every update after that.
func (s *StateStore) Tokens() *Subscription[*AuthTokens] {
	return watch(s, ready, func(st AuthState) *AuthTokens { return st.Tokens })
}

// Profile streams the profile once AuthReady is set.
func (s *StateStore) Profile() *Subscription[*Profile] {
	return watch(s, ready, func(st AuthState) *Profile { return st.Profile })
}

// LoggedIn streams whether tokens are present once AuthReady is set.
func (s *StateStore) LoggedIn() *Subscription[bool] {
	return watch(s, ready, AuthState.LoggedIn)
}

// WaitReady blocks until AuthReady is set and returns that snapshot.
func (s *StateStore) WaitReady(ctx context.Context) (AuthState, error) {
	sub := watch(s, ready, func(st AuthState) AuthState { return st })
	defer sub.Close()
	select {
	case st, ok := <-sub.C():
		if !ok {
			return AuthState{}, context.Canceled
		}
		return st, nil
	case <-ctx.Done():
		return AuthState{}, ctx.Err()
	}
}

func ready(st AuthState) bool {
	return st.AuthReady
}

func watch[T any](s *StateStore, gate func(AuthState) bool, project func(AuthState) T) *Subscription[T] {
	sub := newSubscription[T]()
	v := &view[T]{sub: sub, gate: gate, project: project}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		sub.Close()
		return sub
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = v
	sub.cancel = func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	v.publish(s.state)
	return sub
}
