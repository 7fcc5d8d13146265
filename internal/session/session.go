package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ivan/internal/api"
	"github.com/example/ivan/internal/logging"
	"github.com/example/ivan/internal/models"
	"github.com/example/ivan/internal/observability"
	"github.com/example/ivan/internal/store"
)

// Storage keys. They match what the mobile client wrote so a migrated
// device keeps its session.
const (
	BearerTokenKey = "ivan_customer_access_token"
	PushTokenKey   = "ivan_customer_fcm_token"
	ProfileKey     = "ivan_customer_profile"
)

var ErrNotLoggedIn = errors.New("session: not logged in")

// Navigator resets the UI to its entry screen after a forced logout.
type Navigator interface {
	ResetToStart()
}

type NavigatorFunc func()

func (f NavigatorFunc) ResetToStart() { f() }

// Backend is the subset of the REST API the session drives.
type Backend interface {
	Login(ctx context.Context, mobile, password string) (models.AuthResponse, error)
	Register(ctx context.Context, name, mobile, password string) (models.AuthResponse, error)
	Logout(ctx context.Context) error
	UpdateProfile(ctx context.Context, name, password string) (models.Profile, error)
	RegisterDevice(ctx context.Context, token string) error
}

// Session is the explicitly passed auth context. Reads are cheap accessors;
// the only writers are Login, Register, Logout, UpdateProfile, RefreshToken,
// SetPushToken and Invalidate. Last write wins.
type Session struct {
	kv      store.KV
	backend Backend
	nav     Navigator
	logger  *slog.Logger

	mu        sync.RWMutex
	loggedIn  bool
	token     string
	profile   models.Profile
	pushToken string
}

func New(kv store.KV, backend Backend, nav Navigator, logger *slog.Logger) *Session {
	return &Session{kv: kv, backend: backend, nav: nav, logger: logging.Component(logger, "session")}
}

// Bind makes c authenticate with this session and route every 401 into
// Invalidate.
func (s *Session) Bind(c *api.Client) {
	c.SetTokenSource(s)
	c.SetUnauthorizedHandler(func(ctx context.Context, err *api.APIError) {
		s.logger.Info("unauthorized response, invalidating session", "endpoint", err.Endpoint)
		if ierr := s.Invalidate(ctx); ierr != nil {
			s.logger.Error("session invalidation failed", "error", ierr)
		}
	})
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Profile() models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *Session) LoggedIn() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedIn
}

func (s *Session) PushToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pushToken
}

// Restore loads the persisted session. A token without a profile (or the
// reverse) is treated as logged out and cleared.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	token, terr := s.kv.Get(ctx, BearerTokenKey)
	rawProfile, perr := s.kv.Get(ctx, ProfileKey)
	for _, err := range []error{terr, perr} {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return false, fmt.Errorf("restore session: %w", err)
		}
	}
	push, err := s.kv.Get(ctx, PushTokenKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("restore session: %w", err)
	}

	if terr != nil || perr != nil || token == "" {
		return false, s.clear(ctx)
	}
	var profile models.Profile
	if err := json.Unmarshal([]byte(rawProfile), &profile); err != nil {
		s.logger.Warn("stored profile unreadable, clearing session", "error", err)
		return false, s.clear(ctx)
	}

	s.mu.Lock()
	s.loggedIn = true
	s.token = token
	s.profile = profile
	s.pushToken = push
	s.mu.Unlock()
	return true, nil
}

func (s *Session) Login(ctx context.Context, mobile, password string) (models.Profile, error) {
	res, err := s.backend.Login(ctx, mobile, password)
	if err != nil {
		return models.Profile{}, err
	}
	if err := s.establish(ctx, res); err != nil {
		return models.Profile{}, err
	}
	s.logger.Info("logged in", "profile_id", res.Profile.ID)
	return res.Profile, nil
}

func (s *Session) Register(ctx context.Context, name, mobile, password string) (models.Profile, error) {
	res, err := s.backend.Register(ctx, name, mobile, password)
	if err != nil {
		return models.Profile{}, err
	}
	if err := s.establish(ctx, res); err != nil {
		return models.Profile{}, err
	}
	return res.Profile, nil
}

func (s *Session) establish(ctx context.Context, res models.AuthResponse) error {
	if res.AccessToken == "" {
		return errors.New("session: backend returned no access token")
	}
	b, err := json.Marshal(res.Profile)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, BearerTokenKey, res.AccessToken); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	if err := s.kv.Set(ctx, ProfileKey, string(b)); err != nil {
		return fmt.Errorf("persist profile: %w", err)
	}
	s.mu.Lock()
	s.loggedIn = true
	s.token = res.AccessToken
	s.profile = res.Profile
	s.mu.Unlock()
	return nil
}

// Logout tells the backend best-effort and always clears local state.
func (s *Session) Logout(ctx context.Context) error {
	if s.LoggedIn() {
		if err := s.backend.Logout(ctx); err != nil {
			s.logger.Warn("remote logout failed, clearing locally", "error", err)
		}
	}
	return s.clear(ctx)
}

// Invalidate is the forced logout taken on any 401: local state is cleared
// and the UI is sent back to its entry screen.
func (s *Session) Invalidate(ctx context.Context) error {
	observability.SessionInvalidations.Inc()
	err := s.clear(ctx)
	if s.nav != nil {
		s.nav.ResetToStart()
	}
	return err
}

func (s *Session) UpdateProfile(ctx context.Context, name, password string) (models.Profile, error) {
	if !s.LoggedIn() {
		return models.Profile{}, ErrNotLoggedIn
	}
	updated, err := s.backend.UpdateProfile(ctx, name, password)
	if err != nil {
		return models.Profile{}, err
	}
	s.mu.Lock()
	merged := s.profile
	s.mu.Unlock()
	if updated.Name != "" {
		merged.Name = updated.Name
	}
	if updated.Mobile != "" {
		merged.Mobile = updated.Mobile
	}
	if updated.ID != "" {
		merged.ID = updated.ID
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return models.Profile{}, err
	}
	if err := s.kv.Set(ctx, ProfileKey, string(b)); err != nil {
		return models.Profile{}, fmt.Errorf("persist profile: %w", err)
	}
	s.mu.Lock()
	s.profile = merged
	s.mu.Unlock()
	return merged, nil
}

// RefreshToken replaces the bearer token, e.g. after the backend reissued
// it. Open realtime subscriptions keep the token they were opened with.
func (s *Session) RefreshToken(ctx context.Context, token string) error {
	if !s.LoggedIn() {
		return ErrNotLoggedIn
	}
	if token == "" {
		return errors.New("session: empty token")
	}
	if err := s.kv.Set(ctx, BearerTokenKey, token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}

// SetPushToken registers the device with the backend when the push token is
// new for this session and persists it.
func (s *Session) SetPushToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	s.mu.RLock()
	current, loggedIn := s.pushToken, s.loggedIn
	s.mu.RUnlock()
	if current == token {
		return nil
	}
	if !loggedIn {
		return ErrNotLoggedIn
	}
	if err := s.backend.RegisterDevice(ctx, token); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, PushTokenKey, token); err != nil {
		return fmt.Errorf("persist push token: %w", err)
	}
	s.mu.Lock()
	s.pushToken = token
	s.mu.Unlock()
	return nil
}

// ExpiresAt reads the exp claim when the bearer token is a JWT. Opaque
// tokens report ok=false.
func (s *Session) ExpiresAt() (time.Time, bool) {
	tok := s.Token()
	if tok == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// NeedsRefresh reports whether the token expires within skew.
func (s *Session) NeedsRefresh(skew time.Duration) bool {
	exp, ok := s.ExpiresAt()
	if !ok {
		return false
	}
	return time.Until(exp) <= skew
}

func (s *Session) clear(ctx context.Context) error {
	s.mu.Lock()
	s.loggedIn = false
	s.token = ""
	s.profile = models.Profile{}
	s.pushToken = ""
	s.mu.Unlock()

	var errs []error
	for _, k := range []string{BearerTokenKey, ProfileKey, PushTokenKey} {
		if err := s.kv.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
