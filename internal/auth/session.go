// Package auth keeps the signed-in session: stored credentials, access token
// refresh ahead of expiry, and forced sign-out once the server rejects the
// refresh token.
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// DefaultSkew is how long before expiry an access token is refreshed.
const DefaultSkew = 30 * time.Second

// Authenticator is the server side of the session.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) (remote.Tokens, store.User, error)
	RefreshToken(ctx context.Context, refreshToken string) (remote.Tokens, error)
}

// Session supplies access tokens to the remote client. It implements
// remote.TokenSource.
type Session struct {
	tokens *TokenStore
	auth   Authenticator
	bus    *bus.Bus
	logger *zap.Logger

	skew time.Duration
	now  func() time.Time

	// mu serializes refreshes so concurrent callers share one.
	mu sync.Mutex
}

type SessionOption func(*Session)

// WithSkew sets how long before expiry the access token is refreshed.
func WithSkew(d time.Duration) SessionOption {
	return func(s *Session) { s.skew = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

func NewSession(tokens *TokenStore, a Authenticator, b *bus.Bus, logger *zap.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		tokens: tokens,
		auth:   a,
		bus:    b,
		logger: logger,
		skew:   DefaultSkew,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns a usable access token, refreshing it first when it expires
// within the skew window. A rejected refresh signs the session out and
// returns remote.ErrUnauthorized.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.tokens.Load(ctx)
	if err != nil {
		return "", err
	}
	exp, ok := expiry(t.AccessToken)
	if !ok || s.now().Add(s.skew).Before(exp) {
		return t.AccessToken, nil
	}

	if t.RefreshToken == "" {
		s.signOut(ctx, "access token expired without refresh token")
		return "", remote.ErrUnauthorized
	}
	fresh, err := s.auth.RefreshToken(ctx, t.RefreshToken)
	if err != nil {
		if rejected(err) {
			s.signOut(ctx, err.Error())
			return "", remote.ErrUnauthorized
		}
		return "", err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = t.RefreshToken
	}
	if err := s.tokens.Save(ctx, fresh); err != nil {
		return "", err
	}
	s.logger.Info("access token refreshed")
	return fresh.AccessToken, nil
}

// SignIn authenticates and stores the new credentials.
func (s *Session) SignIn(ctx context.Context, email, password string) (store.User, error) {
	tokens, user, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		return store.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tokens.Save(ctx, tokens); err != nil {
		return store.User{}, err
	}
	if user.ID != 0 {
		if err := s.tokens.SaveUserID(ctx, user.ID); err != nil {
			return store.User{}, err
		}
	}
	s.bus.Emit(bus.KindSessionSignedIn, user)
	s.logger.Info("signed in", zap.Int64("user_id", user.ID))
	return user, nil
}

// SignedIn reports whether credentials are stored.
func (s *Session) SignedIn(ctx context.Context) bool {
	_, err := s.tokens.Load(ctx)
	return err == nil
}

// UserID returns the id recorded at sign-in.
func (s *Session) UserID(ctx context.Context) (int64, bool, error) {
	return s.tokens.UserID(ctx)
}

// Invalidate drops the credentials after the server answered
// remote.ErrUnauthorized to a request made with them.
func (s *Session) Invalidate(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signOut(ctx, "request unauthorized")
}

func (s *Session) signOut(ctx context.Context, reason string) {
	if err := s.tokens.Clear(ctx); err != nil {
		s.logger.Error("failed to clear credentials", zap.Error(err))
	}
	s.logger.Warn("session signed out", zap.String("reason", reason))
	s.bus.Emit(bus.KindSessionUnauthorized, reason)
}

// expiry returns the exp claim of a JWT access token. The signature is not
// checked: the server does that, the client only needs to know when to
// refresh.
func expiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func rejected(err error) bool {
	if errors.Is(err, remote.ErrUnauthorized) {
		return true
	}
	var serverErr *remote.ServerError
	return errors.As(err, &serverErr) &&
		(serverErr.StatusCode == http.StatusBadRequest || serverErr.StatusCode == http.StatusForbidden)
}
