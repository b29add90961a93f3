package auth

import (
	"context"
	"fmt"
	"strconv"

	"github.com/matheus3301/chatsync/internal/remote"
)

const (
	keyAccessToken  = "auth.access_token"
	keyRefreshToken = "auth.refresh_token"
	keyUserID       = "auth.user_id"
)

// KV is the key-value state the tokens are persisted in.
type KV interface {
	SetValue(ctx context.Context, key, value string) error
	Value(ctx context.Context, key string) (string, bool, error)
	DeleteValue(ctx context.Context, key string) error
}

// TokenStore persists credentials and the signed-in user id.
type TokenStore struct {
	kv KV
}

func NewTokenStore(kv KV) *TokenStore {
	return &TokenStore{kv: kv}
}

// Load returns the stored credentials, or remote.ErrAccessTokenNotFound.
func (s *TokenStore) Load(ctx context.Context) (remote.Tokens, error) {
	access, ok, err := s.kv.Value(ctx, keyAccessToken)
	if err != nil {
		return remote.Tokens{}, fmt.Errorf("load access token: %w", err)
	}
	if !ok || access == "" {
		return remote.Tokens{}, remote.ErrAccessTokenNotFound
	}
	refresh, _, err := s.kv.Value(ctx, keyRefreshToken)
	if err != nil {
		return remote.Tokens{}, fmt.Errorf("load refresh token: %w", err)
	}
	return remote.Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

// Save replaces the stored credentials.
func (s *TokenStore) Save(ctx context.Context, t remote.Tokens) error {
	if err := s.kv.SetValue(ctx, keyAccessToken, t.AccessToken); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	if err := s.kv.SetValue(ctx, keyRefreshToken, t.RefreshToken); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// SaveUserID records the id of the signed-in user.
func (s *TokenStore) SaveUserID(ctx context.Context, id int64) error {
	return s.kv.SetValue(ctx, keyUserID, strconv.FormatInt(id, 10))
}

// UserID returns the recorded signed-in user id.
func (s *TokenStore) UserID(ctx context.Context) (int64, bool, error) {
	v, ok, err := s.kv.Value(ctx, keyUserID)
	if err != nil || !ok {
		return 0, false, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse user id %q: %w", v, err)
	}
	return id, true, nil
}

// Clear removes every stored credential.
func (s *TokenStore) Clear(ctx context.Context) error {
	for _, key := range []string{keyAccessToken, keyRefreshToken, keyUserID} {
		if err := s.kv.DeleteValue(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}
