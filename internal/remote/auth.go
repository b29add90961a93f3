package remote

import (
	"context"
	"net/http"

	"github.com/matheus3301/chatsync/internal/store"
)

// Tokens is a pair of credentials issued by the server.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// SignIn exchanges email and password for credentials.
func (c *Client) SignIn(ctx context.Context, email, password string) (Tokens, store.User, error) {
	data, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/login",
		body:   map[string]string{"email": email, "password": password},
	})
	if err != nil {
		return Tokens{}, store.User{}, err
	}
	dto, err := decodeJSON[tokensDTO](data)
	if err != nil {
		return Tokens{}, store.User{}, err
	}
	var user store.User
	if dto.User != nil {
		user = dto.User.toStore()
	}
	return Tokens{AccessToken: dto.AccessToken, RefreshToken: dto.RefreshToken}, user, nil
}

// RefreshToken exchanges a refresh token for a new pair. A rejected refresh
// token yields ErrUnauthorized.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (Tokens, error) {
	data, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/refresh",
		body:   map[string]string{"refreshToken": refreshToken},
	})
	if err != nil {
		return Tokens{}, err
	}
	dto, err := decodeJSON[tokensDTO](data)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: dto.AccessToken, RefreshToken: dto.RefreshToken}, nil
}
