// Package auth supplies bearer tokens for the sessions API. Token refresh
// is owned by the token source, never by callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrNoToken is returned when no credentials are configured.
var ErrNoToken = errors.New("no access token configured")

// TokenProvider returns a currently valid access token.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Func adapts a function to TokenProvider.
type Func func(ctx context.Context) (string, error)

func (f Func) Token(ctx context.Context) (string, error) { return f(ctx) }

// Static always returns the same token. An empty token yields ErrNoToken.
func Static(token string) TokenProvider {
	return Func(func(context.Context) (string, error) {
		if strings.TrimSpace(token) == "" {
			return "", ErrNoToken
		}
		return token, nil
	})
}

// FromTokenSource wraps an oauth2 token source. The source handles caching
// and refresh.
func FromTokenSource(src oauth2.TokenSource) TokenProvider {
	return Func(func(ctx context.Context) (string, error) {
		if src == nil {
			return "", ErrNoToken
		}
		tok, err := src.Token()
		if err != nil {
			return "", fmt.Errorf("obtain access token: %w", err)
		}
		if tok.AccessToken == "" {
			return "", ErrNoToken
		}
		return tok.AccessToken, nil
	})
}

// NewClientCredentials returns a provider using the OAuth2 client
// credentials grant.
func NewClientCredentials(ctx context.Context, tokenURL, clientID, clientSecret string, scopes ...string) TokenProvider {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return FromTokenSource(cfg.TokenSource(ctx))
}

// NewRefreshTokenSource returns a provider that exchanges a long-lived
// refresh token for access tokens.
func NewRefreshTokenSource(ctx context.Context, tokenURL, clientID, clientSecret, refreshToken string) TokenProvider {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return FromTokenSource(cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}))
}

// UserIDFromToken returns the subject claim of a JWT access token. The
// signature is not checked; the server verifies tokens.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("read subject claim: %w", err)
	}
	if sub == "" {
		return "", errors.New("access token has no subject")
	}
	return sub, nil
}
