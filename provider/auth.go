package provider

import (
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	datacopy "github.com/goliatone/go-datacopy"
)

// expiryLeeway refreshes tokens slightly before the provider rejects them.
const expiryLeeway = 30 * time.Second

// JWTTokenSource serves a provider access token read by Read. The token's
// exp claim is decoded without verification so oauth2 knows when to reload.
type JWTTokenSource struct {
	Read func() (string, error)
}

// FileTokenSource returns a reusable token source reading a JWT from path.
// The file is re-read whenever the cached token expires, so an external
// rotator can replace it in place.
func FileTokenSource(path string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, JWTTokenSource{Read: func() (string, error) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}})
}

// StaticTokenSource wraps a fixed JWT.
func StaticTokenSource(token string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, JWTTokenSource{Read: func() (string, error) {
		return token, nil
	}})
}

func (s JWTTokenSource) Token() (*oauth2.Token, error) {
	if s.Read == nil {
		return nil, datacopy.NewError(datacopy.ErrValidation, "provider token source not configured", nil, nil)
	}
	raw, err := s.Read()
	if err != nil {
		return nil, providerError("read token", 0, true, err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, datacopy.NewError(datacopy.ErrValidation, "provider token is empty", nil, nil)
	}

	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	exp, err := tokenExpiry(raw)
	if err != nil {
		return nil, datacopy.NewError(datacopy.ErrValidation, "provider token is not a valid jwt", err, nil)
	}
	if !exp.IsZero() {
		tok.Expiry = exp.Add(-expiryLeeway)
	}
	return tok, nil
}

func tokenExpiry(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, err
	}
	return exp.Time, nil
}
