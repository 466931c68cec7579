package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenLifetime is the validity window of issued bearer tokens.
const tokenLifetime = time.Hour

// Claims is the JWT payload of a broker bearer token.
type Claims struct {
	jwt.RegisteredClaims

	// AccountID is the billing account the token authenticates.
	AccountID string `json:"account_id"`
}

// Authenticator resolves the caller's identity from bearer tokens signed
// with an HS256 shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator builds an Authenticator over the shared secret.
func NewAuthenticator(secret []byte) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("server: JWT secret must not be empty")
	}
	return &Authenticator{secret: secret}, nil
}

// Identify extracts the caller's account from the Authorization header.
// An absent, malformed, or expired token yields an anonymous identity, never
// an HTTP error: anonymous conversations are a supported mode and the Budget
// Gate decides what anonymous callers may do.
func (a *Authenticator) Identify(r *http.Request) (accountID string, authenticated bool) {
	raw := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(raw, "Bearer ")
	if !found || token == "" {
		return "", false
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("server: unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid || claims.AccountID == "" {
		return "", false
	}
	return claims.AccountID, true
}

// IssueToken mints a bearer token for accountID, valid for one hour. Used by
// the account service and by tests.
func (a *Authenticator) IssueToken(accountID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
		AccountID: accountID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("server: signing token: %w", err)
	}
	return signed, nil
}
