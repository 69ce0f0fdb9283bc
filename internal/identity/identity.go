// Package identity resolves the user behind a request.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onexay/docvs/internal/storage"
	"github.com/onexay/docvs/internal/types"
)

// HeaderUserID carries the caller's user id when no token is used.
const HeaderUserID = "X-User-ID"

// Provider extracts a user from an incoming request.
type Provider interface {
	Authenticate(r *http.Request) (types.UserID, error)
}

type userKey struct{}

// WithUser stores the authenticated user on ctx.
func WithUser(ctx context.Context, user types.UserID) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// CurrentUser returns the user attached by Middleware.
func CurrentUser(ctx context.Context) (types.UserID, error) {
	user, _ := ctx.Value(userKey{}).(types.UserID)
	if user == "" {
		return "", &storage.AuthError{Message: "no user on request"}
	}
	return user, nil
}

// Middleware authenticates each request with p. Requests that fail carry no
// user; handlers that need one reject them through CurrentUser.
func Middleware(p Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user, err := p.Authenticate(r); err == nil {
				r = r.WithContext(WithUser(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeaderProvider trusts the X-User-ID header. It is meant for deployments
// behind an authenticating proxy and for local development.
type HeaderProvider struct{}

func (HeaderProvider) Authenticate(r *http.Request) (types.UserID, error) {
	user := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if user == "" {
		return "", &storage.AuthError{Message: "missing " + HeaderUserID + " header"}
	}
	return types.UserID(user), nil
}

// JWTProvider verifies HS256 bearer tokens and uses the subject as user id.
type JWTProvider struct {
	secret []byte
	issuer string
}

// NewJWTProvider returns a provider for tokens signed with secret.
func NewJWTProvider(secret, issuer string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret), issuer: issuer}
}

func (p *JWTProvider) Authenticate(r *http.Request) (types.UserID, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", &storage.AuthError{Message: "missing bearer token"}
	}
	return p.Parse(strings.TrimSpace(raw))
}

// Parse validates a token and returns its subject.
func (p *JWTProvider) Parse(raw string) (types.UserID, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	var claims jwt.RegisteredClaims
	tkn, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		return "", &storage.AuthError{Message: err.Error()}
	}
	if !tkn.Valid || claims.Subject == "" {
		return "", &storage.AuthError{Message: "token has no subject"}
	}
	return types.UserID(claims.Subject), nil
}

// Issue signs a token for user valid for ttl.
func (p *JWTProvider) Issue(user types.UserID, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    p.issuer,
		Subject:   string(user),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
