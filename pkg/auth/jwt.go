// Package auth validates bearer tokens and carries the caller's identity
// through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "graphcollab/pkg/errors"
)

var (
	ErrMissingToken = errors.New("missing authentication token")
	ErrExpiredToken = errors.New("token has expired")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the token claims an editor presents
type Claims struct {
	UserID string   `json:"sub"`
	Email  string   `json:"email,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// UserContext is the authenticated caller
type UserContext struct {
	UserID string
	Email  string
	Roles  []string
}

// Validator checks HS256 tokens against a shared secret
type Validator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewValidator creates a validator. An empty issuer accepts any issuer.
func NewValidator(secret, issuer string, ttl time.Duration) (*Validator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Validator{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Validate parses a token, with or without the Bearer prefix, and returns the
// caller. Failures are Unauthorized app errors.
func (v *Validator) Validate(token string) (*UserContext, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, unauthorized(ErrMissingToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, unauthorized(ErrExpiredToken)
		}
		return nil, unauthorized(fmt.Errorf("%w: %v", ErrInvalidToken, err))
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, unauthorized(fmt.Errorf("%w: missing subject", ErrInvalidToken))
	}

	return &UserContext{UserID: claims.UserID, Email: claims.Email, Roles: claims.Roles}, nil
}

// Issue signs a token for userID. Used by tooling and tests.
func (v *Validator) Issue(userID, email string, roles []string) (string, error) {
	now := v.now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func unauthorized(err error) error {
	return apperrors.NewUnauthorizedError(err.Error()).WithCause(err)
}

// TokenFromRequest finds a token in the Authorization header, the token query
// parameter (browsers cannot set headers on websocket upgrades) or the
// auth_token cookie, in that order
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie("auth_token"); err == nil {
		return c.Value
	}
	return ""
}

type contextKey string

const userContextKey contextKey = "user"

// WithUser adds the caller to ctx
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the caller stored by WithUser
func UserFromContext(ctx context.Context) (*UserContext, error) {
	user, ok := ctx.Value(userContextKey).(*UserContext)
	if !ok || user == nil {
		return nil, apperrors.NewUnauthorizedError("no authenticated user")
	}
	return user, nil
}
