package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"e2eed/internal/domain"
)

const tokenIssuer = "e2eed"

var (
	ErrMissingAuthHeader = errors.New("missing authorization header")
	ErrInvalidAuthHeader = errors.New("invalid authorization header format")
	ErrInvalidToken      = errors.New("invalid token")
)

type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID   domain.UserID
	DeviceID domain.DeviceID
}

// Claims carries the device alongside the standard claims; Subject is the
// user ID.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// JWTConfig signs and validates access tokens.
type JWTConfig struct {
	Secret        []byte
	SigningMethod jwt.SigningMethod
	Expiration    time.Duration
	now           func() time.Time
}

func NewJWTConfig(secret string) *JWTConfig {
	return &JWTConfig{
		Secret:        []byte(secret),
		SigningMethod: jwt.SigningMethodHS256,
		Expiration:    24 * time.Hour,
		now:           time.Now,
	}
}

// GenerateToken issues a token for one device of a user.
func (c *JWTConfig) GenerateToken(user domain.UserID, device domain.DeviceID) (string, error) {
	if user == "" || device == "" {
		return "", errors.New("user and device are required")
	}
	now := c.now()
	claims := Claims{
		DeviceID: string(device),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.Expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	return jwt.NewWithClaims(c.SigningMethod, claims).SignedString(c.Secret)
}

// ValidateToken parses a token and returns the identity it names.
func (c *JWTConfig) ValidateToken(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method != c.SigningMethod {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method)
		}
		return c.Secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(c.now))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.DeviceID == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: domain.UserID(claims.Subject), DeviceID: domain.DeviceID(claims.DeviceID)}, nil
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the caller's Identity in the request context.
func (c *JWTConfig) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondErrCode(w, http.StatusUnauthorized, ErrCodeMissingToken, ErrMissingAuthHeader.Error())
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondErrCode(w, http.StatusUnauthorized, ErrCodeUnknownToken, ErrInvalidAuthHeader.Error())
			return
		}

		id, err := c.ValidateToken(parts[1])
		if err != nil {
			respondErrCode(w, http.StatusUnauthorized, ErrCodeUnknownToken, ErrInvalidToken.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityContextKey, id)))
	})
}

// IdentityFromContext returns the caller set by AuthMiddleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

func caller(r *http.Request) Identity {
	id, _ := IdentityFromContext(r.Context())
	return id
}
