// Package auth provides JWT-based authentication middleware with metrics.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/explorer/internal/logging"
	"github.com/fruitsalade/explorer/internal/metrics"
	"github.com/fruitsalade/explorer/pkg/protocol"
)

type contextKey string

const (
	userContextKey contextKey = "user"
)

const issuer = "explorer"

// ErrRevoked is returned for a token that was replaced by a refresh.
var ErrRevoked = errors.New("token has been revoked")

// Claims holds JWT token claims.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Auth handles JWT authentication with a shared HS256 secret.
type Auth struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // token hash -> expiry
}

// New creates a new Auth handler. Tokens it issues live for ttl.
func New(jwtSecret string, ttl time.Duration) *Auth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{
		secret:  []byte(jwtSecret),
		ttl:     ttl,
		revoked: make(map[string]time.Time),
	}
}

// Middleware returns HTTP middleware that validates JWT tokens.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.Validate(tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}

		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// WithClaims injects claims into a context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// IssueToken signs a token for username, valid for ttl (the configured
// lifetime when ttl is zero).
func (a *Auth) IssueToken(username string, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = a.ttl
	}
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        rand.Text(),
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

// Validate checks the signature, expiry and revocation of tokenStr.
func (a *Auth) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if a.isRevoked(tokenStr) {
		return nil, ErrRevoked
	}
	return claims, nil
}

func (a *Auth) isRevoked(tokenStr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.revoked[hashToken(tokenStr)]
	return ok
}

// Revoke rejects tokenStr from now on. Entries are dropped once the token
// would have expired anyway.
func (a *Auth) Revoke(tokenStr string, expiresAt time.Time) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for h, exp := range a.revoked {
		if exp.Before(now) {
			delete(a.revoked, h)
		}
	}
	a.revoked[hashToken(tokenStr)] = expiresAt
}

// RefreshToken generates a new token from a valid existing one.
// The old token is revoked. Returns the new token string and expiry.
func (a *Auth) RefreshToken(oldTokenStr string) (string, time.Time, error) {
	claims, err := a.Validate(oldTokenStr)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid token: %w", err)
	}

	newTokenStr, expiresAt, err := a.IssueToken(claims.Username, 0)
	if err != nil {
		return "", time.Time{}, err
	}

	var oldExpiry time.Time
	if claims.ExpiresAt != nil {
		oldExpiry = claims.ExpiresAt.Time
	}
	a.Revoke(oldTokenStr, oldExpiry)

	logging.Info("token refreshed", zap.String("username", claims.Username))
	return newTokenStr, expiresAt, nil
}

// HandleRefresh handles POST /api/v1/auth/refresh.
func (a *Auth) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	tokenStr := extractToken(r)
	if tokenStr == "" {
		sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	newToken, expiresAt, err := a.RefreshToken(tokenStr)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("token refresh failed", zap.Error(err))
		sendAuthError(w, http.StatusUnauthorized, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      newToken,
		"expires_at": expiresAt,
	})
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback for EventSource and websocket clients
	return r.URL.Query().Get("token")
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
