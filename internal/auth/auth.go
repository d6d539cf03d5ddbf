// internal/auth/auth.go
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUnauthorized means the credential is missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the credential is valid but the caller may not
	// act on the requested tenant at the required role.
	ErrForbidden = errors.New("forbidden")
)

// Config holds authentication configuration.
type Config struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	JWTExpiration int      `mapstructure:"jwt_expiration"` // in minutes
	APIKeys       []string `mapstructure:"api_keys"`
	Users         []User   `mapstructure:"users"`
}

// User is a locally provisioned operator account. PasswordHash is bcrypt.
type User struct {
	Username     string   `mapstructure:"username"`
	PasswordHash string   `mapstructure:"password_hash"`
	Role         string   `mapstructure:"role"`
	TenantID     string   `mapstructure:"tenant_id"`
	TenantIDs    []string `mapstructure:"tenant_ids"`
}

// Caller is the authenticated identity attached to admin requests.
type Caller struct {
	UID       string
	Role      string
	TenantID  string
	TenantIDs []string
}

// Claims are the JWT claims carried by issued tokens.
type Claims struct {
	UID       string   `json:"uid"`
	Role      string   `json:"role"`
	TenantID  string   `json:"tenantId,omitempty"`
	TenantIDs []string `json:"tenantIds,omitempty"`
	jwt.StandardClaims
}

// Manager handles authentication and authorization.
type Manager struct {
	config Config
}

func NewManager(config Config) *Manager {
	return &Manager{config: config}
}

// GenerateJWT creates a token for an authenticated user.
func (m *Manager) GenerateJWT(u User) (string, error) {
	expirationTime := time.Now().Add(time.Duration(m.config.JWTExpiration) * time.Minute)

	claims := &Claims{
		UID:       u.Username,
		Role:      u.Role,
		TenantID:  u.TenantID,
		TenantIDs: u.TenantIDs,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: expirationTime.Unix(),
			IssuedAt:  time.Now().Unix(),
			Issuer:    "agrosense-api",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.config.JWTSecret))
}

// ValidateJWT parses and verifies a token, returning its claims.
func (m *Manager) ValidateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}

// ValidateAPIKey checks a device ingest key against the configured set.
func (m *Manager) ValidateAPIKey(apiKey string) bool {
	ok := false
	for _, validKey := range m.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			ok = true
		}
	}
	return ok
}

// AuthenticateUser validates username and password and returns the account.
func (m *Manager) AuthenticateUser(username, password string) (*User, error) {
	for i := range m.config.Users {
		u := m.config.Users[i]
		if u.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
			return nil, fmt.Errorf("%w: invalid password", ErrUnauthorized)
		}
		return &u, nil
	}
	return nil, fmt.Errorf("%w: user not found", ErrUnauthorized)
}

// HashPassword creates a bcrypt hash for provisioning user accounts.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 14)
	return string(bytes), err
}

type contextKey int

const callerKey contextKey = 0

// CallerFromContext returns the identity attached by JWTMiddleware.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey).(*Caller)
	return c, ok
}

// JWTMiddleware gates admin endpoints on a bearer token and attaches the
// caller identity to the request context.
func (m *Manager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeAuthError(w, "missing bearer token")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeAuthError(w, "invalid authorization format")
			return
		}
		claims, err := m.ValidateJWT(strings.TrimSpace(parts[1]))
		if err != nil {
			writeAuthError(w, "invalid or expired token")
			return
		}
		caller := &Caller{
			UID:       claims.UID,
			Role:      claims.Role,
			TenantID:  claims.TenantID,
			TenantIDs: claims.TenantIDs,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
	})
}

// APIKeyMiddleware gates device-facing endpoints. The key is accepted from
// the X-API-Key header or the k query parameter.
func (m *Manager) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("k")
		}
		if apiKey == "" {
			writeAuthError(w, "API key required")
			return
		}
		if !m.ValidateAPIKey(apiKey) {
			writeAuthError(w, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": "unauthorized", "message": msg},
	})
}
