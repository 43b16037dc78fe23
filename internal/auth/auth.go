package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const UserContextKey ContextKey = "user"

// Identity is the authenticated principal carried on the request context.
type Identity struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
}

type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

var authConfig *AuthConfig

type AuthConfig struct {
	JwtSecret []byte
	Enabled   bool
}

// InitializeAuth sets up the auth configuration
func InitializeAuth(jwtSecret string, enabled bool) {
	authConfig = &AuthConfig{
		JwtSecret: []byte(jwtSecret),
		Enabled:   enabled,
	}
}

// IsAuthEnabled returns whether authentication is enabled
func IsAuthEnabled() bool {
	if authConfig == nil {
		return false
	}
	return authConfig.Enabled
}

// HashPassword returns the bcrypt hash of a plaintext password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether the password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateJWT creates a JWT token for the user
func GenerateJWT(id *Identity) (string, error) {
	if authConfig == nil {
		return "", errors.New("auth not initialized")
	}
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   id.Username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(authConfig.JwtSecret)
}

// ValidateJWT validates and parses a JWT token
func ValidateJWT(tokenString string) (*Identity, error) {
	if authConfig == nil {
		return nil, errors.New("auth not initialized")
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return authConfig.JwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return &Identity{UserID: claims.UserID, Username: claims.Username}, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// OptionalAuthMiddleware extracts and validates JWT from request if auth is enabled
// If auth is disabled, it allows all requests through
func OptionalAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If auth is disabled, just pass through
		if !IsAuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		// Extract token from Authorization header or cookie
		var tokenString string

		// Try Authorization header first
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			// Try cookie
			if cookie, err := r.Cookie("auth_token"); err == nil {
				tokenString = cookie.Value
			}
		}

		if tokenString == "" {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		id, err := ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		// Add user to request context
		ctx := context.WithValue(r.Context(), UserContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// GetUserFromContext extracts the authenticated identity from request context
func GetUserFromContext(r *http.Request) *Identity {
	if id, ok := r.Context().Value(UserContextKey).(*Identity); ok {
		return id
	}
	return nil
}
