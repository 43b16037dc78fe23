package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestInitializeAuth(t *testing.T) {
	InitializeAuth("test-secret", true)

	if authConfig == nil {
		t.Fatal("authConfig should not be nil after initialization")
	}
	if string(authConfig.JwtSecret) != "test-secret" {
		t.Errorf("Expected JwtSecret 'test-secret', got %q", string(authConfig.JwtSecret))
	}
	if !authConfig.Enabled {
		t.Error("Expected Enabled to be true")
	}
}

func TestIsAuthEnabled(t *testing.T) {
	// Test when auth config is nil
	authConfig = nil
	if IsAuthEnabled() {
		t.Error("Expected IsAuthEnabled to return false when authConfig is nil")
	}

	// Test when auth is disabled
	InitializeAuth("secret", false)
	if IsAuthEnabled() {
		t.Error("Expected IsAuthEnabled to return false when auth is disabled")
	}

	// Test when auth is enabled
	InitializeAuth("secret", true)
	if !IsAuthEnabled() {
		t.Error("Expected IsAuthEnabled to return true when auth is enabled")
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if hash == "hunter2" {
		t.Error("Hash must not equal the plaintext password")
	}
	if !CheckPassword(hash, "hunter2") {
		t.Error("Expected matching password to verify")
	}
	if CheckPassword(hash, "hunter3") {
		t.Error("Expected non-matching password to fail")
	}
	if CheckPassword("not-a-hash", "hunter2") {
		t.Error("Expected garbage hash to fail")
	}
}

func TestGenerateAndValidateJWT(t *testing.T) {
	// Test when authConfig is nil
	authConfig = nil
	if _, err := GenerateJWT(&Identity{UserID: 1, Username: "alice"}); err == nil {
		t.Error("Expected error when authConfig is nil")
	}
	if _, err := ValidateJWT("token"); err == nil {
		t.Error("Expected error when authConfig is nil")
	}

	InitializeAuth("test-secret", true)

	token, err := GenerateJWT(&Identity{UserID: 42, Username: "alice"})
	if err != nil {
		t.Fatalf("GenerateJWT failed: %v", err)
	}

	id, err := ValidateJWT(token)
	if err != nil {
		t.Fatalf("ValidateJWT failed: %v", err)
	}
	if id.UserID != 42 || id.Username != "alice" {
		t.Errorf("Expected identity 42/alice, got %+v", id)
	}
}

func TestValidateJWTRejectsBadTokens(t *testing.T) {
	InitializeAuth("test-secret", true)

	if _, err := ValidateJWT("not-a-token"); err == nil {
		t.Error("Expected error for malformed token")
	}

	// Token signed with a different secret
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   1,
		Username: "mallory",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := other.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateJWT(signed); err == nil {
		t.Error("Expected error for token signed with wrong secret")
	}

	// Expired token
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID:   1,
		Username: "late",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err = expired.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateJWT(signed); err == nil {
		t.Error("Expected error for expired token")
	}
}

func TestOptionalAuthMiddlewareDisabled(t *testing.T) {
	InitializeAuth("test-secret", false)

	called := false
	handler := OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest("GET", "/jobs", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if !called {
		t.Error("Expected handler to be called when auth is disabled")
	}
}

func TestOptionalAuthMiddlewareEnabled(t *testing.T) {
	InitializeAuth("test-secret", true)

	var gotUser *Identity
	handler := OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserFromContext(r)
	})

	// No token
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/jobs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	// Invalid token
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	handler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with invalid token, got %d", rec.Code)
	}

	// Valid token via header
	token, err := GenerateJWT(&Identity{UserID: 7, Username: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with valid token, got %d", rec.Code)
	}
	if gotUser == nil || gotUser.UserID != 7 || gotUser.Username != "bob" {
		t.Errorf("Expected identity on context, got %+v", gotUser)
	}

	// Valid token via cookie
	gotUser = nil
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/jobs", nil)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: token})
	handler(rec, req)
	if rec.Code != http.StatusOK || gotUser == nil {
		t.Errorf("Expected cookie auth to work, got code %d user %+v", rec.Code, gotUser)
	}
}

func TestGetUserFromContextMissing(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	if GetUserFromContext(req) != nil {
		t.Error("Expected nil identity for bare request")
	}
}

func TestMiddlewareRejectsNonBearerHeader(t *testing.T) {
	InitializeAuth("test-secret", true)
	handler := OptionalAuthMiddleware(func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("Authorization", "Basic "+strings.Repeat("x", 10))
	handler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for non-bearer header, got %d", rec.Code)
	}
}
