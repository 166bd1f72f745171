package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func mustTokenService(t *testing.T, clock func() time.Time) *TokenService {
	t.Helper()
	service, err := NewTokenService(TokenServiceConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "coedit",
		Audience:      "coedit-clients",
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected token service error: %v", err)
	}
	return service
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	if _, err := NewTokenService(TokenServiceConfig{}); !errors.Is(err, ErrMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	service := mustTokenService(t, func() time.Time { return now })

	token, expiresIn, err := service.Issue(Identity{UserID: "u1", DisplayName: "Alice", AvatarURL: "https://cdn/a.png"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if expiresIn != int64(time.Hour.Seconds()) {
		t.Fatalf("expected one hour expiry, got %d", expiresIn)
	}

	identity, err := service.Validate(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if identity.UserID != "u1" || identity.DisplayName != "Alice" || identity.AvatarURL != "https://cdn/a.png" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestIssueRequiresSubject(t *testing.T) {
	service := mustTokenService(t, nil)
	if _, _, err := service.Issue(Identity{DisplayName: "Alice"}); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	service := mustTokenService(t, func() time.Time { return now })

	token, _, err := service.Issue(Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := service.Validate(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	service := mustTokenService(t, nil)
	foreign, err := NewTokenService(TokenServiceConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "coedit",
		Audience:      "coedit-clients",
	})
	if err != nil {
		t.Fatalf("unexpected token service error: %v", err)
	}

	token, _, err := foreign.Issue(Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := service.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestValidateRejectsEmptyToken(t *testing.T) {
	service := mustTokenService(t, nil)
	if _, err := service.Validate("  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestTokenFromRequestPrefersAuthorizationHeader(t *testing.T) {
	request := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	request.Header.Set("Authorization", "Bearer header-token")
	if got := TokenFromRequest(request); got != "header-token" {
		t.Fatalf("expected header token, got %q", got)
	}

	request = httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := TokenFromRequest(request); got != "query-token" {
		t.Fatalf("expected query token, got %q", got)
	}

	request = httptest.NewRequest("GET", "/ws", nil)
	if got := TokenFromRequest(request); got != "" {
		t.Fatalf("expected empty token, got %q", got)
	}
}
