package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        defaultSessionIssuer,
		TokenTTL:      30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueSessionToken(SessionClaims{
		UserID:          "user-123",
		UserDisplayName: "Example User",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &SessionClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" || claims.UserID != "user-123" {
		t.Fatalf("unexpected subject %s / user %s", claims.Subject, claims.UserID)
	}
	if claims.Issuer != defaultSessionIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if claims.UserDisplayName != "Example User" {
		t.Fatalf("expected display name claim to survive, got %q", claims.UserDisplayName)
	}
}

func TestTokenIssuerOutputPassesSessionValidator(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("shared-secret"),
		Issuer:        defaultSessionIssuer,
		TokenTTL:      15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte("shared-secret"),
		CookieName:    "app_session",
	})
	if err != nil {
		t.Fatalf("unexpected validator error: %v", err)
	}

	tokenString, _, err := issuer.IssueSessionToken(SessionClaims{UserID: "user-321"})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	claims, err := validator.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if claims.UserID != "user-321" {
		t.Fatalf("unexpected user id %s", claims.UserID)
	}
}

func TestTokenIssuerRejectsMissingUserID(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        defaultSessionIssuer,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(SessionClaims{UserID: "  "}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name string
		cfg  TokenIssuerConfig
	}{
		{name: "missing-secret", cfg: TokenIssuerConfig{Issuer: defaultSessionIssuer, TokenTTL: time.Minute}},
		{name: "missing-issuer", cfg: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: " ", TokenTTL: time.Minute}},
		{name: "non-positive-ttl", cfg: TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: defaultSessionIssuer}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.cfg); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}
