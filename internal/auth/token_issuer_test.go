package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesAPITokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "corkboard-auth",
		Audience:      "corkboard-api",
		TokenTTL:      30 * time.Minute,
	})

	tokenString, expiresIn, err := issuer.IssueAPIToken(context.Background(), Principal{
		UserID:   "user-123",
		TenantID: "tenant-1",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn <= 0 {
		t.Fatalf("expected positive expiry seconds, got %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &apiTokenClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.OrgID != "tenant-1" {
		t.Fatalf("token must carry the tenant claim, got %q", claims.OrgID)
	}
	if claims.Issuer != "corkboard-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "corkboard-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "corkboard-auth",
		Audience:      "corkboard-api",
		TokenTTL:      15 * time.Minute,
	})

	tokenString, _, err := issuer.IssueAPIToken(context.Background(), Principal{
		UserID:   "user-321",
		TenantID: "tenant-9",
	})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	principal, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if principal.UserID != "user-321" {
		t.Fatalf("unexpected user %s", principal.UserID)
	}
	if principal.TenantID != "tenant-9" {
		t.Fatalf("unexpected tenant %s", principal.TenantID)
	}

	_, err = issuer.ValidateToken("invalid.token")
	if err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}
}

func TestTokenIssuerRequiresSubjectAndTenant(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "corkboard-auth",
		Audience:      "corkboard-api",
	})

	_, _, err := issuer.IssueAPIToken(context.Background(), Principal{TenantID: "tenant-1"})
	if !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}

	_, _, err = issuer.IssueAPIToken(context.Background(), Principal{UserID: "user-1"})
	if !errors.Is(err, errMissingTenantID) {
		t.Fatalf("expected missing tenant error, got %v", err)
	}
}

func TestTokenIssuerRequiresSigningSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		Issuer:   "corkboard-auth",
		Audience: "corkboard-api",
	})

	_, _, err := issuer.IssueAPIToken(context.Background(), Principal{UserID: "user-1", TenantID: "tenant-1"})
	if !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error on issue, got %v", err)
	}

	_, err = issuer.ValidateToken("whatever")
	if !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error on validate, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuingClock := func() time.Time { return now }
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "corkboard-auth",
		Audience:      "corkboard-api",
		TokenTTL:      5 * time.Minute,
		Clock:         issuingClock,
	})

	tokenString, _, err := issuer.IssueAPIToken(context.Background(), Principal{
		UserID:   "user-1",
		TenantID: "tenant-1",
	})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	validator := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "corkboard-auth",
		Audience:      "corkboard-api",
		TokenTTL:      5 * time.Minute,
		Clock:         func() time.Time { return now.Add(10 * time.Minute) },
	})

	_, err = validator.ValidateToken(tokenString)
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenIssuerRejectsWrongAudience(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "corkboard-auth",
		Audience:      "corkboard-api",
	})
	tokenString, _, err := issuer.IssueAPIToken(context.Background(), Principal{
		UserID:   "user-1",
		TenantID: "tenant-1",
	})
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "corkboard-auth",
		Audience:      "other-api",
	})
	if _, err := other.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to fail for mismatched audience")
	}
}
