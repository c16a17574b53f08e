package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func setTestSecret(t *testing.T) {
	t.Helper()
	ResetSecretCache()
	t.Setenv("SAFETY_AUTH_SECRET", "unit-test-secret")
	t.Cleanup(ResetSecretCache)
}

func TestGenerateAndParse(t *testing.T) {
	setTestSecret(t)

	token, err := GenerateToken("user-42", []string{"Admin", "viewer", "admin"}, []string{"student-1"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", claims.Roles)
	}
	if len(claims.Entities) != 1 || claims.Entities[0] != "student-1" {
		t.Fatalf("entities were not preserved: %v", claims.Entities)
	}

	id := IdentityFromClaims(claims)
	if id.UserID != "user-42" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if !id.HasRole("ADMIN") || !id.HasRole("viewer") {
		t.Fatalf("HasRole must match case-insensitively: %v", id.Roles)
	}
	if id.HasRole("operator") {
		t.Fatalf("unexpected role found")
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setTestSecret(t)

	if _, err := GenerateToken("", nil, nil, time.Minute); err == nil {
		t.Fatalf("empty user id must be rejected")
	}
	if _, err := GenerateToken("user-42", nil, nil, 0); err == nil {
		t.Fatalf("non-positive ttl must be rejected")
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	setTestSecret(t)

	if _, err := ParseAndValidate(""); !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("empty token: got %v", err)
	}
	if _, err := ParseAndValidate("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("malformed token: got %v", err)
	}

	expired, err := GenerateToken("user-42", nil, nil, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: got %v", err)
	}
}

func TestParseRejectsForeignSecret(t *testing.T) {
	setTestSecret(t)
	token, err := GenerateToken("user-42", nil, nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	ResetSecretCache()
	t.Setenv("SAFETY_AUTH_SECRET", "a-different-secret")
	if _, err := ParseAndValidate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token signed with another secret: got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	ResetSecretCache()
	t.Setenv("SAFETY_AUTH_SECRET", "")
	t.Cleanup(ResetSecretCache)

	if _, err := GenerateToken("user-42", nil, nil, time.Minute); err == nil {
		t.Fatalf("missing secret must fail token generation")
	}
}

func TestContextRoundTrips(t *testing.T) {
	ctx := context.Background()

	if _, ok := FromContext(ctx); ok {
		t.Fatalf("empty context must not yield an identity")
	}
	ctx = ContextWithIdentity(ctx, Identity{UserID: "user-7", Roles: []string{"admin"}})
	id, ok := FromContext(ctx)
	if !ok || id.UserID != "user-7" {
		t.Fatalf("unexpected identity: %+v, ok=%v", id, ok)
	}

	if _, ok := TokenFromContext(ctx); ok {
		t.Fatalf("token was never attached")
	}
	ctx = ContextWithToken(ctx, "bearer-raw")
	token, ok := TokenFromContext(ctx)
	if !ok || token != "bearer-raw" {
		t.Fatalf("unexpected token: %q, ok=%v", token, ok)
	}
}
