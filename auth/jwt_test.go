package auth

import (
	"testing"

	"go.uber.org/zap"
)

func testAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "test-signing-key-for-units",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return a
}

func TestServerTokenRoundtrip(t *testing.T) {
	a := testAuth(t)

	token, err := a.CreateServerToken(42, "job-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.VerifyServerToken(token, 42, "job-abc") {
		t.Fatalf("expected token to verify for its own scope")
	}
}

func TestServerTokenScopeMismatch(t *testing.T) {
	a := testAuth(t)

	token, err := a.CreateServerToken(42, "job-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.VerifyServerToken(token, 43, "job-abc") {
		t.Fatalf("token must not verify for another game")
	}
	if a.VerifyServerToken(token, 42, "job-def") {
		t.Fatalf("token must not verify for another server")
	}
}

func TestServerTokenGarbageRejected(t *testing.T) {
	a := testAuth(t)
	if a.VerifyServerToken("not-a-token", 42, "job-abc") {
		t.Fatalf("garbage must not verify")
	}
	if a.VerifyServerToken("", 42, "job-abc") {
		t.Fatalf("empty token must not verify")
	}
}

func TestServerTokenWrongKeyRejected(t *testing.T) {
	a := testAuth(t)
	other, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "a-different-signing-key-entirely",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, err := other.CreateServerToken(42, "job-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.VerifyServerToken(token, 42, "job-abc") {
		t.Fatalf("token signed with another key must not verify")
	}
}

func TestDashboardTokenRoundtrip(t *testing.T) {
	a := testAuth(t)

	token, err := a.CreateTokenFromClaims(Claims{
		ID:   "user-1",
		Name: "someone",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claims, err := a.verifyToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims == nil {
		t.Fatalf("expected claims from a valid token")
	}
	if claims.ID != "user-1" || claims.Name != "someone" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}
