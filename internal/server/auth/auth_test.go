package auth

import (
	"context"
	"testing"
	"time"
)

func TestWithAccountIDAndFrom(t *testing.T) {
	ctx := WithAccountID(context.Background(), 42)
	got, ok := AccountIDFrom(ctx)
	if !ok {
		t.Fatal("expected account id in context")
	}
	if got != 42 {
		t.Errorf("account id = %d, want 42", got)
	}
}

func TestAccountIDFromEmptyContext(t *testing.T) {
	if _, ok := AccountIDFrom(context.Background()); ok {
		t.Error("expected no account id in empty context")
	}
}

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(7, "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	id, err := ParseToken(token, "secret")
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if id != 7 {
		t.Errorf("account id = %d, want 7", id)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := IssueToken(7, "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := ParseToken(token, "other"); err == nil {
		t.Error("expected parse failure with wrong secret")
	}
}

func TestParseTokenExpired(t *testing.T) {
	token, err := IssueToken(7, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	if _, err := ParseToken(token, "secret"); err == nil {
		t.Error("expected parse failure for expired token")
	}
}

func TestParseTokenGarbage(t *testing.T) {
	if _, err := ParseToken("not-a-token", "secret"); err == nil {
		t.Error("expected parse failure for malformed token")
	}
}
