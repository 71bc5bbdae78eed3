package auth

import (
	"testing"
	"time"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	tokens := NewTokens("test-secret")
	signed, err := tokens.Issue("acct-1", PurposeSession, time.Minute)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	subject, err := tokens.Verify(signed, PurposeSession)
	if err != nil {
		t.Fatalf("verifying token: %v", err)
	}
	if subject != "acct-1" {
		t.Fatalf("subject = %q, want acct-1", subject)
	}
}

func TestVerifyRejectsWrongPurpose(t *testing.T) {
	tokens := NewTokens("test-secret")
	signed, err := tokens.Issue("acct-1", PurposeReset, time.Minute)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	if _, err := tokens.Verify(signed, PurposeSession); err == nil {
		t.Fatalf("a reset token must not pass as a session token")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	tokens := NewTokens("test-secret")
	signed, err := tokens.Issue("acct-1", PurposeSession, -time.Minute)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	if _, err := tokens.Verify(signed, PurposeSession); err == nil {
		t.Fatalf("an expired token must not verify")
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	signed, err := NewTokens("secret-a").Issue("acct-1", PurposeSession, time.Minute)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	if _, err := NewTokens("secret-b").Verify(signed, PurposeSession); err == nil {
		t.Fatalf("a token signed under another secret must not verify")
	}
}

func TestIssueFailsWithoutSecret(t *testing.T) {
	if _, err := NewTokens("").Issue("acct-1", PurposeSession, time.Minute); err == nil {
		t.Fatalf("issuing with an empty secret must fail")
	}
}
