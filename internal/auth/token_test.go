package auth

import (
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:   42,
		Name:  "alice",
		Admin: true,
		JTI:   "jti-1",
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != 42 || claims.Name != "alice" || !claims.Admin {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  42,
		Name: "alice",
		JTI:  "jti-1",
		Exp:  time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); err != ErrExpiredToken {
		t.Fatalf("ParseToken() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRejectsTamperedSignature(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Sub:  7,
		Name: "bob",
		JTI:  "jti-2",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	parts := strings.Split(issued, ".")
	tampered := parts[0] + ".AAAA" + parts[1][4:]
	if _, err := ParseToken(secret, tampered); err != ErrInvalidToken {
		t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
	}
}

func TestParseTokenRejectsZeroSubject(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, Claims{
		Name: "ghost",
		JTI:  "jti-3",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); err != ErrInvalidToken {
		t.Fatalf("ParseToken() error = %v, want ErrInvalidToken", err)
	}
}
