// ABOUTME: Tests for operator token generation and verification.

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndVerify(t *testing.T) {
	v, err := NewJWTVerifier([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	tok, err := v.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Verify(tok); err != nil {
		t.Errorf("freshly generated token must verify: %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer, _ := NewJWTVerifier([]byte("secret-a"))
	verifier, _ := NewJWTVerifier([]byte("secret-b"))

	tok, err := issuer.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	if err := verifier.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	v, _ := NewJWTVerifier([]byte("test-secret"))

	tok, err := v.Generate(-time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Verify(tok); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyWrongSubject(t *testing.T) {
	secret := []byte("test-secret")
	v, _ := NewJWTVerifier(secret)

	claims := jwt.MapClaims{
		"sub": "intruder",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.Verify(tok); !errors.Is(err, ErrWrongSubject) {
		t.Errorf("expected ErrWrongSubject, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	v, _ := NewJWTVerifier([]byte("test-secret"))
	if err := v.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestEmptySecretRejected(t *testing.T) {
	if _, err := NewJWTVerifier(nil); err == nil {
		t.Error("empty secret must be rejected")
	}
}
