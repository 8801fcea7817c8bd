package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParse_ValidHS256(t *testing.T) {
	secret := []byte("test-secret")
	token, err := Issue(secret, Claims{
		OperatorID: "op1",
		Roles:      []string{"admin"},
	}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := Parse(secret, token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.OperatorID != "op1" {
		t.Fatalf("expected operator id op1, got %q", claims.OperatorID)
	}
	if claims.Subject != "op1" {
		t.Fatalf("expected subject op1, got %q", claims.Subject)
	}
}

func TestParse_RejectsUnexpectedAlgorithm(t *testing.T) {
	secret := []byte("test-secret")
	now := time.Now()
	claims := Claims{
		OperatorID: "op1",
		Roles:      []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   "op1",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS384, claims)
	tokenStr, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	if _, err := Parse(secret, tokenStr); err == nil {
		t.Fatalf("expected parse to reject non-HS256 token")
	}
}

func TestIssueDeviceBindsScreen(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueDevice(secret, "screen-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueDevice: %v", err)
	}

	claims, err := Parse(secret, token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.ScreenID != "screen-1" {
		t.Fatalf("expected screen id screen-1, got %q", claims.ScreenID)
	}
	if !claims.IsDevice() {
		t.Fatal("expected device role")
	}
	if claims.Subject != "screen-1" {
		t.Fatalf("expected subject screen-1, got %q", claims.Subject)
	}
}
