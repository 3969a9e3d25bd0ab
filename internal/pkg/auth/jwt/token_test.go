package jwt

import (
	"testing"
	"time"
)

const testSecret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	payload := &Payload{
		ID:          "user-1",
		RoomID:      "room-1",
		Role:        "therapist",
		DisplayName: "Dr. Example",
	}

	tokenString, err := GenerateToken(payload, testSecret, RoomAccessExpiration)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	parsed, err := ParseToken(tokenString, testSecret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}

	if parsed.ID != "user-1" || parsed.RoomID != "room-1" || parsed.Role != "therapist" {
		t.Errorf("parsed claims = %+v, want the generated identity", parsed)
	}
	if parsed.Issuer != TokenIssuer {
		t.Errorf("issuer = %q, want %q", parsed.Issuer, TokenIssuer)
	}
	if exp := time.Unix(parsed.ExpiresAt, 0); time.Until(exp) > RoomAccessExpiration {
		t.Errorf("expiry %v exceeds the room token lifetime", exp)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	tokenString, err := GenerateToken(&Payload{ID: "user-1"}, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := ParseToken(tokenString, "other-secret"); err == nil {
		t.Fatal("token signed with a different secret must not parse")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	tokenString, err := GenerateToken(&Payload{ID: "user-1"}, testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	if _, err := ParseToken(tokenString, testSecret); err == nil {
		t.Fatal("expired token must not parse")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseToken("not.a.token", testSecret); err == nil {
		t.Fatal("malformed token must not parse")
	}
}
