package ids

import (
	"encoding/base64"
	"testing"
	"time"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected %s < %s", a, b)
	}
}

func TestNewAtRoundTripsTime(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	id := NewAt(at)
	got, err := Time(id)
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("expected %v, got %v", at, got)
	}
}

func TestToken(t *testing.T) {
	tok, err := Token(32)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("token is not base64url: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(raw))
	}
	other, _ := Token(32)
	if other == tok {
		t.Fatal("expected distinct tokens")
	}
	if _, err := Token(0); err == nil {
		t.Fatal("expected error for zero size")
	}
}
