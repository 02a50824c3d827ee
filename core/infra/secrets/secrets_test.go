package secrets

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox(testKey())
	if err != nil || box == nil {
		t.Fatalf("new box: %v", err)
	}
	sealed, err := box.Seal("whsec_abc123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) || strings.Contains(sealed, "whsec_abc123") {
		t.Fatalf("expected sealed value, got %q", sealed)
	}
	again, _ := box.Seal(sealed)
	if again != sealed {
		t.Fatalf("sealing twice must be a no-op")
	}
	plain, err := box.Open(sealed)
	if err != nil || plain != "whsec_abc123" {
		t.Fatalf("open: %q %v", plain, err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	box, _ := NewBox(testKey())
	sealed, _ := box.Seal("secret")
	raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	raw[len(raw)-1] ^= 0x01
	tampered := sealedPrefix + base64.StdEncoding.EncodeToString(raw)
	if _, err := box.Open(tampered); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected open failure, got %v", err)
	}

	other, _ := NewBox(strings.Repeat("ab", 32))
	if _, err := other.Open(sealed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected wrong key failure, got %v", err)
	}
}

func TestNilBoxPassThrough(t *testing.T) {
	box, err := NewBox("")
	if err != nil || box != nil {
		t.Fatalf("expected nil box for empty key")
	}
	sealed, err := box.Seal("plain")
	if err != nil || sealed != "plain" {
		t.Fatalf("expected pass-through seal, got %q %v", sealed, err)
	}
	if plain, _ := box.Open("plain"); plain != "plain" {
		t.Fatalf("expected pass-through open")
	}
	if _, err := box.Open(sealedPrefix + "xxx"); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected error opening sealed value without key, got %v", err)
	}
}

func TestNewBoxRejectsShortKey(t *testing.T) {
	if _, err := NewBox("c2hvcnQ="); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestMaskAndGenerate(t *testing.T) {
	if Mask("") != "" || Mask("abc") != "****" || Mask("whsec_1234") != "****1234" || Mask(sealedPrefix+"zz") != "****" {
		t.Fatalf("unexpected mask output")
	}
	a, err := Generate(16)
	if err != nil || len(a) != 32 {
		t.Fatalf("generate: %q %v", a, err)
	}
	b, _ := Generate(16)
	if a == b {
		t.Fatalf("expected random secrets")
	}
}
