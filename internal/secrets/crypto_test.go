package secrets

import (
	"context"
	"testing"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901")
}

func TestAESGCM_EncryptDecryptRoundTrip(t *testing.T) {
	a, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}
	ciphertext, err := a.Encrypt("sk-live-abc123")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == "sk-live-abc123" {
		t.Fatal("expected ciphertext to differ from plaintext")
	}
	plaintext, err := a.Decrypt(context.Background(), ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "sk-live-abc123" {
		t.Fatalf("expected round-tripped plaintext, got %q", plaintext)
	}
}

func TestAESGCM_RejectsWrongKeyLength(t *testing.T) {
	if _, err := NewAESGCM([]byte("too-short")); err == nil {
		t.Fatal("expected error for a non-32-byte key")
	}
}

func TestAESGCM_DecryptRejectsMalformedCiphertext(t *testing.T) {
	a, err := NewAESGCM(testKey())
	if err != nil {
		t.Fatalf("NewAESGCM: %v", err)
	}
	if _, err := a.Decrypt(context.Background(), "not-valid-base64!!!"); err == nil {
		t.Fatal("expected an error for malformed ciphertext")
	}
}

func TestGenerateKey_ProducesDecodableBase64(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if key == "" {
		t.Fatal("expected a non-empty key")
	}
}
