// Package crypto tests for header sealing and key derivation.
package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
)

// =====================================================
// Sealer Tests
// =====================================================

// TestSealer_roundtrip verifies Seal/Open recovers the plaintext.
func TestSealer_roundtrip(t *testing.T) {
	s, err := NewSealer("device-secret")
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	plaintext := []byte(`{"Authorization":["Bearer abc"],"Content-Type":["application/json"]}`)
	sealed, err := s.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "Bearer") {
		t.Error("Seal() output should not contain the plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Open() = %q, want %q", opened, plaintext)
	}
}

// TestNewSealer_emptySecret verifies an empty secret is rejected.
func TestNewSealer_emptySecret(t *testing.T) {
	if _, err := NewSealer(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewSealer(\"\") error = %v, want ErrInvalidKey", err)
	}
}

// TestSealer_wrongSecret verifies a different secret cannot open the payload.
func TestSealer_wrongSecret(t *testing.T) {
	a, _ := NewSealer("secret-a")
	b, _ := NewSealer("secret-b")

	sealed, err := a.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := b.Open(sealed); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open() with wrong secret error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestSealer_uniqueNonce verifies each seal produces distinct output.
func TestSealer_uniqueNonce(t *testing.T) {
	s, _ := NewSealer("device-secret")
	first, _ := s.Seal([]byte("same"))
	second, _ := s.Seal([]byte("same"))
	if first == second {
		t.Error("Seal() twice produced identical output (nonce should be random)")
	}
}

// TestSealer_tampered verifies tampered ciphertexts are rejected.
func TestSealer_tampered(t *testing.T) {
	s, _ := NewSealer("device-secret")
	sealed, _ := s.Seal([]byte("payload"))

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := s.Open(tampered); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Open() tampered error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestSealer_malformed verifies malformed input is rejected without panicking.
func TestSealer_malformed(t *testing.T) {
	s, _ := NewSealer("device-secret")

	tests := []string{"", "not base64!!", base64.StdEncoding.EncodeToString([]byte("short"))}
	for _, in := range tests {
		if _, err := s.Open(in); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("Open(%q) error = %v, want ErrInvalidCiphertext", in, err)
		}
	}
}

// TestSealer_concurrent verifies a Sealer can be shared across goroutines.
func TestSealer_concurrent(t *testing.T) {
	s, _ := NewSealer("device-secret")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sealed, err := s.Seal([]byte("payload"))
			if err != nil {
				t.Errorf("Seal() error = %v", err)
				return
			}
			if _, err := s.Open(sealed); err != nil {
				t.Errorf("Open() error = %v", err)
			}
		}()
	}
	wg.Wait()
}

// =====================================================
// Encrypt/Decrypt Tests
// =====================================================

// TestEncryptDecrypt_roundtrip verifies basic encryption and decryption.
func TestEncryptDecrypt_roundtrip(t *testing.T) {
	plaintext := []byte("Hello, World!")
	key := []byte("test-key-12345")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

// TestDecrypt_wrongKey verifies decryption with wrong key fails.
func TestDecrypt_wrongKey(t *testing.T) {
	ciphertext, err := Encrypt([]byte("secret"), []byte("right"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := Decrypt(ciphertext, []byte("wrong")); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt() error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestEncrypt_emptyPlaintext verifies empty input round-trips.
func TestEncrypt_emptyPlaintext(t *testing.T) {
	ciphertext, err := Encrypt(nil, []byte("key"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	decrypted, err := Decrypt(ciphertext, []byte("key"))
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if len(decrypted) != 0 {
		t.Errorf("Decrypt() = %q, want empty", decrypted)
	}
}

// =====================================================
// Key Derivation Tests
// =====================================================

// TestDeriveKey_consistency verifies derivation is deterministic.
func TestDeriveKey_consistency(t *testing.T) {
	k1 := DeriveKey("device-secret")
	k2 := DeriveKey("device-secret")

	if len(k1) != 32 {
		t.Errorf("DeriveKey() length = %d, want 32", len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveKey() should be deterministic")
	}
}

// TestDeriveKey_differentInputs verifies different secrets give different keys.
func TestDeriveKey_differentInputs(t *testing.T) {
	if bytes.Equal(DeriveKey("a"), DeriveKey("b")) {
		t.Error("DeriveKey() should differ for different secrets")
	}
}
