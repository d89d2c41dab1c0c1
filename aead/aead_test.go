package aead

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

// testKey returns a fixed 32-byte key for testing
func testKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey(t)

	plaintexts := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte(`{"balance":1000}`),
		bytes.Repeat([]byte{0xff}, 4096),
	}

	for _, plaintext := range plaintexts {
		payload, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}

		if payload.Algorithm != Algorithm {
			t.Errorf("Algorithm = %q, want %q", payload.Algorithm, Algorithm)
		}
		if payload.Encoding != Encoding {
			t.Errorf("Encoding = %q, want %q", payload.Encoding, Encoding)
		}

		got, err := Decrypt(payload, key)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip mismatch: got %q, want %q", got, plaintext)
		}
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	key := testKey(t)

	p1, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	p2, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if p1.IV == p2.IV {
		t.Error("two encryptions reused the same IV")
	}
	if p1.Ciphertext == p2.Ciphertext {
		t.Error("two encryptions produced identical ciphertext")
	}
}

// flipBit returns a copy of the base64 field with one bit of the decoded
// bytes flipped. A negative byte index counts from the end.
func flipBit(t *testing.T, encoded string, byteIdx, bit int) string {
	t.Helper()

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("test field is not valid base64: %v", err)
	}
	if byteIdx < 0 {
		byteIdx += len(raw)
	}
	raw[byteIdx] ^= 1 << bit
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecrypt_TamperDetection(t *testing.T) {
	key := testKey(t)

	payload, err := Encrypt([]byte("sensitive attribute value"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *EncryptedPayload)
	}{
		{"ciphertext first bit", func(p *EncryptedPayload) { p.Ciphertext = flipBit(t, p.Ciphertext, 0, 0) }},
		{"ciphertext last bit", func(p *EncryptedPayload) { p.Ciphertext = flipBit(t, p.Ciphertext, -1, 7) }},
		{"iv", func(p *EncryptedPayload) { p.IV = flipBit(t, p.IV, 2, 1) }},
		{"tag", func(p *EncryptedPayload) { p.Tag = flipBit(t, p.Tag, 5, 2) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tampered := *payload
			tc.mutate(&tampered)

			got, err := Decrypt(&tampered, key)
			if err == nil {
				t.Fatal("Decrypt accepted tampered payload")
			}
			var decErr *DecryptionError
			if !errors.As(err, &decErr) {
				t.Errorf("error type = %T, want *DecryptionError", err)
			}
			if got != nil {
				t.Error("Decrypt returned partial plaintext on failure")
			}
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	key := testKey(t)
	payload, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	wrongKey := testKey(t)
	wrongKey[0] ^= 0x01

	if _, err := Decrypt(payload, wrongKey); err == nil {
		t.Fatal("Decrypt succeeded with the wrong key")
	}
}

func TestDecrypt_Malformed(t *testing.T) {
	key := testKey(t)
	payload, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(p *EncryptedPayload)
	}{
		{"bad base64 ciphertext", func(p *EncryptedPayload) { p.Ciphertext = "not-base64!!!" }},
		{"bad base64 iv", func(p *EncryptedPayload) { p.IV = "%" }},
		{"truncated iv", func(p *EncryptedPayload) { p.IV = base64.StdEncoding.EncodeToString([]byte("short")) }},
		{"truncated tag", func(p *EncryptedPayload) { p.Tag = base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) }},
		{"wrong algorithm", func(p *EncryptedPayload) { p.Algorithm = "aes-128-cbc" }},
		{"wrong encoding", func(p *EncryptedPayload) { p.Encoding = "hex" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			malformed := *payload
			tc.mutate(&malformed)

			var decErr *DecryptionError
			if _, err := Decrypt(&malformed, key); !errors.As(err, &decErr) {
				t.Errorf("error = %v, want *DecryptionError", err)
			}
		})
	}
}

func TestEncrypt_RejectsBadKeyLength(t *testing.T) {
	if _, err := Encrypt([]byte("x"), make([]byte, 16)); err == nil {
		t.Error("Encrypt accepted a 16-byte key")
	}
	wellFormed := &EncryptedPayload{Algorithm: Algorithm, Encoding: Encoding}
	if _, err := Decrypt(wellFormed, make([]byte, 31)); err == nil {
		t.Error("Decrypt accepted a 31-byte key")
	}
}

func TestDecrypt_PayloadCheckedBeforeKey(t *testing.T) {
	// A nil or mismatched payload is rejected as a decryption failure
	// even when the key is also unusable.
	var decErr *DecryptionError
	if _, err := Decrypt(nil, make([]byte, 31)); !errors.As(err, &decErr) {
		t.Errorf("error = %v, want *DecryptionError for a nil payload", err)
	}
	wrongAlg := &EncryptedPayload{Algorithm: "aes-128-cbc", Encoding: Encoding}
	if _, err := Decrypt(wrongAlg, make([]byte, 31)); !errors.As(err, &decErr) {
		t.Errorf("error = %v, want *DecryptionError for a wrong algorithm", err)
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := testKey(t)

	sealed, err := Seal([]byte("store record"), key)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	got, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(got) != "store record" {
		t.Errorf("round trip mismatch: got %q", got)
	}

	// Tampering with the compact form must also fail closed.
	sealed[len(sealed)-1] ^= 0x80
	if _, err := Open(sealed, key); err == nil {
		t.Error("Open accepted tampered blob")
	}

	if _, err := Open([]byte{1, 2}, key); err == nil {
		t.Error("Open accepted a blob shorter than the IV")
	}
}
