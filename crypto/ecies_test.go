package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	private, public, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	plaintext := []byte(`{"pin":"123456"}`)
	env, err := Encrypt(plaintext, public)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	decrypted, err := Decrypt(private, env.Bytes())
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptGeneratesFreshEnvelope(t *testing.T) {
	_, public, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	plaintext := []byte("same payload")
	env1, err := Encrypt(plaintext, public)
	if err != nil {
		t.Fatalf("first Encrypt failed: %v", err)
	}
	env2, err := Encrypt(plaintext, public)
	if err != nil {
		t.Fatalf("second Encrypt failed: %v", err)
	}

	if bytes.Equal(env1.EphemeralPublicKey, env2.EphemeralPublicKey) {
		t.Error("two envelopes share an ephemeral key")
	}
	if bytes.Equal(env1.Nonce, env2.Nonce) {
		t.Error("two envelopes share a nonce")
	}
	if bytes.Equal(env1.Ciphertext, env2.Ciphertext) {
		t.Error("two envelopes share a ciphertext")
	}
}

func TestEncryptRejectsBadKey(t *testing.T) {
	_, err := Encrypt([]byte("data"), []byte("short"))
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for short key, got %v", err)
	}

	_, err = Encrypt([]byte("data"), nil)
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for nil key, got %v", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	private, public, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	env, err := Encrypt([]byte("secret"), public)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	blob := env.Bytes()
	blob[len(blob)-1] ^= 0x01

	_, err = Decrypt(private, blob)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed for tampered blob, got %v", err)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	_, public, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}
	otherPrivate, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	env, err := Encrypt([]byte("secret"), public)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	_, err = Decrypt(otherPrivate, env.Bytes())
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed for wrong key, got %v", err)
	}
}

func TestParseEnvelopeRejectsShortBlob(t *testing.T) {
	_, err := ParseEnvelope(make([]byte, minEnvelopeSize-1))
	if !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestEnvelopeBytesRoundTrip(t *testing.T) {
	_, public, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	env, err := Encrypt([]byte("payload"), public)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	parsed, err := ParseEnvelope(env.Bytes())
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if !bytes.Equal(parsed.EphemeralPublicKey, env.EphemeralPublicKey) {
		t.Error("ephemeral key mismatch after reframing")
	}
	if !bytes.Equal(parsed.Nonce, env.Nonce) {
		t.Error("nonce mismatch after reframing")
	}
	if !bytes.Equal(parsed.Ciphertext, env.Ciphertext) {
		t.Error("ciphertext mismatch after reframing")
	}
}
