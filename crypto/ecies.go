// Package crypto implements the envelope encryption used for sensitive
// payloads sent to the vault. Each envelope is encrypted to a recipient
// X25519 public key with a freshly generated ephemeral keypair, so the
// ciphertext is useless to anyone holding only the transport.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// X25519 + AES-256-GCM envelope format (matches the vault's decryptWithECIES):
// Bytes 0-31:   Ephemeral public key (X25519)
// Bytes 32-43:  Nonce (12 bytes for AES-GCM)
// Bytes 44+:    AES-256-GCM ciphertext (with 16-byte auth tag)
const (
	x25519PublicKeySize = 32
	aesGCMNonceSize     = 12
	aesGCMTagSize       = 16
	minEnvelopeSize     = x25519PublicKeySize + aesGCMNonceSize + aesGCMTagSize
)

// hkdfInfoPrefix is the domain separation label for envelope key derivation.
// Must match the vault side exactly.
const hkdfInfoPrefix = "vettid-ecies-encryption"

var (
	ErrInvalidKey        = errors.New("invalid key material")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Envelope is a payload encrypted to a recipient's X25519 public key.
// The split fields exist because some request formats carry the three
// components as separate base64 strings rather than one framed blob.
type Envelope struct {
	EphemeralPublicKey []byte
	Nonce              []byte
	Ciphertext         []byte
}

// Bytes returns the framed wire form: ephemeral_public || nonce || ciphertext.
func (e *Envelope) Bytes() []byte {
	out := make([]byte, 0, len(e.EphemeralPublicKey)+len(e.Nonce)+len(e.Ciphertext))
	out = append(out, e.EphemeralPublicKey...)
	out = append(out, e.Nonce...)
	out = append(out, e.Ciphertext...)
	return out
}

// ParseEnvelope splits a framed blob back into its components.
func ParseEnvelope(blob []byte) (*Envelope, error) {
	if len(blob) < minEnvelopeSize {
		return nil, fmt.Errorf("%w: blob too short (min %d bytes, got %d)", ErrInvalidCiphertext, minEnvelopeSize, len(blob))
	}
	return &Envelope{
		EphemeralPublicKey: blob[:x25519PublicKeySize],
		Nonce:              blob[x25519PublicKeySize : x25519PublicKeySize+aesGCMNonceSize],
		Ciphertext:         blob[x25519PublicKeySize+aesGCMNonceSize:],
	}, nil
}

// Encrypt seals plaintext to the recipient's X25519 public key.
// A fresh ephemeral keypair and nonce are generated on every call; retries
// of the same logical request must call Encrypt again rather than resend
// a previous envelope.
func Encrypt(plaintext []byte, recipientPublic []byte) (*Envelope, error) {
	if len(recipientPublic) != x25519PublicKeySize {
		return nil, fmt.Errorf("%w: recipient public key must be %d bytes, got %d", ErrInvalidKey, x25519PublicKeySize, len(recipientPublic))
	}

	ephemeralPrivate := make([]byte, 32)
	if _, err := rand.Read(ephemeralPrivate); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer Zero(ephemeralPrivate)

	ephemeralPublic, err := curve25519.X25519(ephemeralPrivate, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}

	sharedSecret, err := curve25519.X25519(ephemeralPrivate, recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: X25519 key exchange failed: %v", ErrInvalidKey, err)
	}
	defer Zero(sharedSecret)

	aead, err := newEnvelopeAEAD(sharedSecret, ephemeralPublic)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCMNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Envelope{
		EphemeralPublicKey: ephemeralPublic,
		Nonce:              nonce,
		Ciphertext:         aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Decrypt opens a framed envelope with the recipient's X25519 private key.
// Used for the response direction, where the vault encrypts credential
// material back to a key the device holds.
func Decrypt(recipientPrivate []byte, blob []byte) ([]byte, error) {
	if len(recipientPrivate) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes", ErrInvalidKey)
	}

	env, err := ParseEnvelope(blob)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := curve25519.X25519(recipientPrivate, env.EphemeralPublicKey)
	if err != nil {
		return nil, fmt.Errorf("X25519 key exchange failed: %w", err)
	}
	defer Zero(sharedSecret)

	aead, err := newEnvelopeAEAD(sharedSecret, env.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// newEnvelopeAEAD derives the AES-256-GCM cipher for one envelope.
// Info includes the ephemeral public key for domain separation.
func newEnvelopeAEAD(sharedSecret, ephemeralPublic []byte) (cipher.AEAD, error) {
	info := append([]byte(hkdfInfoPrefix), ephemeralPublic...)
	hkdfReader := hkdf.New(sha256.New, sharedSecret, nil, info)
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, aesKey); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer Zero(aesKey)

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	return cipher.NewGCM(block)
}

// GenerateKeypair creates a new X25519 keypair, used for the device-side
// response key during enrollment.
func GenerateKeypair() (private, public []byte, err error) {
	private = make([]byte, 32)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		Zero(private)
		return nil, nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	return private, public, nil
}
