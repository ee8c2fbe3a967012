package crypto

import (
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for PIN/password hashing. Must match the vault side.
const (
	Argon2idTime    = 3
	Argon2idMemory  = 262144 // 256 MB
	Argon2idThreads = 4
	Argon2idKeyLen  = 32
)

// Sensitive is a byte buffer holding PIN or password material.
// Callers defer Zero() so the plaintext does not outlive its use.
type Sensitive []byte

// Zero overwrites the buffer.
func (s Sensitive) Zero() {
	Zero(s)
}

// Zero overwrites a byte slice with zeros.
// SECURITY: Used to clear sensitive material from memory.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// HashAuthInput hashes a PIN or password with Argon2id for verification
// inside the vault. The input is not zeroed here; the caller owns it.
func HashAuthInput(input, salt []byte) []byte {
	return argon2.IDKey(input, salt, Argon2idTime, Argon2idMemory, Argon2idThreads, Argon2idKeyLen)
}

// GenerateSalt returns a random 16-byte salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}
