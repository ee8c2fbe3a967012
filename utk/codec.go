package utk

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// The vault issues UTKs in two wire encodings depending on the operation:
// unlock and change responses carry compact "id:base64(pub)" strings, while
// setup and create responses carry {"id","public_key"} objects. The pool
// ingests both.

// WireKey is the object encoding of a UTK.
type WireKey struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
}

// DecodeCompact parses the "id:base64(pub)" encoding.
func DecodeCompact(s string) (Key, error) {
	id, b64, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Key{}, fmt.Errorf("malformed compact UTK %q", s)
	}
	pub, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed compact UTK %q: %w", id, err)
	}
	if len(pub) != 32 {
		return Key{}, fmt.Errorf("UTK %q: public key must be 32 bytes, got %d", id, len(pub))
	}
	return Key{ID: id, PublicKey: pub, Algorithm: AlgorithmX25519}, nil
}

// DecodeCompactList parses a list of compact UTKs, skipping malformed
// entries. Replenishment lists are best-effort: one bad entry must not
// reject the rest.
func DecodeCompactList(list []string) []Key {
	keys := make([]Key, 0, len(list))
	for _, s := range list {
		k, err := DecodeCompact(s)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

// DecodeWire converts the object encoding.
func DecodeWire(w WireKey) (Key, error) {
	pub, err := base64.StdEncoding.DecodeString(w.PublicKey)
	if err != nil {
		return Key{}, fmt.Errorf("malformed UTK %q: %w", w.ID, err)
	}
	if w.ID == "" || len(pub) != 32 {
		return Key{}, fmt.Errorf("malformed UTK %q", w.ID)
	}
	return Key{ID: w.ID, PublicKey: pub, Algorithm: AlgorithmX25519}, nil
}

// DecodeWireList converts a list of object-encoded UTKs, skipping
// malformed entries.
func DecodeWireList(list []WireKey) []Key {
	keys := make([]Key, 0, len(list))
	for _, w := range list {
		k, err := DecodeWire(w)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}
