package store

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mesmerverse/vettid-dev/appclient/utk"
)

func testStore(t *testing.T) *EncryptedStore {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRejectsBadDeviceKey(t *testing.T) {
	if _, err := Open(":memory:", []byte("short")); !errors.Is(err, ErrInvalidDeviceKey) {
		t.Errorf("expected ErrInvalidDeviceKey, got %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := testStore(t)

	value := []byte("credential blob")
	if err := s.Put("cred/main", value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get("cred/main")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Get = %q, want %q", got, value)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := testStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := testStore(t)
	if err := s.Put("k", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put("k", []byte("v2")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	got, err := s.Get("k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v2" {
		t.Errorf("Get = %q, want v2", got)
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	if err := s.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get("k"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
	}
	if err := s.Delete("k"); err != nil {
		t.Errorf("deleting a missing key should not error, got %v", err)
	}
}

func TestValuesSealedOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealed.db")
	key := make([]byte, 32)
	s, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	secret := []byte("very secret utk material")
	if err := s.Put("k", secret); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var raw []byte
	if err := s.db.QueryRow(`SELECT value FROM kv WHERE key = 'k'`).Scan(&raw); err != nil {
		t.Fatalf("raw read failed: %v", err)
	}
	if bytes.Contains(raw, secret) {
		t.Error("plaintext found in the raw database row")
	}
}

func TestWrongDeviceKeyFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rekey.db")
	key1 := make([]byte, 32)
	key1[0] = 1

	s1, err := Open(path, key1)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s1.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s1.Close()

	key2 := make([]byte, 32)
	key2[0] = 2
	s2, err := Open(path, key2)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if _, err := s2.Get("k"); err == nil {
		t.Error("Get succeeded with the wrong device key")
	}
}

func TestPoolPersistenceRoundTrip(t *testing.T) {
	s := testStore(t)

	pool := utk.NewPool(s)
	pool.Ingest([]utk.Key{
		{ID: "utk-1", PublicKey: make([]byte, 32), Algorithm: utk.AlgorithmX25519},
		{ID: "utk-2", PublicKey: make([]byte, 32), Algorithm: utk.AlgorithmX25519},
	})
	if _, ok := pool.Select(); !ok {
		t.Fatal("Select failed")
	}

	restored := utk.NewPool(s)
	if err := s.LoadPool(restored); err != nil {
		t.Fatalf("LoadPool failed: %v", err)
	}
	if restored.Count() != 1 {
		t.Fatalf("restored pool has %d keys, want 1", restored.Count())
	}

	// The spent id must survive the round trip so a replayed replenishment
	// cannot resurrect it.
	if added := restored.Ingest([]utk.Key{{ID: "utk-1", PublicKey: make([]byte, 32)}}); added != 0 {
		t.Errorf("spent key resurrected after restore: added %d", added)
	}
}

func TestLoadPoolMissingRecord(t *testing.T) {
	s := testStore(t)
	pool := utk.NewPool(nil)
	if err := s.LoadPool(pool); err != nil {
		t.Fatalf("LoadPool on empty store failed: %v", err)
	}
	if pool.Count() != 0 {
		t.Errorf("pool has %d keys, want 0", pool.Count())
	}
}
