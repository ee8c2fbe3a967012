// Package store provides the encrypted on-device store for transaction
// keys and credential material. Values are sealed with XChaCha20-Poly1305
// under a 32-byte device key before they touch the SQLite file, so the
// database on disk never holds plaintext key material.
package store

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"github.com/mesmerverse/vettid-dev/appclient/utk"
)

var (
	// ErrKeyNotFound is returned when the requested key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidDeviceKey is returned when the device key is the wrong size.
	ErrInvalidDeviceKey = errors.New("device key must be 32 bytes")
)

// Store keys for well-known records.
const (
	keyUTKPool = "utk/pool"
)

// EncryptedStore is a sqlite-backed encrypted key-value store.
type EncryptedStore struct {
	db        *sql.DB
	deviceKey []byte
	mu        sync.RWMutex
}

// Open creates or opens the store at path. Pass ":memory:" for tests.
func Open(path string, deviceKey []byte) (*EncryptedStore, error) {
	if len(deviceKey) != chacha20poly1305.KeySize {
		return nil, ErrInvalidDeviceKey
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	key := make([]byte, len(deviceKey))
	copy(key, deviceKey)

	return &EncryptedStore{db: db, deviceKey: key}, nil
}

// Put seals and stores value under key.
func (s *EncryptedStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.seal(key, value)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, sealed, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store %q: %w", key, err)
	}
	return nil
}

// Get retrieves and opens the value stored under key.
func (s *EncryptedStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sealed []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}

	return s.open(key, sealed)
}

// Delete removes the value stored under key. Deleting a missing key is not
// an error.
func (s *EncryptedStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

// Close closes the underlying database and clears the device key.
func (s *EncryptedStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.deviceKey {
		s.deviceKey[i] = 0
	}
	return s.db.Close()
}

// seal encrypts value with a random nonce. The record key is bound in as
// additional data so a value cannot be swapped between records.
func (s *EncryptedStore) seal(key string, value []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.deviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return append(nonce, aead.Seal(nil, nonce, value, []byte(key))...), nil
}

func (s *EncryptedStore) open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("record %q is truncated", key)
	}

	aead, err := chacha20poly1305.NewX(s.deviceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := sealed[:chacha20poly1305.NonceSizeX]
	ciphertext := sealed[chacha20poly1305.NonceSizeX:]
	value, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %q: %w", key, err)
	}
	return value, nil
}

// poolRecord is the persisted form of the transaction key pool.
type poolRecord struct {
	Keys     []utk.Key `cbor:"1,keyasint"`
	SpentIDs []string  `cbor:"2,keyasint"`
}

// SavePool persists the pool contents and spent-id set. Implements
// utk.Persister.
func (s *EncryptedStore) SavePool(keys []utk.Key, spentIDs []string) error {
	data, err := cbor.Marshal(poolRecord{Keys: keys, SpentIDs: spentIDs})
	if err != nil {
		return fmt.Errorf("failed to encode pool record: %w", err)
	}
	return s.Put(keyUTKPool, data)
}

// LoadPool restores the persisted pool state into pool. A missing record is
// not an error; the pool simply starts empty.
func (s *EncryptedStore) LoadPool(pool *utk.Pool) error {
	data, err := s.Get(keyUTKPool)
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var rec poolRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode pool record: %w", err)
	}

	pool.Restore(rec.Keys, rec.SpentIDs)
	log.Debug().Int("keys", len(rec.Keys)).Int("spent", len(rec.SpentIDs)).Msg("Transaction key pool restored")
	return nil
}
