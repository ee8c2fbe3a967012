// Package utk manages the inventory of single-use transaction keys (UTKs)
// issued by the vault. Every sensitive request spends exactly one UTK: the
// key is removed from the pool the moment it is selected, before the request
// is even built, and is never restored; a lost key is strictly safer than a
// reused one. The vault replenishes the pool in its responses.
package utk

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrPoolEmpty is returned by callers that require a key when none remain.
// The user must re-authenticate or re-enroll to obtain fresh keys.
var ErrPoolEmpty = errors.New("no transaction keys available")

// Key is a single-use X25519 public key issued by the vault.
type Key struct {
	ID        string `json:"id" cbor:"1,keyasint"`
	PublicKey []byte `json:"public_key" cbor:"2,keyasint"`
	Algorithm string `json:"algorithm,omitempty" cbor:"3,keyasint,omitempty"`
}

// AlgorithmX25519 is the only curve family the vault currently issues.
const AlgorithmX25519 = "x25519"

// Persister saves the pool state after each mutation so keys survive
// process restarts. Implementations must tolerate being called under
// the pool's lock.
type Persister interface {
	SavePool(keys []Key, spentIDs []string) error
}

// Pool is the ordered collection of available keys for one identity.
// All mutations are serialized; two concurrent callers can never select
// the same key.
type Pool struct {
	mu      sync.Mutex
	keys    []Key
	seen    map[string]struct{} // every id ever ingested, including spent ones
	spent   []string
	persist Persister
}

// NewPool creates an empty pool. persist may be nil.
func NewPool(persist Persister) *Pool {
	return &Pool{
		seen:    make(map[string]struct{}),
		persist: persist,
	}
}

// Restore seeds the pool from persisted state. Spent ids are retained so a
// replayed replenishment cannot resurrect a key that was already used.
func (p *Pool) Restore(keys []Key, spentIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.keys = p.keys[:0]
	p.spent = append(p.spent[:0], spentIDs...)
	p.seen = make(map[string]struct{}, len(keys)+len(spentIDs))
	for _, id := range spentIDs {
		p.seen[id] = struct{}{}
	}
	for _, k := range keys {
		if _, dup := p.seen[k.ID]; dup {
			continue
		}
		p.seen[k.ID] = struct{}{}
		p.keys = append(p.keys, k)
	}
}

// Select atomically removes and returns the first available key.
// The key is spent the instant this returns, regardless of what happens
// to the request it was selected for.
func (p *Pool) Select() (Key, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return Key{}, false
	}

	k := p.keys[0]
	p.keys = p.keys[1:]
	p.spent = append(p.spent, k.ID)
	p.save()

	log.Debug().Str("key_id", k.ID).Int("remaining", len(p.keys)).Msg("Transaction key selected")
	return k, true
}

// Ingest appends newly issued keys. Ingestion is idempotent: ids already
// seen, whether still available or spent, are ignored, so a replayed
// response cannot duplicate or resurrect keys. Returns the number of keys
// actually added.
func (p *Pool) Ingest(keys []Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, k := range keys {
		if k.ID == "" || len(k.PublicKey) == 0 {
			continue
		}
		if _, dup := p.seen[k.ID]; dup {
			continue
		}
		p.seen[k.ID] = struct{}{}
		p.keys = append(p.keys, k)
		added++
	}
	if added > 0 {
		p.save()
	}

	log.Debug().Int("added", added).Int("available", len(p.keys)).Msg("Replenishment keys ingested")
	return added
}

// Count returns the number of available keys. Observability only.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Snapshot returns a copy of the available keys and the spent-id list.
func (p *Pool) Snapshot() ([]Key, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]Key, len(p.keys))
	copy(keys, p.keys)
	spent := make([]string, len(p.spent))
	copy(spent, p.spent)
	return keys, spent
}

// save persists the current state. Called under p.mu.
func (p *Pool) save() {
	if p.persist == nil {
		return
	}
	if err := p.persist.SavePool(p.keys, p.spent); err != nil {
		log.Warn().Err(err).Msg("Failed to persist transaction key pool")
	}
}
