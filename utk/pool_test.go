package utk

import (
	"fmt"
	"sync"
	"testing"
)

func testKeys(n int) []Key {
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = Key{
			ID:        fmt.Sprintf("utk-%04d", i),
			PublicKey: make([]byte, 32),
			Algorithm: AlgorithmX25519,
		}
	}
	return keys
}

func TestSelectSpendsKey(t *testing.T) {
	p := NewPool(nil)
	p.Ingest(testKeys(2))

	k1, ok := p.Select()
	if !ok {
		t.Fatal("Select returned no key from a pool of 2")
	}
	k2, ok := p.Select()
	if !ok {
		t.Fatal("Select returned no key from a pool of 1")
	}
	if k1.ID == k2.ID {
		t.Fatalf("same key selected twice: %s", k1.ID)
	}
	if _, ok := p.Select(); ok {
		t.Error("Select returned a key from an empty pool")
	}
	if p.Count() != 0 {
		t.Errorf("Count = %d after exhaustion, want 0", p.Count())
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	p := NewPool(nil)
	keys := testKeys(3)

	if added := p.Ingest(keys); added != 3 {
		t.Fatalf("first Ingest added %d, want 3", added)
	}
	if added := p.Ingest(keys); added != 0 {
		t.Errorf("replayed Ingest added %d, want 0", added)
	}
	if p.Count() != 3 {
		t.Errorf("Count = %d after replay, want 3", p.Count())
	}
}

func TestIngestCannotResurrectSpentKey(t *testing.T) {
	p := NewPool(nil)
	keys := testKeys(1)
	p.Ingest(keys)

	spent, ok := p.Select()
	if !ok {
		t.Fatal("Select failed")
	}

	// A replayed replenishment carrying the spent id must not restore it.
	if added := p.Ingest(keys); added != 0 {
		t.Errorf("replay after spend added %d keys, want 0", added)
	}
	if p.Count() != 0 {
		t.Errorf("Count = %d, want 0: spent key %s came back", p.Count(), spent.ID)
	}
}

func TestIngestSkipsMalformedKeys(t *testing.T) {
	p := NewPool(nil)
	keys := []Key{
		{ID: "", PublicKey: make([]byte, 32)},
		{ID: "utk-empty-pub"},
		{ID: "utk-good", PublicKey: make([]byte, 32)},
	}
	if added := p.Ingest(keys); added != 1 {
		t.Errorf("Ingest added %d, want 1", added)
	}
}

func TestRestoreExcludesSpentIDs(t *testing.T) {
	p := NewPool(nil)
	keys := testKeys(3)
	p.Restore(keys, []string{keys[1].ID})

	if p.Count() != 2 {
		t.Fatalf("Count = %d after restore with 1 spent, want 2", p.Count())
	}
	for {
		k, ok := p.Select()
		if !ok {
			break
		}
		if k.ID == keys[1].ID {
			t.Fatalf("restored spent key %s", k.ID)
		}
	}
}

func TestConcurrentSelectSingleWinner(t *testing.T) {
	p := NewPool(nil)
	p.Ingest(testKeys(1))

	const goroutines = 16
	var wg sync.WaitGroup
	results := make(chan Key, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if k, ok := p.Select(); ok {
				results <- k
			}
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for range results {
		winners++
	}
	if winners != 1 {
		t.Errorf("%d goroutines won a single key, want exactly 1", winners)
	}
}

type recordingPersister struct {
	calls int
	keys  []Key
	spent []string
}

func (r *recordingPersister) SavePool(keys []Key, spentIDs []string) error {
	r.calls++
	r.keys = keys
	r.spent = spentIDs
	return nil
}

func TestPersisterCalledOnMutation(t *testing.T) {
	rec := &recordingPersister{}
	p := NewPool(rec)

	p.Ingest(testKeys(2))
	if rec.calls != 1 {
		t.Fatalf("persist calls after ingest = %d, want 1", rec.calls)
	}

	p.Select()
	if rec.calls != 2 {
		t.Fatalf("persist calls after select = %d, want 2", rec.calls)
	}
	if len(rec.keys) != 1 || len(rec.spent) != 1 {
		t.Errorf("persisted state = %d keys / %d spent, want 1/1", len(rec.keys), len(rec.spent))
	}
}
