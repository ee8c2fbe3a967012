// Package vault implements the device side of the sensitive-operation
// protocol: PIN verification, credential restore authentication, feed sync,
// and the device recovery exchange. It orchestrates the transaction key
// pool, envelope crypto, and the request/response correlator into bounded,
// retry-aware state machines.
package vault

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/appclient/correlate"
	"github.com/mesmerverse/vettid-dev/appclient/store"
	"github.com/mesmerverse/vettid-dev/appclient/transport"
	"github.com/mesmerverse/vettid-dev/appclient/utk"
)

// Config holds the per-identity client settings.
type Config struct {
	// OwnerSpace is the user GUID naming the subject namespace.
	OwnerSpace string `yaml:"owner_space"`

	// EnclavePublicKey is the vault's enrollment X25519 public key, used
	// for pin.setup before any UTKs exist.
	EnclavePublicKey []byte `yaml:"-"`

	// PIN length bounds, counted after stripping non-digits.
	PINMinLen int `yaml:"pin_min_len"`
	PINMaxLen int `yaml:"pin_max_len"`

	// MaxAttempts bounds retries of a verification session across
	// transient failures. Every attempt spends a fresh transaction key.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the delay between attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// RequestTimeout is generous because the vault may be cold-starting.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the default client settings.
func DefaultConfig(ownerSpace string) Config {
	return Config{
		OwnerSpace:     ownerSpace,
		PINMinLen:      4,
		PINMaxLen:      8,
		MaxAttempts:    3,
		RetryBackoff:   2 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Client is the handle for one authenticated identity's vault operations.
// Construct once and share; all methods are safe for concurrent use.
type Client struct {
	cfg     Config
	session *transport.Session
	corr    *correlate.Correlator
	pool    *utk.Pool
	store   *store.EncryptedStore

	// submitMu serializes user-initiated sensitive submissions. A second
	// submission while one is in flight is a no-op, not a queued retry.
	submitMu sync.Mutex
}

// New creates a client, restores the persisted key pool, and starts the
// response dispatcher on the shared events stream. st may be nil for
// sessions that do not persist state.
func New(session *transport.Session, st *store.EncryptedStore, cfg Config) (*Client, error) {
	c, err := newWithTransport(sessionTransport{session}, st, cfg)
	if err != nil {
		return nil, err
	}
	c.session = session
	return c, nil
}

// newWithTransport wires a client over any correlator transport. Tests
// drive the protocol through this without a broker.
func newWithTransport(tr correlate.Transport, st *store.EncryptedStore, cfg Config) (*Client, error) {
	if cfg.OwnerSpace == "" {
		return nil, fmt.Errorf("%w: owner space is required", ErrInvalidInput)
	}

	var persist utk.Persister
	if st != nil {
		persist = st
	}
	pool := utk.NewPool(persist)
	if st != nil {
		if err := st.LoadPool(pool); err != nil {
			return nil, fmt.Errorf("failed to restore key pool: %w", err)
		}
	}

	corr := correlate.New(tr)
	if err := corr.Start(eventsSubject(cfg.OwnerSpace)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	log.Info().
		Str("owner_space", cfg.OwnerSpace).
		Int("utk_count", pool.Count()).
		Msg("Vault client ready")

	return &Client{
		cfg:   cfg,
		corr:  corr,
		pool:  pool,
		store: st,
	}, nil
}

// Close stops the response dispatcher. The transport session is owned by
// the caller and is not closed here.
func (c *Client) Close() {
	c.corr.Close()
}

// Pool exposes the transaction key pool, mainly for enrollment flows that
// ingest the initial key batch.
func (c *Client) Pool() *utk.Pool {
	return c.pool
}

// KeyCount returns the number of transaction keys available.
func (c *Client) KeyCount() int {
	return c.pool.Count()
}

// sessionTransport adapts transport.Session to the correlator's boundary.
type sessionTransport struct {
	s *transport.Session
}

func (t sessionTransport) Publish(subject string, data []byte) error {
	return t.s.Publish(subject, data)
}

func (t sessionTransport) Subscribe(subject string, handler func(subject string, data []byte)) (correlate.Unsubscriber, error) {
	return t.s.Subscribe(subject, handler)
}
