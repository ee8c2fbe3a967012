// Package transport wraps the NATS connection the app uses to reach its
// vault. It implements the publish/subscribe boundary the correlator rides
// on; connection establishment, TLS, and reconnection backoff live entirely
// in the NATS client.
package transport

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Config holds NATS connection settings.
type Config struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	Name            string `yaml:"name"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "vettid-app-client",
		ReconnectWait: 2000,
		MaxReconnects: -1, // Unlimited
	}
}

// Session is an authenticated pub/sub connection to the message broker.
// Safe for concurrent use; the connection owns all subscription state.
type Session struct {
	conn *nats.Conn
}

// Connect establishes the primary session.
func Connect(cfg Config) (*Session, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Session{conn: conn}, nil
}

// ConnectEphemeral establishes a throwaway session from in-memory
// credentials, used for the recovery exchange. The JWT and seed come from a
// scanned code and are never written to disk. No reconnection: the session
// exists only for the duration of one exchange.
func ConnectEphemeral(url, jwt, seed string) (*Session, error) {
	opts := []nats.Option{
		nats.Name("vettid-app-recovery"),
		nats.MaxReconnects(0),
		nats.UserJWTAndSeed(jwt, seed),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect recovery session: %w", err)
	}

	return &Session{conn: conn}, nil
}

// Publish sends a message to a subject.
func (s *Session) Publish(subject string, data []byte) error {
	return s.conn.Publish(subject, data)
}

// Subscribe registers a handler for a subject pattern. Subscriptions are
// torn down individually via the returned Unsubscriber or all at once when
// the connection closes.
func (s *Session) Subscribe(subject string, handler func(subject string, data []byte)) (Unsubscriber, error) {
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}

	log.Debug().Str("subject", subject).Msg("Subscribed")
	return sub, nil
}

// Unsubscriber tears down one subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// IsConnected reports whether the session is currently connected.
func (s *Session) IsConnected() bool {
	return s.conn.IsConnected()
}

// Flush blocks until all published messages have been processed by the
// server.
func (s *Session) Flush() error {
	return s.conn.Flush()
}

// Close closes the connection, which removes its remaining subscriptions.
func (s *Session) Close() {
	s.conn.Close()
}

// Status returns the connection status as a string for logging.
func (s *Session) Status() string {
	switch s.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}
