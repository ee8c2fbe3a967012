// Package correlate turns fire-and-forget publish/subscribe messaging into
// awaitable request/response exchanges. A single dispatcher per session
// consumes the shared response stream and resolves waiters by correlation
// id, with structural shape validation guarding against stale or unrelated
// messages answering the wrong request.
package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTimeout is returned when no matching response arrives in time.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrWrongResponseShape is returned when a message matched the
	// correlation id but carries fields exclusive to a different message
	// kind. Retryable; indicates a transport ordering anomaly, not a
	// business rejection.
	ErrWrongResponseShape = errors.New("response shape does not match expected kind")

	// ErrDispatcherClosed is returned when the correlator has been stopped.
	ErrDispatcherClosed = errors.New("correlator is closed")
)

// Transport is the publish/subscribe boundary the correlator rides on.
// The NATS session implements it; tests use fakes.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (Unsubscriber, error)
}

// Unsubscriber tears down one subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// Response is a correlated response delivered to a waiter.
type Response struct {
	Subject string
	Data    []byte
	Fields  Fields
}

// Envelope is the outgoing message wrapper. The vault echoes the id back
// in its response (as event_id, request_id, or id depending on the path).
type Envelope struct {
	RequestID string          `json:"request_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// correlationIDFields are the field names the vault uses to echo the
// correlation id, in lookup order. Some paths omit it entirely, which
// triggers the content-based fallback.
var correlationIDFields = []string{"event_id", "request_id", "id"}

type waiter struct {
	id     string
	kind   MessageKind
	result chan waiterResult // buffered, exactly one send
}

type waiterResult struct {
	resp *Response
	err  error
}

// Correlator publishes tagged requests and resolves responses from a shared
// stream. Multiple requests may be outstanding concurrently; responses may
// arrive in any order.
type Correlator struct {
	transport Transport

	mu      sync.Mutex
	waiters map[string]*waiter
	sub     Unsubscriber
	closed  bool
}

// New creates a correlator. Start must be called before SendAndAwait.
func New(transport Transport) *Correlator {
	return &Correlator{
		transport: transport,
		waiters:   make(map[string]*waiter),
	}
}

// Start subscribes the dispatcher to the shared response subject.
// The subscription persists for the session and demultiplexes to all
// concurrent waiters.
func (c *Correlator) Start(responseSubject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrDispatcherClosed
	}
	if c.sub != nil {
		return nil
	}

	sub, err := c.transport.Subscribe(responseSubject, c.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to response stream: %w", err)
	}
	c.sub = sub

	log.Debug().Str("subject", responseSubject).Msg("Response dispatcher started")
	return nil
}

// Close tears down the subscription and fails all pending waiters.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	pending := c.waiters
	c.waiters = make(map[string]*waiter)
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	for _, w := range pending {
		w.result <- waiterResult{err: ErrDispatcherClosed}
	}
}

// SendAndAwait publishes payload to subject tagged with a fresh correlation
// id and blocks until a matching response arrives, the timeout elapses, or
// ctx is cancelled. Exactly one of those outcomes occurs; on timeout or
// cancellation the waiter is deregistered so a late response is dropped
// rather than resolving a future caller.
func (c *Correlator) SendAndAwait(ctx context.Context, subject string, payload []byte, kind MessageKind, timeout time.Duration) (*Response, error) {
	id := uuid.NewString()

	w := &waiter{
		id:     id,
		kind:   kind,
		result: make(chan waiterResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	if c.sub == nil {
		c.mu.Unlock()
		return nil, errors.New("correlator not started")
	}
	c.waiters[id] = w
	c.mu.Unlock()

	env, err := json.Marshal(Envelope{
		RequestID: id,
		Type:      "request",
		Payload:   payload,
	})
	if err != nil {
		c.remove(id)
		return nil, fmt.Errorf("failed to marshal request envelope: %w", err)
	}

	if err := c.transport.Publish(subject, env); err != nil {
		c.remove(id)
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("request_id", id).
		Str("kind", kind.Name).
		Dur("timeout", timeout).
		Msg("Request published")

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.result:
		return res.resp, res.err
	case <-timer.C:
		c.remove(id)
		// Drain a resolution that raced the timeout.
		select {
		case res := <-w.result:
			return res.resp, res.err
		default:
		}
		return nil, ErrTimeout
	case <-ctx.Done():
		c.remove(id)
		select {
		case res := <-w.result:
			return res.resp, res.err
		default:
		}
		return nil, ctx.Err()
	}
}

// dispatch handles every inbound message on the response stream.
func (c *Correlator) dispatch(subject string, data []byte) {
	fields, err := ParseFields(data)
	if err != nil || fields == nil {
		log.Warn().Str("subject", subject).Msg("Undecodable message on response stream, dropping")
		return
	}

	// Responses may nest the result under "payload"; shape checks look at
	// the union of outer and inner fields.
	shapeFields := fields
	if raw, ok := fields["payload"]; ok {
		if inner, err := ParseFields(raw); err == nil && inner != nil {
			shapeFields = make(Fields, len(fields)+len(inner))
			for k, v := range fields {
				shapeFields[k] = v
			}
			for k, v := range inner {
				shapeFields[k] = v
			}
		}
	}

	if id, ok := extractCorrelationID(fields); ok {
		c.resolveByID(subject, id, data, shapeFields)
		return
	}

	c.resolveByShape(subject, data, shapeFields)
}

// resolveByID resolves the waiter registered for the message's correlation
// id, applying the shape guard first.
func (c *Correlator) resolveByID(subject, id string, data []byte, fields Fields) {
	c.mu.Lock()
	w, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	if !ok {
		// Late response to a timed-out or cancelled request.
		log.Debug().Str("request_id", id).Msg("Unmatched response dropped")
		return
	}

	switch w.kind.classify(fields) {
	case shapeForeign:
		log.Warn().
			Str("request_id", id).
			Str("kind", w.kind.Name).
			Msg("Response matched correlation id but not expected shape")
		w.result <- waiterResult{err: fmt.Errorf("%w: expected %s", ErrWrongResponseShape, w.kind.Name)}
	default:
		w.result <- waiterResult{resp: &Response{Subject: subject, Data: data, Fields: fields}}
	}
}

// resolveByShape handles messages with no correlation id. The message is
// delivered only if exactly one waiter is pending and the shape matches its
// expected kind; ambiguous matches are rejected rather than guessed.
func (c *Correlator) resolveByShape(subject string, data []byte, fields Fields) {
	c.mu.Lock()
	if len(c.waiters) != 1 {
		n := len(c.waiters)
		c.mu.Unlock()
		if n > 0 {
			log.Warn().Int("pending", n).Msg("Uncorrelated response with multiple waiters pending, dropping")
		}
		return
	}
	var w *waiter
	for _, cand := range c.waiters {
		w = cand
	}
	if w.kind.classify(fields) != shapeOK {
		c.mu.Unlock()
		log.Warn().
			Str("kind", w.kind.Name).
			Msg("Uncorrelated response does not match pending waiter's shape, dropping")
		return
	}
	delete(c.waiters, w.id)
	c.mu.Unlock()

	log.Debug().Str("request_id", w.id).Msg("Uncorrelated response matched by shape")
	w.result <- waiterResult{resp: &Response{Subject: subject, Data: data, Fields: fields}}
}

// remove deregisters a waiter after timeout or cancellation.
func (c *Correlator) remove(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// extractCorrelationID pulls the correlation id out of a decoded message,
// trying the field names the vault is known to use.
func extractCorrelationID(fields Fields) (string, bool) {
	for _, name := range correlationIDFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return id, true
		}
	}
	return "", false
}
