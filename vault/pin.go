package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/appclient/correlate"
	"github.com/mesmerverse/vettid-dev/appclient/crypto"
)

// PINResult is the terminal outcome of a successful PIN operation.
type PINResult struct {
	// Status is the vault's status string ("unlocked", "vault_ready",
	// "pin_changed").
	Status string

	// EncryptedCredential is the CEK-encrypted credential blob, opaque to
	// the app; present on unlock and change.
	EncryptedCredential string

	// Attempts is how many attempts the session used, including the
	// successful one.
	Attempts int

	// KeysIngested counts replenishment keys added to the pool.
	KeysIngested int
}

// UnlockWithPIN runs the PIN unlock session: spend a transaction key, seal
// the PIN to the vault's ECIES key, send, classify, and retry transient
// failures up to the attempt budget. Every attempt, including retries,
// spends a fresh key and a fresh envelope.
func (c *Client) UnlockWithPIN(ctx context.Context, pin string) (*PINResult, error) {
	if !c.submitMu.TryLock() {
		return nil, fmt.Errorf("pin unlock: %w", ErrSubmissionInFlight)
	}
	defer c.submitMu.Unlock()

	if len(c.cfg.EnclavePublicKey) == 0 {
		return nil, fmt.Errorf("%w: enclave public key not configured", ErrInvalidInput)
	}

	digits, err := c.sanitizePIN(pin)
	if err != nil {
		return nil, err
	}

	return c.runPINSession(ctx, "pin_unlock", func(ctx context.Context) (Outcome, *PINResult, error) {
		return c.sendPINOp(ctx, opPinUnlock, pinPayload{PIN: digits})
	})
}

// ChangePIN runs the PIN change session. The old PIN authorizes the change;
// both travel inside one envelope sealed to the vault's key, and a fresh
// transaction key is spent to authorize the request.
func (c *Client) ChangePIN(ctx context.Context, oldPIN, newPIN string) (*PINResult, error) {
	if !c.submitMu.TryLock() {
		return nil, fmt.Errorf("pin change: %w", ErrSubmissionInFlight)
	}
	defer c.submitMu.Unlock()

	if len(c.cfg.EnclavePublicKey) == 0 {
		return nil, fmt.Errorf("%w: enclave public key not configured", ErrInvalidInput)
	}

	oldDigits, err := c.sanitizePIN(oldPIN)
	if err != nil {
		return nil, err
	}
	newDigits, err := c.sanitizePIN(newPIN)
	if err != nil {
		return nil, err
	}

	return c.runPINSession(ctx, "pin_change", func(ctx context.Context) (Outcome, *PINResult, error) {
		return c.sendPINOp(ctx, opPinChange, pinChangePayload{OldPIN: oldDigits, NewPIN: newDigits})
	})
}

// SetupPIN runs the enrollment-time PIN setup. No UTK exists yet, so the
// PIN is enveloped to the vault's enrollment public key and the envelope
// components ride as separate fields.
func (c *Client) SetupPIN(ctx context.Context, pin string) (*PINResult, error) {
	if !c.submitMu.TryLock() {
		return nil, fmt.Errorf("pin setup: %w", ErrSubmissionInFlight)
	}
	defer c.submitMu.Unlock()

	if len(c.cfg.EnclavePublicKey) == 0 {
		return nil, fmt.Errorf("%w: enclave public key not configured", ErrInvalidInput)
	}

	digits, err := c.sanitizePIN(pin)
	if err != nil {
		return nil, err
	}

	return c.runPINSession(ctx, "pin_setup", func(ctx context.Context) (Outcome, *PINResult, error) {
		plaintext, err := json.Marshal(pinPayload{PIN: digits})
		if err != nil {
			return OutcomeMalformedResponse, nil, fmt.Errorf("failed to build pin payload: %w", err)
		}
		defer crypto.Zero(plaintext)

		env, err := crypto.Encrypt(plaintext, c.cfg.EnclavePublicKey)
		if err != nil {
			return OutcomeTransportError, nil, fmt.Errorf("failed to encrypt pin payload: %w", err)
		}

		req, err := json.Marshal(pinSetupRequest{
			Type: opPinSetup,
			Payload: pinSetupPayload{
				EncryptedPIN:       base64.StdEncoding.EncodeToString(env.Ciphertext),
				EphemeralPublicKey: base64.StdEncoding.EncodeToString(env.EphemeralPublicKey),
				Nonce:              base64.StdEncoding.EncodeToString(env.Nonce),
			},
		})
		if err != nil {
			return OutcomeMalformedResponse, nil, fmt.Errorf("failed to build setup request: %w", err)
		}

		resp, err := c.corr.SendAndAwait(ctx, subjectForVault(c.cfg.OwnerSpace, opPinSetup), req, KindPinUnlockResult, c.cfg.RequestTimeout)
		if err != nil {
			outcome, werr := classifyExchangeError(err)
			return outcome, nil, werr
		}
		return c.classifyPINResponse(resp)
	})
}

// sanitizePIN strips non-digit characters and validates length.
func (c *Client) sanitizePIN(pin string) (string, error) {
	digits := make([]byte, 0, len(pin))
	for _, r := range pin {
		if r >= '0' && r <= '9' {
			digits = append(digits, byte(r))
		}
	}
	if len(digits) < c.cfg.PINMinLen || len(digits) > c.cfg.PINMaxLen {
		return "", fmt.Errorf("%w: PIN must be %d-%d digits", ErrInvalidInput, c.cfg.PINMinLen, c.cfg.PINMaxLen)
	}
	return string(digits), nil
}

// sendPINOp performs one attempt of a UTK-spending PIN operation: select a
// key (spent the instant it is returned), seal the payload to the vault's
// ECIES key with the spent key's id as the replay bound, send, and classify
// the response.
func (c *Client) sendPINOp(ctx context.Context, op string, payload any) (Outcome, *PINResult, error) {
	key, ok := c.pool.Select()
	if !ok {
		return OutcomeNoKeys, nil, fmt.Errorf("%s: %w", op, ErrNoKeysAvailable)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return OutcomeMalformedResponse, nil, fmt.Errorf("failed to build %s payload: %w", op, err)
	}
	defer crypto.Zero(plaintext)

	// The vault decrypts with its own ECIES key; the UTK never carries
	// plaintext, its id just bounds the request to one use. The key is
	// already spent; if encryption fails the next attempt uses a fresh
	// one. A lost key is strictly safer than a reused one.
	env, err := crypto.Encrypt(plaintext, c.cfg.EnclavePublicKey)
	if err != nil {
		return OutcomeTransportError, nil, fmt.Errorf("failed to encrypt %s payload: %w", op, err)
	}

	req, err := json.Marshal(pinOpRequest{
		UTKID:            key.ID,
		EncryptedPayload: base64.StdEncoding.EncodeToString(env.Bytes()),
	})
	if err != nil {
		return OutcomeMalformedResponse, nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}

	resp, err := c.corr.SendAndAwait(ctx, subjectForVault(c.cfg.OwnerSpace, op), req, KindPinUnlockResult, c.cfg.RequestTimeout)
	if err != nil {
		outcome, werr := classifyExchangeError(err)
		return outcome, nil, werr
	}

	return c.classifyPINResponse(resp)
}

// classifyPINResponse harvests replenishment keys, then maps the response
// to an outcome. Harvesting happens before classification: ingestion is
// idempotent, and a success response must replenish the pool before the
// session finishes.
func (c *Client) classifyPINResponse(resp *correlate.Response) (Outcome, *PINResult, error) {
	ingested := c.pool.Ingest(harvestUTKs(resp.Fields))

	if errMsg := fieldString(resp.Fields, "error"); errMsg != "" {
		switch {
		case isInvalidCredentialError(errMsg):
			return OutcomeInvalidCredential, nil, fmt.Errorf("%w: %s", ErrInvalidCredential, errMsg)
		case isNotReadyError(errMsg):
			return OutcomeNotReady, nil, fmt.Errorf("%w: %s", ErrNotReady, errMsg)
		default:
			return OutcomeMalformedResponse, nil, fmt.Errorf("unexpected vault error %q: %w", errMsg, ErrMalformedResponse)
		}
	}

	status := fieldString(resp.Fields, "status")
	switch status {
	case "unlocked", "pin_changed", "vault_ready", "created":
		return OutcomeSuccess, &PINResult{
			Status:              status,
			EncryptedCredential: fieldString(resp.Fields, "encrypted_credential"),
			KeysIngested:        ingested,
		}, nil
	case "invalid":
		return OutcomeInvalidCredential, nil, fmt.Errorf("%w: vault reported status invalid", ErrInvalidCredential)
	default:
		// Default or empty payload: the vault answered before it finished
		// initializing.
		return OutcomeNotReady, nil, fmt.Errorf("%w: status %q", ErrNotReady, status)
	}
}

// runPINSession drives one verification session: bounded attempts with
// backoff between retryable failures. Exactly one transaction key is spent
// per attempt, which bounds replay pressure on the pool.
func (c *Client) runPINSession(ctx context.Context, op string, attempt func(ctx context.Context) (Outcome, *PINResult, error)) (*PINResult, error) {
	var lastErr error
	for i := 1; i <= c.cfg.MaxAttempts; i++ {
		outcome, result, err := attempt(ctx)

		log.Info().
			Str("op", op).
			Int("attempt", i).
			Int("max_attempts", c.cfg.MaxAttempts).
			Str("outcome", outcome.String()).
			Msg("Verification attempt classified")

		if outcome == OutcomeSuccess {
			result.Attempts = i
			return result, nil
		}
		if !outcome.retryable() {
			return nil, err
		}

		lastErr = err
		if i == c.cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(c.cfg.RetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%s failed after %d attempts: %w", op, c.cfg.MaxAttempts, lastErr)
}

// classifyExchangeError maps correlator failures to outcomes. Wrong shape
// is logged distinctly: it marks a transport ordering anomaly, not a
// business rejection.
func classifyExchangeError(err error) (Outcome, error) {
	switch {
	case errors.Is(err, correlate.ErrWrongResponseShape):
		log.Warn().Err(err).Msg("Race-condition guard rejected a response")
		return OutcomeWrongResponseShape, err
	case errors.Is(err, correlate.ErrTimeout):
		return OutcomeTimeout, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTransportError, err
	default:
		return OutcomeTransportError, fmt.Errorf("%w: %v", ErrTransport, err)
	}
}
