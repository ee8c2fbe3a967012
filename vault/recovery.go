package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/appclient/correlate"
	"github.com/mesmerverse/vettid-dev/appclient/transport"
)

// RecoveryCode is the payload of a scanned recovery code: a temporary
// transport credential plus a single-use claim token and nonce. The
// credential only authorizes the claim exchange and is never persisted.
type RecoveryCode struct {
	NATSURL    string `json:"nats_url"`
	JWT        string `json:"jwt"`
	Seed       string `json:"seed"`
	OwnerSpace string `json:"owner_space"`
	ClaimToken string `json:"claim_token"`
	Nonce      string `json:"nonce"`
}

// ParseRecoveryCode decodes and validates a scanned recovery code.
func ParseRecoveryCode(raw []byte) (*RecoveryCode, error) {
	var code RecoveryCode
	if err := json.Unmarshal(raw, &code); err != nil {
		return nil, fmt.Errorf("%w: undecodable recovery code: %v", ErrInvalidInput, err)
	}
	if code.NATSURL == "" || code.JWT == "" || code.Seed == "" ||
		code.OwnerSpace == "" || code.ClaimToken == "" || code.Nonce == "" {
		return nil, fmt.Errorf("%w: recovery code is missing required fields", ErrInvalidInput)
	}
	return &code, nil
}

// DeviceCredentials are the fresh long-lived credentials issued by the
// recovery exchange.
type DeviceCredentials struct {
	CredentialID string `json:"credential_id"`
	OwnerSpace   string `json:"owner_space"`
	JWT          string `json:"jwt"`
	Seed         string `json:"seed"`
}

// RecoverDevice performs the recovery exchange: connect a throwaway session
// with the code's temporary credential, present the claim token, and await
// fresh device credentials on a session-specific response subject.
//
// The claim token and nonce are single-use by server-side contract, so any
// failure (parse error, shape mismatch, timeout) is terminal; the exchange
// is never silently retried. The throwaway session is torn down on every
// exit path.
func RecoverDevice(ctx context.Context, code *RecoveryCode, deviceID, deviceType string, timeout time.Duration) (*DeviceCredentials, error) {
	if code == nil || deviceID == "" {
		return nil, fmt.Errorf("%w: recovery code and device id are required", ErrInvalidInput)
	}

	session, err := transport.ConnectEphemeral(code.NATSURL, code.JWT, code.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer session.Close()

	corr := correlate.New(sessionTransport{session})
	defer corr.Close()

	// The response subject is derived from the claim token so only this
	// exchange's session listens on it.
	responseSubject := subjectForApp(code.OwnerSpace, opDeviceClaim+"."+claimSessionID(code.ClaimToken))
	if err := corr.Start(responseSubject); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	req, err := json.Marshal(claimRequest{
		ClaimToken: code.ClaimToken,
		Nonce:      code.Nonce,
		DeviceID:   deviceID,
		DeviceType: deviceType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build claim request: %w", err)
	}

	log.Info().
		Str("owner_space", code.OwnerSpace).
		Str("device_id", deviceID).
		Msg("Starting recovery exchange")

	resp, err := corr.SendAndAwait(ctx, subjectForVault(code.OwnerSpace, opDeviceClaim), req, KindClaimResult, timeout)
	if err != nil {
		// Terminal by design: the claim token is spent either way.
		return nil, fmt.Errorf("recovery exchange failed: %w", err)
	}

	if errMsg := fieldString(resp.Fields, "error"); errMsg != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, errMsg)
	}

	creds := DeviceCredentials{
		CredentialID: fieldString(resp.Fields, "credential_id"),
		OwnerSpace:   fieldString(resp.Fields, "owner_space"),
		JWT:          fieldString(resp.Fields, "jwt"),
		Seed:         fieldString(resp.Fields, "seed"),
	}
	if creds.CredentialID == "" || creds.JWT == "" || creds.Seed == "" {
		return nil, fmt.Errorf("%w: claim response is missing credential material", ErrMalformedResponse)
	}
	if creds.OwnerSpace == "" {
		creds.OwnerSpace = code.OwnerSpace
	}

	log.Info().
		Str("owner_space", creds.OwnerSpace).
		Str("credential_id", creds.CredentialID).
		Msg("Recovery exchange completed")

	return &creds, nil
}

// claimSessionID derives the session-specific subject suffix from the
// claim token without putting the token itself on a subject name.
func claimSessionID(claimToken string) string {
	sum := sha256.Sum256([]byte(claimToken))
	return hex.EncodeToString(sum[:8])
}
