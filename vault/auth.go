package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/appclient/crypto"
)

// RestoreAuth is the input to credential restore authentication.
type RestoreAuth struct {
	DeviceID            string
	DeviceType          string
	AppVersion          string
	EncryptedCredential string // base64 blob from the restore flow
	Nonce               string // base64 nonce accompanying the blob
	Password            crypto.Sensitive
	PasswordSalt        []byte
}

// AuthResult is the outcome of restore authentication.
type AuthResult struct {
	UserGUID string
	Message  string
}

// AuthenticateRestore verifies the user's password inside the vault during
// credential restore. The password is hashed with Argon2id on device and
// zeroed before this returns; only the hash travels. Password verification
// itself happens in the enclave, so a transport observer learns nothing
// from a failed attempt.
func (c *Client) AuthenticateRestore(ctx context.Context, auth RestoreAuth) (*AuthResult, error) {
	defer auth.Password.Zero()

	if auth.DeviceID == "" || auth.EncryptedCredential == "" || auth.Nonce == "" {
		return nil, fmt.Errorf("%w: device id, encrypted credential, and nonce are required", ErrInvalidInput)
	}
	if len(auth.Password) == 0 || len(auth.PasswordSalt) == 0 {
		return nil, fmt.Errorf("%w: password and salt are required", ErrInvalidInput)
	}

	hash := crypto.HashAuthInput(auth.Password, auth.PasswordSalt)
	defer crypto.Zero(hash)

	req, err := json.Marshal(authRequest{
		DeviceID:            auth.DeviceID,
		DeviceType:          auth.DeviceType,
		AppVersion:          auth.AppVersion,
		EncryptedCredential: auth.EncryptedCredential,
		PasswordHash:        base64.StdEncoding.EncodeToString(hash),
		Nonce:               auth.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build authenticate request: %w", err)
	}

	resp, err := c.corr.SendAndAwait(ctx, subjectForVault(c.cfg.OwnerSpace, opAppAuth), req, KindAuthResult, c.cfg.RequestTimeout)
	if err != nil {
		_, werr := classifyExchangeError(err)
		return nil, fmt.Errorf("restore authentication: %w", werr)
	}

	if ok, present := fieldBool(resp.Fields, "success"); present && !ok {
		msg := fieldString(resp.Fields, "message")
		log.Warn().Str("device_id", auth.DeviceID).Msg("Restore authentication rejected")
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, msg)
	}
	if errMsg := fieldString(resp.Fields, "error"); errMsg != "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredential, errMsg)
	}

	guid := fieldString(resp.Fields, "user_guid")
	if guid == "" {
		return nil, fmt.Errorf("%w: authenticate response carries no user_guid", ErrMalformedResponse)
	}

	log.Info().Str("device_id", auth.DeviceID).Msg("Restore authentication succeeded")
	return &AuthResult{
		UserGUID: guid,
		Message:  fieldString(resp.Fields, "message"),
	}, nil
}
