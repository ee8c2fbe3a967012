package vault

import (
	"encoding/json"
	"strings"

	"github.com/mesmerverse/vettid-dev/appclient/correlate"
	"github.com/mesmerverse/vettid-dev/appclient/utk"
)

// Message kinds for the shape guard. Required lists fields a genuine answer
// of that kind carries; Foreign lists fields exclusive to other kinds, whose
// presence means the message answers a different request.

// KindPinUnlockResult matches pin.setup, pin.unlock, and pin.change answers.
var KindPinUnlockResult = correlate.MessageKind{
	Name:     "pin.result",
	Required: []string{"new_utks", "utks", "encrypted_credential"},
	Foreign:  []string{"connections", "events", "latest_sequence", "user_guid"},
}

// KindAuthResult matches app.authenticate answers.
var KindAuthResult = correlate.MessageKind{
	Name:     "auth.result",
	Required: []string{"user_guid", "device_id"},
	Foreign:  []string{"connections", "events", "latest_sequence", "new_utks"},
}

// KindFeedSyncResult matches feed.sync answers.
var KindFeedSyncResult = correlate.MessageKind{
	Name:     "feed.sync.result",
	Required: []string{"events", "latest_sequence"},
	Foreign:  []string{"new_utks", "encrypted_credential", "user_guid", "connections"},
}

// KindClaimResult matches device.claim answers during recovery.
var KindClaimResult = correlate.MessageKind{
	Name:     "device.claim.result",
	Required: []string{"credential_id", "jwt"},
	Foreign:  []string{"connections", "events", "new_utks"},
}

// pinOpRequest is the wire form of a UTK-spending PIN operation.
type pinOpRequest struct {
	UTKID            string `json:"utk_id"`
	EncryptedPayload string `json:"encrypted_payload"` // base64 of the framed envelope
}

// pinPayload is the plaintext sealed inside the envelope.
type pinPayload struct {
	PIN string `json:"pin"`
}

// pinChangePayload carries both PINs for pin.change.
type pinChangePayload struct {
	OldPIN string `json:"old_pin"`
	NewPIN string `json:"new_pin"`
}

// pinSetupRequest is the enrollment-time format: the envelope components
// ride as separate fields because no UTK exists yet and the vault decrypts
// with its enrollment key.
type pinSetupRequest struct {
	Type    string          `json:"type"`
	Payload pinSetupPayload `json:"payload"`
}

type pinSetupPayload struct {
	EncryptedPIN       string `json:"encrypted_pin"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Nonce              string `json:"nonce"`
}

// authRequest is the wire form of app.authenticate (credential restore).
type authRequest struct {
	DeviceID            string `json:"device_id"`
	DeviceType          string `json:"device_type"`
	AppVersion          string `json:"app_version"`
	EncryptedCredential string `json:"encrypted_credential"`
	PasswordHash        string `json:"password_hash"`
	Nonce               string `json:"nonce"`
}

// claimRequest is the recovery exchange's claim-token presentation. It is
// not UTK-enveloped; the throwaway session's credential scopes it.
type claimRequest struct {
	ClaimToken string `json:"claim_token"`
	Nonce      string `json:"nonce"`
	DeviceID   string `json:"device_id"`
	DeviceType string `json:"device_type"`
}

// feedSyncRequest is the wire form of feed.sync.
type feedSyncRequest struct {
	LastSequence int64 `json:"last_sequence"`
	Limit        int   `json:"limit"`
}

// FeedEvent is one entry from the vault's event feed.
type FeedEvent struct {
	EventID   string            `json:"event_id"`
	EventType string            `json:"event_type"`
	Title     string            `json:"title"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// --- response field helpers ---

func fieldString(f correlate.Fields, name string) string {
	raw, ok := f[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func fieldBool(f correlate.Fields, name string) (bool, bool) {
	raw, ok := f[name]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// harvestUTKs extracts replenishment keys from a response. Both the compact
// string encoding and the object encoding appear in the wild, sometimes
// under "new_utks" and sometimes under "utks".
func harvestUTKs(f correlate.Fields) []utk.Key {
	var keys []utk.Key
	for _, field := range []string{"new_utks", "utks"} {
		raw, ok := f[field]
		if !ok {
			continue
		}

		var compact []string
		if err := json.Unmarshal(raw, &compact); err == nil {
			keys = append(keys, utk.DecodeCompactList(compact)...)
			continue
		}

		var wire []utk.WireKey
		if err := json.Unmarshal(raw, &wire); err == nil {
			keys = append(keys, utk.DecodeWireList(wire)...)
		}
	}
	return keys
}

// isNotReadyError reports whether a vault error string indicates the vault
// is still initializing rather than rejecting the request.
func isNotReadyError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "not initialized") ||
		strings.Contains(lower, "not ready") ||
		strings.Contains(lower, "initializing") ||
		strings.Contains(lower, "warming up")
}

// isInvalidCredentialError reports whether a vault error string is a
// genuine PIN/password rejection.
func isInvalidCredentialError(errMsg string) bool {
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "invalid pin") ||
		strings.Contains(lower, "invalid current pin") ||
		strings.Contains(lower, "invalid password") ||
		strings.Contains(lower, "verification failed") ||
		strings.Contains(lower, "invalid utk")
}
