package vault

import "fmt"

// Subject layout is an external contract with the vault:
// OwnerSpace.<id>.forVault.<op> carries requests to the vault and
// OwnerSpace.<id>.forApp.<op> carries events and responses back. The shared
// events stream demultiplexes responses for all in-flight operations.

const (
	opPinSetup    = "pin.setup"
	opPinUnlock   = "pin.unlock"
	opPinChange   = "pin.change"
	opAppAuth     = "app.authenticate"
	opFeedSync    = "feed.sync"
	opDeviceClaim = "device.claim"
)

func subjectForVault(ownerSpace, op string) string {
	return fmt.Sprintf("OwnerSpace.%s.forVault.%s", ownerSpace, op)
}

func subjectForApp(ownerSpace, op string) string {
	return fmt.Sprintf("OwnerSpace.%s.forApp.%s", ownerSpace, op)
}

// eventsSubject is the shared response stream for a session.
func eventsSubject(ownerSpace string) string {
	return subjectForApp(ownerSpace, "events")
}
