// Package device implements the per-device object described by spec §4.4:
// identity, the connect/disconnect/authorize state machine, and the
// authorization protocol that writes back to sysfs.
package device

// Status is a device's position in the per-device state machine (spec
// §4.4).
type Status string

const (
	StatusDisconnected     Status = "disconnected"
	StatusConnecting       Status = "connecting"
	StatusConnected        Status = "connected"
	StatusAuthError        Status = "autherror"
	StatusAuthorizing      Status = "authorizing"
	StatusAuthorized       Status = "authorized"
	StatusAuthorizedSecure Status = "authorized-secure"
	StatusAuthorizedDponly Status = "authorized-dponly"
)

// IsAuthorized reports whether s is one of the three "done, connected and
// usable" terminal states.
func (s Status) IsAuthorized() bool {
	switch s {
	case StatusAuthorized, StatusAuthorizedSecure, StatusAuthorizedDponly:
		return true
	default:
		return false
	}
}

// KeyState tracks whether a challenge-response key exists for a device, and
// if so whether it's freshly generated or loaded from the store.
type KeyState string

const (
	KeyNone       KeyState = "none"
	KeyHaveNew    KeyState = "have-new"
	KeyHaveStored KeyState = "have-stored"
)
