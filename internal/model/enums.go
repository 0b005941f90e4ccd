package model

type ConnectionState string

const (
	StateDisconnected    ConnectionState = "disconnected"
	StateConnecting      ConnectionState = "connecting"
	StatePairingRequired ConnectionState = "pairing_required"
	StatePairingPending  ConnectionState = "pairing_pending"
	StateConnected       ConnectionState = "connected"
	StateLoggedOut       ConnectionState = "logged_out"
)

// Active reports whether the state holds or is establishing a live connection.
func (s ConnectionState) Active() bool {
	switch s {
	case StateConnecting, StatePairingRequired, StatePairingPending, StateConnected:
		return true
	}
	return false
}
