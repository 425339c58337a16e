package clover

type ConnectionState string

const (
	StateDisconnected    ConnectionState = "Disconnected"
	StateConnecting      ConnectionState = "Connecting"
	StateConnected       ConnectionState = "Connected"
	StatePairingRequired ConnectionState = "PairingRequired"
	StatePaired          ConnectionState = "Paired"
	StateBusy            ConnectionState = "Busy"
	StateError           ConnectionState = "Error"
)

// AllStates lists every connection state, in lifecycle order.
func AllStates() []string {
	return []string{
		string(StateDisconnected),
		string(StateConnecting),
		string(StateConnected),
		string(StatePairingRequired),
		string(StatePaired),
		string(StateBusy),
		string(StateError),
	}
}

// CanTransact reports whether payment requests may be sent in this state.
func (s ConnectionState) CanTransact() bool {
	return s == StatePaired
}
