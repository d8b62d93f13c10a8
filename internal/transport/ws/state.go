package ws

// ConnState tracks the transport connection lifecycle. It is owned
// exclusively by the Client; transitions drive the reconnection policy.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateErrored:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StateListener receives connection state transitions. err is non-nil for
// ERROR transitions; a terminal retry-budget failure carries
// ErrReconnectExhausted.
type StateListener func(state ConnState, err error)
