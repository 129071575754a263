package link

// State is the connection state of the serial link.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateLost         State = "LOST"
)

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateLost},
	StateLost:         {StateConnecting},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) String() string {
	return string(s)
}
