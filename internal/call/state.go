package call

type State string

const (
	Idle         State = "idle"
	Initializing State = "initializing"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Active       State = "active"
	Ending       State = "ending"
	Disconnected State = "disconnected"
	Error        State = "error"
)

// transitions lists every allowed move. Error only leads back to Idle, so
// it can never precede Active within one call. Ending always finishes in
// Disconnected.
var transitions = map[State][]State{
	Idle:         {Initializing, Error},
	Initializing: {Connecting, Connected, Active, Ending, Disconnected, Error},
	Connecting:   {Connected, Active, Ending, Disconnected, Error},
	Connected:    {Active, Ending, Disconnected, Error},
	Active:       {Ending, Disconnected, Error},
	Ending:       {Disconnected},
	Disconnected: {Idle},
	Error:        {Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// inCall reports whether a transport session may be open.
func (s State) inCall() bool {
	switch s {
	case Initializing, Connecting, Connected, Active, Error:
		return true
	}
	return false
}
