package link

// State is the lifecycle position of the connection manager.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Discovering
	Ready
	Disconnected
)

var stateNames = [...]string{
	Idle:         "idle",
	Scanning:     "scanning",
	Connecting:   "connecting",
	Discovering:  "discovering",
	Ready:        "ready",
	Disconnected: "disconnected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "invalid"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists every edge the manager may take. Entering Idle is
// always allowed because radio power-off overrides everything else.
var transitions = map[State][]State{
	Idle:         {Scanning},
	Scanning:     {Connecting, Disconnected},
	Connecting:   {Discovering, Disconnected},
	Discovering:  {Ready, Disconnected},
	Ready:        {Disconnected},
	Disconnected: {Scanning},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if to == Idle {
		return from != Idle
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
