package connection

// State is the connection state of one device.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// EventType names the edge that produced an Event.
type EventType string

const (
	EventConnect      EventType = "connect"
	EventConnecting   EventType = "connecting"
	EventReconnecting EventType = "reconnecting"
	EventDisconnect   EventType = "disconnect"
)

// Event is emitted exactly once per state change.
type Event struct {
	Type     EventType
	State    State
	Previous State
}

func eventFor(s State) EventType {
	switch s {
	case Connected:
		return EventConnect
	case Connecting:
		return EventConnecting
	case Reconnecting:
		return EventReconnecting
	default:
		return EventDisconnect
	}
}
