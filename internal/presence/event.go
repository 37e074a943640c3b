package presence

// Scope selects who receives an event.
type Scope int

const (
	// ToConnection targets one connection on this instance.
	ToConnection Scope = iota
	// ToRoom targets every participant of a session except Except.
	ToRoom
)

// Event is a message a protocol operation wants delivered. Operations return
// events; the Dispatcher decides how they reach connections.
type Event struct {
	Scope        Scope
	SessionID    string
	ConnectionID string // ToConnection target
	Except       string // ToRoom connection to skip
	Type         string
	Payload      any
	Close        bool // close the target connection after delivery
}

func toConn(connID, typ string, payload any) Event {
	return Event{Scope: ToConnection, ConnectionID: connID, Type: typ, Payload: payload}
}

func toRoom(sessionID, except, typ string, payload any) Event {
	return Event{Scope: ToRoom, SessionID: sessionID, Except: except, Type: typ, Payload: payload}
}

// relayed reports whether other instances should see the event. Documents
// are only ever sent to a joiner. Rosters are relayed separately, see
// Dispatcher.deliverRoster.
func relayed(typ string) bool {
	return typ != TypeDocument && typ != TypeRoster
}
