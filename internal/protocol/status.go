package protocol

// Status is the conversation state of one chat session. The server holds it
// in the client registry; the client mirrors it in its shared session state.
type Status int

const (
	// StatusUnregistered means no login has completed for this user.
	StatusUnregistered Status = iota
	// StatusRegistering means the login broadcast is in flight.
	StatusRegistering
	// StatusRegistered means the session is fully joined.
	StatusRegistered
	// StatusUnregistering means the logout broadcast is in flight.
	StatusUnregistering
)

func (s Status) String() string {
	switch s {
	case StatusUnregistered:
		return "UNREGISTERED"
	case StatusRegistering:
		return "REGISTERING"
	case StatusRegistered:
		return "REGISTERED"
	case StatusUnregistering:
		return "UNREGISTERING"
	default:
		return "UNKNOWN"
	}
}
