package sessions

// State is the lifecycle state of a Session.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateClosed       State = "closed"
)
