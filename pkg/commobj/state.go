package commobj

// CommunicationState is the lifecycle state of a communication object.
// States only ever move forward: Created -> Opening -> Opened -> Closing -> Closed,
// with Faulted reachable from any non-terminal state and Closed reachable from
// anywhere through Abort.
type CommunicationState int32

const (
	// StateCreated is the initial state. Nothing has been acquired yet.
	StateCreated CommunicationState = iota

	// StateOpening means an Open is acquiring the underlying resource
	StateOpening

	// StateOpened means the resource is usable
	StateOpened

	// StateClosing means the resource is being released
	StateClosing

	// StateClosed is terminal; the resource has been released
	StateClosed

	// StateFaulted means the resource is unusable. Only Close or Abort are meaningful.
	StateFaulted
)

var stateNames = [...]string{"Created", "Opening", "Opened", "Closing", "Closed", "Faulted"}

func (s CommunicationState) String() string {
	if s < StateCreated || s > StateFaulted {
		return "Unknown"
	}
	return stateNames[s]
}

// IsTerminal returns true for Closed and Faulted
func (s CommunicationState) IsTerminal() bool {
	return s == StateClosed || s == StateFaulted
}
