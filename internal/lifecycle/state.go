package lifecycle

// State is the orchestrator lifecycle state.
type State int32

const (
	StateBuilt State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reason tells the caller of Wait why the graph was stopped.
type Reason int

const (
	// ReasonTerminate means the process should exit.
	ReasonTerminate Reason = iota

	// ReasonReload means the caller should rebuild and restart.
	ReasonReload
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonTerminate:
		return "terminate"
	case ReasonReload:
		return "reload"
	default:
		return "unknown"
	}
}
