package mainloop

// LoopState describes how a loop is currently being driven.
type LoopState int

const (
	// StateIdle indicates the loop is not running, and may be driven manually.
	StateIdle LoopState = iota
	// StateRunning indicates Run is in progress.
	StateRunning
	// StateDispatching indicates a dispatch pass is in progress.
	StateDispatching
	// StateEmbedded indicates the loop is a guest of another loop.
	StateEmbedded
	// StateHosted indicates the loop forwards its primitives to a superloop.
	StateHosted
	// StateDestroyed indicates the loop has been destroyed.
	StateDestroyed
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateDispatching:
		return "Dispatching"
	case StateEmbedded:
		return "Embedded"
	case StateHosted:
		return "Hosted"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// State returns the current state. Dispatching takes precedence over the
// way the loop is driven.
func (l *Loop) State() LoopState {
	switch {
	case l.destroyed:
		return StateDestroyed
	case l.dispatching:
		return StateDispatching
	case l.super != nil:
		return StateHosted
	case l.host != nil:
		return StateEmbedded
	case l.running:
		return StateRunning
	default:
		return StateIdle
	}
}
