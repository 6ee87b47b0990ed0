package conn

import "fmt"

// State is the observable connection lifecycle state. ReadyForQuery carries
// its transaction status on the Machine; StateError carries its description
// the same way.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReadyForQuery
	StateBusy
	StateCopyIn
	StateCopyOut
	StateError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReadyForQuery:
		return "ready for query"
	case StateBusy:
		return "busy"
	case StateCopyIn:
		return "copy in"
	case StateCopyOut:
		return "copy out"
	case StateError:
		return "error"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IllegalTransitionError reports a message that is not valid in the current
// state, in either direction.
type IllegalTransitionError struct {
	State State
	Event string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal in state %s: %s", e.State, e.Event)
}
