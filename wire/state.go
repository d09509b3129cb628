package wire

import "errors"

// State is a dispatcher lifecycle state. States are totally ordered and only
// ever advance: attempting to move to a lower state fails with
// ErrStateRegression, moving to the current state is a no-op.
type State int32

const (
	StateInit State = iota
	StateStartup
	StateRunning
	StateShutdown
	StateTerminated
)

// ErrStateRegression reports an attempt to move the lifecycle backwards.
var ErrStateRegression = errors.New("wire: dispatcher state only moves forward")

// Alive reports whether a dispatcher in state s still exchanges messages,
// i.e. it has started and is not yet fully torn down.
func (s State) Alive() bool {
	return s >= StateStartup && s <= StateShutdown
}

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStartup:
		return "startup"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
