package daemon

import "sync/atomic"

// SessionState is the lifecycle state of a client session.
type SessionState uint32

const (
	Connecting SessionState = iota
	Active
	Draining
	Closed
)

func (st SessionState) String() string {
	switch st {
	case Connecting:
		return "Connecting"
	case Active:
		return "Active"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ServerState is the lifecycle state of a Server.
type ServerState uint32

const (
	StoppedState ServerState = iota
	StoppingState
	StartingState
	RunningState
)

func (st ServerState) String() string {
	switch st {
	case StoppedState:
		return "Stopped"
	case StoppingState:
		return "Stopping"
	case StartingState:
		return "Starting"
	case RunningState:
		return "Running"
	default:
		return "Unknown"
	}
}

// atomicServerState lets other goroutines observe the reactor's state.
type atomicServerState struct {
	state atomic.Uint32
}

func (st *atomicServerState) Get() ServerState {
	return ServerState(st.state.Load())
}

func (st *atomicServerState) Set(state ServerState) {
	st.state.Store(uint32(state))
}

func (st *atomicServerState) IsRunning() bool {
	return st.Get() == RunningState
}

func (st *atomicServerState) IsStopped() bool {
	return st.Get() == StoppedState
}

func (st *atomicServerState) ToStarting() bool {
	return st.state.CompareAndSwap(uint32(StoppedState), uint32(StartingState))
}

func (st *atomicServerState) ToRunning() bool {
	return st.state.CompareAndSwap(uint32(StartingState), uint32(RunningState))
}

func (st *atomicServerState) ToStopping() bool {
	result := st.state.CompareAndSwap(uint32(RunningState), uint32(StoppingState))
	if !result {
		return st.state.CompareAndSwap(uint32(StartingState), uint32(StoppingState))
	}

	return result
}

func (st *atomicServerState) ToStopped() bool {
	if st.IsStopped() {
		return true
	}

	return st.state.CompareAndSwap(uint32(StoppingState), uint32(StoppedState))
}
