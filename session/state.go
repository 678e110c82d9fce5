package session

import (
	"fmt"
	"sync"
)

// State is a step of the connection lifecycle.
type State int

const (
	StateInit State = iota
	StateAddrResolving
	StateAddrResolved
	StateRouteResolving
	StateRouteResolved
	StateConnecting
	StateListening
	StateConnectRequested
	StateEstablished
	StateDisconnected
	StateError
)

var stateNames = [...]string{
	StateInit:             "init",
	StateAddrResolving:    "addr_resolving",
	StateAddrResolved:     "addr_resolved",
	StateRouteResolving:   "route_resolving",
	StateRouteResolved:    "route_resolved",
	StateConnecting:       "connecting",
	StateListening:        "listening",
	StateConnectRequested: "connect_requested",
	StateEstablished:      "established",
	StateDisconnected:     "disconnected",
	StateError:            "error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateError
}

// transitions lists the legal successors of each state. Every non-terminal
// state may also move to StateError.
var transitions = map[State][]State{
	StateInit:             {StateAddrResolving, StateListening},
	StateAddrResolving:    {StateAddrResolved},
	StateAddrResolved:     {StateRouteResolving},
	StateRouteResolving:   {StateRouteResolved},
	StateRouteResolved:    {StateConnecting},
	StateConnecting:       {StateEstablished},
	StateListening:        {StateConnectRequested},
	StateConnectRequested: {StateEstablished},
	StateEstablished:      {StateDisconnected},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// advance moves to next and returns the previous state.
func (m *stateMachine) advance(next State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	if !CanTransition(prev, next) {
		return prev, &TransitionError{From: prev, To: next}
	}
	m.state = next
	return prev, nil
}
