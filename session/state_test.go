package session

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateInit, StateAddrResolving, true},
		{StateInit, StateListening, true},
		{StateInit, StateEstablished, false},
		{StateAddrResolving, StateAddrResolved, true},
		{StateAddrResolving, StateRouteResolved, false},
		{StateAddrResolved, StateRouteResolving, true},
		{StateRouteResolving, StateRouteResolved, true},
		{StateRouteResolved, StateConnecting, true},
		{StateRouteResolved, StateEstablished, false},
		{StateConnecting, StateEstablished, true},
		{StateListening, StateConnectRequested, true},
		{StateListening, StateEstablished, false},
		{StateConnectRequested, StateEstablished, true},
		{StateEstablished, StateDisconnected, true},
		{StateEstablished, StateConnecting, false},
		{StateConnecting, StateError, true},
		{StateDisconnected, StateError, false},
		{StateError, StateInit, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestStateMachineAdvance(t *testing.T) {
	var m stateMachine
	if _, err := m.advance(StateAddrResolving); err != nil {
		t.Fatalf("advance: %v", err)
	}
	prev, err := m.advance(StateConnecting)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var terr *TransitionError
	if !errors.As(err, &terr) || terr.From != StateAddrResolving || terr.To != StateConnecting {
		t.Fatalf("unexpected transition error %v", err)
	}
	if prev != StateAddrResolving || m.current() != StateAddrResolving {
		t.Fatalf("state changed on a rejected transition: %s", m.current())
	}
	if _, err := m.advance(StateError); err != nil {
		t.Fatalf("advance to error: %v", err)
	}
	if !m.current().Terminal() {
		t.Fatalf("expected terminal state")
	}
}

func TestStateString(t *testing.T) {
	if got := StateConnectRequested.String(); got != "connect_requested" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Fatalf("unexpected name %q", got)
	}
}
