package chatclient

import (
	"errors"
	"fmt"
)

// State is the controller's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateIdentifying
	StateReady
	// StateFailed is terminal until Reconnect: retries are exhausted or the
	// server refused the identity.
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event drives Transition.
type Event int

const (
	EventDial Event = iota
	EventDialed
	EventDialFailed
	EventIdentify
	EventIdentified
	EventRejected
	EventLost
	EventGiveUp
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventDial:
		return "dial"
	case EventDialed:
		return "dialed"
	case EventDialFailed:
		return "dial_failed"
	case EventIdentify:
		return "identify"
	case EventIdentified:
		return "identified"
	case EventRejected:
		return "rejected"
	case EventLost:
		return "lost"
	case EventGiveUp:
		return "give_up"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// ErrInvalidTransition is returned for an event the current state does not accept.
var ErrInvalidTransition = errors.New("chatclient: invalid transition")

type edge struct {
	from State
	on   Event
}

var transitions = map[edge]State{
	{StateDisconnected, EventDial}:      StateConnecting,
	{StateDisconnected, EventGiveUp}:    StateFailed,
	{StateConnecting, EventDialed}:      StateConnected,
	{StateConnecting, EventDialFailed}:  StateDisconnected,
	{StateConnected, EventIdentify}:     StateIdentifying,
	{StateConnected, EventLost}:         StateDisconnected,
	{StateIdentifying, EventIdentified}: StateReady,
	{StateIdentifying, EventRejected}:   StateFailed,
	{StateIdentifying, EventLost}:       StateDisconnected,
	{StateReady, EventLost}:             StateDisconnected,
	{StateFailed, EventDial}:            StateConnecting,
}

// Transition returns the state reached from s on e. Close is accepted from
// every state except Closed.
func Transition(s State, e Event) (State, error) {
	if e == EventClose && s != StateClosed {
		return StateClosed, nil
	}
	next, ok := transitions[edge{s, e}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, e)
	}
	return next, nil
}
