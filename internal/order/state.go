package order

type State string

const (
	StatePending         State = "PENDING"
	StateSubmitted       State = "SUBMITTED"
	StateAcknowledged    State = "ACKNOWLEDGED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCanceled        State = "CANCELED"
	StateRejected        State = "REJECTED"
	StateExpired         State = "EXPIRED"
)

var States = []State{
	StatePending,
	StateSubmitted,
	StateAcknowledged,
	StatePartiallyFilled,
	StateFilled,
	StateCanceled,
	StateRejected,
	StateExpired,
}

// Terminal states leave the active set. EXPIRED is terminal but may be
// reopened by a late ack or fill.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired:
		return true
	}
	return false
}

type Event string

const (
	EventDispatch    Event = "dispatch"
	EventAck         Event = "ack"
	EventReject      Event = "reject"
	EventTimeout     Event = "timeout"
	EventPartialFill Event = "partial_fill"
	EventFill        Event = "fill"
	EventCancel      Event = "cancel"
)

// transitions lists every accepted (state, event) pair. Anything missing is
// a no-op that leaves the state unchanged.
var transitions = map[State]map[Event]State{
	StatePending: {
		EventDispatch: StateSubmitted,
		EventCancel:   StateCanceled,
		EventReject:   StateRejected,
	},
	StateSubmitted: {
		EventAck:         StateAcknowledged,
		EventReject:      StateRejected,
		EventTimeout:     StateExpired,
		EventPartialFill: StatePartiallyFilled,
		EventFill:        StateFilled,
		EventCancel:      StateCanceled,
	},
	StateAcknowledged: {
		EventReject:      StateRejected,
		EventPartialFill: StatePartiallyFilled,
		EventFill:        StateFilled,
		EventCancel:      StateCanceled,
	},
	StatePartiallyFilled: {
		EventPartialFill: StatePartiallyFilled,
		EventFill:        StateFilled,
		EventCancel:      StateCanceled,
	},
	StateExpired: {
		EventAck:         StateAcknowledged,
		EventPartialFill: StatePartiallyFilled,
		EventFill:        StateFilled,
	},
	StateFilled:   {},
	StateCanceled: {},
	StateRejected: {},
}

func nextState(current State, event Event) (State, bool) {
	next, ok := transitions[current][event]
	if !ok {
		return current, false
	}
	return next, true
}
