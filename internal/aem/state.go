package aem

// State is the lifecycle position of an invocation.
type State int

const (
	StateCreated State = iota
	StateAccumulating
	StateOutOfWindow
	StatePostbackPending
	StatePostbackSent
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAccumulating:
		return "accumulating"
	case StateOutOfWindow:
		return "out_of_window"
	case StatePostbackPending:
		return "postback_pending"
	case StatePostbackSent:
		return "postback_sent"
	default:
		return "unknown"
	}
}

// State derives the lifecycle position from the invocation fields.
// PostbackPending means at least one postback attempt failed.
func (i *Invocation) State(configs Configs) State {
	if i.PostbackSent {
		return StatePostbackSent
	}
	if i.IsOutOfWindow(configs) {
		if !i.IsAggregated && i.PostbackAttempts > 0 {
			return StatePostbackPending
		}
		return StateOutOfWindow
	}
	if len(i.RecordedEvents) == 0 && i.ConversionValue < 0 {
		return StateCreated
	}
	return StateAccumulating
}

// NeedsPostback reports whether the invocation holds an unreported
// conversion whose window has closed.
func (i *Invocation) NeedsPostback(configs Configs) bool {
	return !i.IsAggregated && !i.PostbackSent && i.ACSToken != "" && i.IsOutOfWindow(configs)
}
