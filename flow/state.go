package flow

// State is a step of the callback state machine.
type State int

const (
	StateInitiated State = iota
	StateAwaitingCallback
	StateCSRFVerified
	StateTokenExchanged
	StateProfileResolved
	StateReconciled
	StateCookieIssued
	StateRedirected
	StateRejected
)

var stateNames = [...]string{
	StateInitiated:        "initiated",
	StateAwaitingCallback: "awaiting_callback",
	StateCSRFVerified:     "csrf_verified",
	StateTokenExchanged:   "token_exchanged",
	StateProfileResolved:  "profile_resolved",
	StateReconciled:       "reconciled",
	StateCookieIssued:     "cookie_issued",
	StateRedirected:       "redirected",
	StateRejected:         "rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
