package oauth

// legalTransitions is the session state machine. A session may only move
// along these edges; anything else is a programming error and is rejected.
var legalTransitions = map[SessionState][]SessionState{
	StateInitiated:        {StateAwaitingCallback, StateFailed},
	StateAwaitingCallback: {StateExchanging, StateFailed},
	StateExchanging:       {StateAuthenticated, StateFailed},
	StateAuthenticated:    {StateExpired, StateFailed},
	StateExpired:          {},
	StateFailed:           {},
}

// canTransition reports whether the edge from -> to exists in the machine.
func canTransition(from, to SessionState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the session to the target state. Callers must hold the
// manager's state lock. Returns false when the edge is illegal, in which
// case the session is left untouched.
func (s *Session) transition(to SessionState) bool {
	if !canTransition(s.State, to) {
		return false
	}
	s.State = to
	return true
}

// fail moves the session to failed with the given error kind, from any
// non-terminal state.
func (s *Session) fail(kind ErrorKind) {
	if s.State.Terminal() {
		return
	}
	s.State = StateFailed
	s.failure = kind
}
