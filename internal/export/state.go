package export

import "fmt"

// State is the lifecycle stage of one category within a run.
type State int

const (
	Pending State = iota
	Fetching
	Flattening
	Writing
	Done
	Failed
)

var stateNames = map[State]string{
	Pending:    "PENDING",
	Fetching:   "FETCHING",
	Flattening: "FLATTENING",
	Writing:    "WRITING",
	Done:       "DONE",
	Failed:     "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// next lists the forward transition from each non-terminal state. Failed is
// reachable from all of them.
var next = map[State]State{
	Pending:    Fetching,
	Fetching:   Flattening,
	Flattening: Writing,
	Writing:    Done,
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	return next[from] == to
}

// tracker holds the state of one category and enforces legal transitions.
type tracker struct {
	category string
	state    State
	failedIn State
}

func newTracker(category string) *tracker {
	return &tracker{category: category, state: Pending}
}

// advance moves to the given state. An illegal move is a programming error
// and panics.
func (t *tracker) advance(to State) {
	if !CanTransition(t.state, to) {
		panic(fmt.Sprintf("export: illegal state transition %s -> %s for category '%s'", t.state, to, t.category))
	}
	if to == Failed {
		t.failedIn = t.state
	}
	t.state = to
}
