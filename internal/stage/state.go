package stage

import "fmt"

// State is the lifecycle position of one scenario run.
type State int

const (
	Defined State = iota
	InputsBound
	ReferenceComputed
	Exported
	Converted
	ConvertedComputed
	Compared
	Passed
	Failed
	Errored
)

var stateNames = [...]string{
	Defined:           "DEFINED",
	InputsBound:       "INPUTS_BOUND",
	ReferenceComputed: "REFERENCE_COMPUTED",
	Exported:          "EXPORTED",
	Converted:         "CONVERTED",
	ConvertedComputed: "CONVERTED_COMPUTED",
	Compared:          "COMPARED",
	Passed:            "PASSED",
	Failed:            "FAILED",
	Errored:           "ERRORED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}

	return stateNames[s]
}

// MarshalText renders the state name in reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}

	return fmt.Errorf("stage: unknown state %q", string(b))
}

// IsTerminal reports whether the state ends a scenario run.
func IsTerminal(s State) bool {
	switch s {
	case Passed, Failed, Errored:
		return true
	default:
		return false
	}
}

// Machine tracks one scenario run. Runs are single-pass: a state is never
// re-entered.
type Machine struct {
	state   State
	history []State
}

// NewMachine returns a machine in the Defined state.
func NewMachine() *Machine {
	return &Machine{state: Defined, history: []State{Defined}}
}

func (m *Machine) State() State { return m.state }

// History returns every state visited, in order.
func (m *Machine) History() []State {
	return append([]State(nil), m.history...)
}

// Transition moves from the current state to to, rejecting anything but
// the next pipeline step or a permitted terminal.
func (m *Machine) Transition(to State) error {
	if !isAllowedTransition(m.state, to) {
		return fmt.Errorf("stage: disallowed transition %s -> %s", m.state, to)
	}

	m.state = to
	m.history = append(m.history, to)

	return nil
}

func isAllowedTransition(from, to State) bool {
	if IsTerminal(from) {
		return false
	}

	switch from {
	case Compared:
		return to == Passed || to == Failed
	default:
		return to == from+1 || to == Errored
	}
}
