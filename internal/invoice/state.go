package invoice

import "fmt"

// State is the lifecycle position of an invoice.
type State int

const (
	Pending State = iota
	PartiallyPaid
	AwaitingConfirmations
	Confirmed
	Expired
)

var stateNames = [...]string{
	Pending:               "pending",
	PartiallyPaid:         "partially_paid",
	AwaitingConfirmations: "awaiting_confirmations",
	Confirmed:             "confirmed",
	Expired:               "expired",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == Confirmed || s == Expired
}

// ParseState reverses String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown invoice state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
