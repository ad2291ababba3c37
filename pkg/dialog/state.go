package dialog

// State is the dialog's lifecycle state, plus the
// supplemental Recovering state.
type State string

const (
	StateInitial    State = "Initial"
	StateEarly      State = "Early"
	StateConfirmed  State = "Confirmed"
	StateRecovering State = "Recovering"
	StateTerminated State = "Terminated"
)

func (s State) String() string { return string(s) }

func eventName(src, dst State) string {
	return string(src) + "_to_" + string(dst)
}
