package fetch

import "fmt"

// State is a position in the retry lifecycle of one request.
type State int

const (
	Pending State = iota
	Attempting
	Retrying
	Succeeded
	Exhausted
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Attempting:
		return "attempting"
	case Retrying:
		return "retrying"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further attempts follow.
func (s State) Terminal() bool {
	return s == Succeeded || s == Exhausted || s == Failed
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTransient
	outcomeFatal
)

// next is the transition taken after an attempt. failures already counts
// the attempt being classified when it was transient.
func next(from State, o outcome, failures, maxRetries int) State {
	if from.Terminal() {
		return from
	}
	switch o {
	case outcomeSuccess:
		return Succeeded
	case outcomeTransient:
		if failures <= maxRetries {
			return Retrying
		}
		return Exhausted
	default:
		return Failed
	}
}
