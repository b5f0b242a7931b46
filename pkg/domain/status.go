package domain

import "fmt"

// ExecutionStatus is the closed state machine of an execution item.
type ExecutionStatus int

const (
	StatusIdle ExecutionStatus = iota
	StatusEnqueued
	StatusRunning
	StatusAborting
	StatusCompleted
)

var statusNames = [...]string{
	StatusIdle:      "idle",
	StatusEnqueued:  "enqueued",
	StatusRunning:   "running",
	StatusAborting:  "aborting",
	StatusCompleted: "completed",
}

func (s ExecutionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("ExecutionStatus(%d)", int(s))
	}
	return statusNames[s]
}

// IsBusy reports whether the status blocks new submissions for the same key.
func (s ExecutionStatus) IsBusy() bool {
	switch s {
	case StatusEnqueued, StatusRunning, StatusAborting:
		return true
	case StatusIdle, StatusCompleted:
		return false
	}
	panic(fmt.Sprintf("domain: unhandled status %d", int(s)))
}

// IsExecutionStatusLoading is true exactly for enqueued, running and aborting.
func IsExecutionStatusLoading(s ExecutionStatus) bool {
	return s.IsBusy()
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case StatusIdle:
		return next == StatusEnqueued
	case StatusEnqueued:
		return next == StatusRunning || next == StatusIdle
	case StatusRunning:
		return next == StatusCompleted || next == StatusAborting
	case StatusAborting:
		return next == StatusIdle
	case StatusCompleted:
		return next == StatusIdle
	}
	return false
}

// ParseStatus resolves a status name.
func ParseStatus(name string) (ExecutionStatus, error) {
	for i, n := range statusNames {
		if n == name {
			return ExecutionStatus(i), nil
		}
	}
	return StatusIdle, fmt.Errorf("unknown execution status %q", name)
}

func (s ExecutionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ExecutionStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Outcome records how an item left the busy states. Status alone does not tell a
// succeeded item from a failed one; the outcome does.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
	OutcomeStale
	OutcomeCancelled
)

var outcomeNames = [...]string{
	OutcomeNone:      "none",
	OutcomeSucceeded: "succeeded",
	OutcomeFailed:    "failed",
	OutcomeStale:     "stale",
	OutcomeCancelled: "cancelled",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	for i, n := range outcomeNames {
		if n == string(b) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(b))
}
