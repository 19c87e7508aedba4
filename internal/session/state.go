package session

import (
	"errors"
	"fmt"
)

var (
	ErrCaptureFailed        = errors.New("capture failed")
	ErrRosterUnavailable    = errors.New("roster unavailable")
	ErrReconciliationFailed = errors.New("existing attendance could not be loaded")
	ErrSubmissionFailed     = errors.New("submission failed")
	ErrInvalidState         = errors.New("operation not allowed in the current session state")
	ErrBusy                 = errors.New("a submission is in progress")
)

// State is the lifecycle position of a capture session.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateActive
	StateSubmitting
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateSubmitting:
		return "submitting"
	case StateFinalized:
		return "finalized"
	}
	return "unknown"
}

// MarshalText lets views render the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateFinalized; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}
