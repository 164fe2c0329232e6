package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// State is the controller's run state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Stopped, Starting, Running, Stopping, Failed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}

	return fmt.Errorf("unknown state %q", text)
}

var (
	// ErrNoDeviceSelected is returned by Restart when the settings don't name a
	// device. The pipeline stays stopped; this is not a failure.
	ErrNoDeviceSelected = errors.New("no device selected")

	// ErrNoStreamEnabled is returned by Restart when every stream is disabled.
	ErrNoStreamEnabled = errors.New("no stream enabled")
)

// ErrNativeStart wraps a native error from starting the pipeline.
type ErrNativeStart struct {
	error
}

func (err ErrNativeStart) Is(target error) bool {
	_, ok := target.(ErrNativeStart)
	return ok
}

func (err ErrNativeStart) Unwrap() error {
	return err.error
}

// ErrNativeStop wraps a native error from stopping the pipeline.
type ErrNativeStop struct {
	error
}

func (err ErrNativeStop) Is(target error) bool {
	_, ok := target.(ErrNativeStop)
	return ok
}

func (err ErrNativeStop) Unwrap() error {
	return err.error
}

// StateChange is sent to subscribers on every transition.
type StateChange struct {
	State   State     `json:"state"`
	Episode string    `json:"episode,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Stats describes the current or most recent running episode.
type Stats struct {
	State             State      `json:"state"`
	Episode           string     `json:"episode,omitempty"`
	Serial            string     `json:"serial,omitempty"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	FramesCaptured    uint64     `json:"framesCaptured"`
	WaitErrors        uint64     `json:"waitErrors"`
	ConsecutiveErrors uint64     `json:"consecutiveErrors"`
	LastError         string     `json:"lastError,omitempty"`
}
