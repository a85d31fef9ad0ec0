package chat

import (
	"fmt"
	"time"
)

// Phase is a session lifecycle phase.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseActive
	PhasePaused
	PhaseBackoff
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhasePaused:
		return "paused"
	case PhaseBackoff:
		return "backoff"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the authoritative lifecycle state of one session. Attempt,
// NextRetryAt and Delay are only set in PhaseBackoff.
type State struct {
	Phase       Phase
	Attempt     int
	NextRetryAt time.Time
	Delay       time.Duration
}

func (s State) String() string {
	if s.Phase == PhaseBackoff {
		return fmt.Sprintf("backoff(%d)", s.Attempt)
	}
	return s.Phase.String()
}
