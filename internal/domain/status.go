package domain

import (
	"fmt"
	"strings"
)

// Status is the single authoritative state of a WorkManager.
type Status int

const (
	New Status = iota
	Working
	Paused
	Draining
	Stopped
)

func (s Status) String() string {
	switch s {
	case New:
		return "new"
	case Working:
		return "working"
	case Paused:
		return "paused"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case New:
		return next == Working
	case Working:
		return next == Paused || next == Draining || next == Stopped
	case Paused:
		return next == Working || next == Stopped
	case Draining:
		return next == Stopped
	}
	return false
}

// HandlerMode selects how handler instances are scoped.
type HandlerMode int

const (
	// Singleton shares one handler across all queues.
	Singleton HandlerMode = iota
	// PerQueue caches one handler per queue name.
	PerQueue
	// PerWorkItem creates a fresh handler for every item.
	PerWorkItem
)

func (m HandlerMode) String() string {
	switch m {
	case Singleton:
		return "singleton"
	case PerQueue:
		return "per-queue"
	case PerWorkItem:
		return "per-work-item"
	default:
		return fmt.Sprintf("handler-mode(%d)", int(m))
	}
}

// ParseHandlerMode accepts the names produced by String, case-insensitively.
func ParseHandlerMode(s string) (HandlerMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "singleton":
		return Singleton, nil
	case "per-queue", "perqueue":
		return PerQueue, nil
	case "per-work-item", "perworkitem":
		return PerWorkItem, nil
	}
	return Singleton, fmt.Errorf("unknown handler mode %q", s)
}

// UnmarshalText lets env and JSON decoders fill a HandlerMode.
func (m *HandlerMode) UnmarshalText(text []byte) error {
	v, err := ParseHandlerMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m HandlerMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{New, Working, Paused, Draining, Stopped} {
		if strings.EqualFold(strings.TrimSpace(s), st.String()) {
			return st, nil
		}
	}
	return New, fmt.Errorf("unknown status %q", s)
}

func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
