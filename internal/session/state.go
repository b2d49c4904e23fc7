package session

import (
	"fmt"
	"maps"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for candidate := StateDisconnected; candidate <= StateFailed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", text)
}

// Snapshot is one published view of the session. Observers receive their
// own copy.
type Snapshot struct {
	State     State           `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	Connected bool            `json:"connected"`
	Status    string          `json:"status"`
	Presence  map[string]bool `json:"presence"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Presence = maps.Clone(s.Presence)
	if out.Presence == nil {
		out.Presence = map[string]bool{}
	}
	return out
}
