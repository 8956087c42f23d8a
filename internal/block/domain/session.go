package domain

import "time"

// SessionState is the derived state of the block.
type SessionState int

const (
	SessionInactive SessionState = iota
	SessionStarting
	SessionActive
	SessionExpiring
	SessionRemoving
)

var sessionStateNames = map[SessionState]string{
	SessionInactive: "inactive",
	SessionStarting: "starting",
	SessionActive:   "active",
	SessionExpiring: "expiring",
	SessionRemoving: "removing",
}

func (s SessionState) String() string {
	if name, ok := sessionStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// BlockSession is a block as reconstructed from durable settings and live
// enforcement state. It is never stored.
type BlockSession struct {
	State   SessionState
	EndDate time.Time
}

// DeriveSession reconstructs the session. A running block whose enforcement is
// missing is Starting: the settings prove intent, so the next step is install.
func DeriveSession(s Settings, installed bool, now time.Time) BlockSession {
	switch {
	case !s.BlockIsRunning:
		return BlockSession{State: SessionInactive}
	case s.Expired(now):
		return BlockSession{State: SessionExpiring, EndDate: s.EndDate()}
	case !installed:
		return BlockSession{State: SessionStarting, EndDate: s.EndDate()}
	default:
		return BlockSession{State: SessionActive, EndDate: s.EndDate()}
	}
}
