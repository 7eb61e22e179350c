package domain

import "time"

// Session is the device's view of a backend weighing session.
type Session struct {
	ID        string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	StartTime time.Time `json:"start_time"`
}

// DaemonMode distinguishes the two daemon states.
type DaemonMode string

const (
	ModeIdle     DaemonMode = "idle"
	ModeTracking DaemonMode = "tracking"
)

// DaemonState is the session daemon's state. The zero value is Idle.
type DaemonState struct {
	Mode      DaemonMode
	SessionID string
}

// Idle returns the idle state.
func Idle() DaemonState { return DaemonState{Mode: ModeIdle} }

// Tracking returns the tracking state bound to sessionID.
func Tracking(sessionID string) DaemonState {
	return DaemonState{Mode: ModeTracking, SessionID: sessionID}
}

// IsTracking reports whether the daemon is bound to a session.
func (s DaemonState) IsTracking() bool { return s.Mode == ModeTracking }

func (s DaemonState) String() string {
	if s.IsTracking() {
		return "tracking(" + s.SessionID + ")"
	}
	return string(ModeIdle)
}
