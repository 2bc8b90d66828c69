package telephony

import (
	"math"
	"time"
)

// Completion is the classification of a finished call. It is produced exactly
// once per session and carried on the terminal state change.
type Completion struct {
	SessionID   string
	AgentID     string
	Direction   Direction
	RemoteParty string
	Outcome     Outcome
	Duration    time.Duration
	EndedAt     time.Time
}

// DurationSeconds rounds the talk time to whole seconds
func (c Completion) DurationSeconds() int {
	return int(math.Round(c.Duration.Seconds()))
}
