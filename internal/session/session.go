// Package session runs the lifecycle of the agent's single call.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

// Snapshot is an immutable copy of the active call
type Snapshot struct {
	ID            string
	TransportRef  string
	Direction     telephony.Direction
	RemoteParty   string
	State         telephony.SessionState
	CreatedAt     time.Time
	EstablishedAt time.Time
	Hold          telephony.HoldState
	Mute          telephony.MuteState
}

// LocalAudio is true only when the call is neither held nor muted
func (s Snapshot) LocalAudio() bool {
	return s.Hold == telephony.HoldActive && s.Mute == telephony.Unmuted
}

type call struct {
	id          string
	ref         string
	direction   telephony.Direction
	remoteParty string
	state       telephony.SessionState
	createdAt   time.Time

	establishedAt time.Time
	leftAt        time.Time
	answered      bool

	hold         telephony.HoldState
	mute         telephony.MuteState
	transferring bool

	ticker *durationTicker
}

func newCall(dir telephony.Direction, remote, ref string, now time.Time) *call {
	return &call{
		id:          uuid.NewString(),
		ref:         ref,
		direction:   dir,
		remoteParty: remote,
		state:       telephony.StateInitial,
		createdAt:   now,
	}
}

func (c *call) snapshot() Snapshot {
	return Snapshot{
		ID:            c.id,
		TransportRef:  c.ref,
		Direction:     c.direction,
		RemoteParty:   c.remoteParty,
		State:         c.state,
		CreatedAt:     c.createdAt,
		EstablishedAt: c.establishedAt,
		Hold:          c.hold,
		Mute:          c.mute,
	}
}

// durationTicker publishes elapsed talk time until stopped
type durationTicker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startTicker(interval time.Duration, tick func()) *durationTicker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &durationTicker{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C:
				select {
				case <-ctx.Done():
					return
				default:
				}
				tick()
			}
		}
	}()
	return t
}

// stop returns once the goroutine has exited; no tick is published afterwards
func (t *durationTicker) stop() {
	t.cancel()
	<-t.done
}
