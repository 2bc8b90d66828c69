// Package events defines the console's typed events and the ordered bus that
// delivers them.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

// Type identifies an event kind
type Type string

const (
	TypeRegistrationStateChanged Type = "registration.state_changed"
	TypeSessionCreated           Type = "session.created"
	TypeSessionStateChanged      Type = "session.state_changed"
	TypeDurationTick             Type = "session.duration_tick"
	TypeMediaStateChanged        Type = "media.state_changed"
	TypeTransferFailed           Type = "session.transfer_failed"
	TypeCallLogged               Type = "calllog.logged"
)

// Event is implemented by every event published on the bus
type Event interface {
	Type() Type
	EventID() string
	Timestamp() time.Time
	ErrKind() string
}

// Meta carries the fields common to all events
type Meta struct {
	ID  string
	At  time.Time
	Err error
}

// NewMeta stamps a fresh event ID and the current time
func NewMeta(err error) Meta {
	return Meta{ID: uuid.NewString(), At: time.Now(), Err: err}
}

func (m Meta) EventID() string      { return m.ID }
func (m Meta) Timestamp() time.Time { return m.At }

// ErrKind tags the event with the stable label of its error, empty when none
func (m Meta) ErrKind() string { return telephony.KindOf(m.Err) }

type RegistrationStateChanged struct {
	Meta
	Old    telephony.RegistrationState
	New    telephony.RegistrationState
	Reason telephony.FailureReason
}

func (RegistrationStateChanged) Type() Type { return TypeRegistrationStateChanged }

type SessionCreated struct {
	Meta
	SessionID    string
	TransportRef string
	Direction    telephony.Direction
	RemoteParty  string
}

func (SessionCreated) Type() Type { return TypeSessionCreated }

// SessionStateChanged is published on every session transition. Completion is
// set only on the transition into a terminal state.
type SessionStateChanged struct {
	Meta
	SessionID   string
	Direction   telephony.Direction
	RemoteParty string
	Old         telephony.SessionState
	New         telephony.SessionState
	Completion  *telephony.Completion
}

func (SessionStateChanged) Type() Type { return TypeSessionStateChanged }

type DurationTick struct {
	Meta
	SessionID string
	Elapsed   time.Duration
}

func (DurationTick) Type() Type { return TypeDurationTick }

type MediaStateChanged struct {
	Meta
	SessionID  string
	Hold       telephony.HoldState
	Mute       telephony.MuteState
	LocalAudio bool
}

func (MediaStateChanged) Type() Type { return TypeMediaStateChanged }

type TransferFailed struct {
	Meta
	SessionID string
	Target    string
}

func (TransferFailed) Type() Type { return TypeTransferFailed }

type CallLogged struct {
	Meta
	EntryID     string
	SessionID   string
	AgentID     string
	Direction   telephony.Direction
	RemoteParty string
	// EndedAt is the entry's timestamp
	EndedAt         time.Time
	Outcome         telephony.Outcome
	DurationSeconds int
}

func (CallLogged) Type() Type { return TypeCallLogged }
