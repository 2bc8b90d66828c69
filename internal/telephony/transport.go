package telephony

import (
	"context"

	"github.com/pion/sdp/v3"
)

// Transport is the signaling collaborator. Blocking calls perform one network
// round trip and must honour ctx. Refs are opaque call identifiers chosen by the
// transport.
type Transport interface {
	Connect(ctx context.Context) error
	SendRegister(ctx context.Context, id Identity) error
	SendUnregister(ctx context.Context) error

	// SendInvite starts an outbound call and returns its ref
	SendInvite(ctx context.Context, remoteParty string) (string, error)
	SendAnswer(ctx context.Context, ref string) error
	SendBye(ctx context.Context, ref string) error
	SendCancel(ctx context.Context, ref string) error
	SendReject(ctx context.Context, ref string) error

	// Renegotiate changes the media direction of an established call
	Renegotiate(ctx context.Context, ref string, dir sdp.Direction) error
	// SetLocalAudio enables or disables sending of local audio without renegotiation
	SetLocalAudio(ref string, enabled bool) error
	// Transfer blind-transfers the call to target
	Transfer(ctx context.Context, ref, target string) error

	SetHandler(h TransportHandler)
	Close() error
}

// TransportHandler receives unsolicited events from the transport
type TransportHandler interface {
	OnRegistrationEvent(evt RegistrationEvent)
	OnInviteReceived(inv Invite)
	OnSessionEvent(evt SessionEvent)
}

// RegistrationEventKind classifies an unsolicited registration event
type RegistrationEventKind int

const (
	RegistrationOK RegistrationEventKind = iota
	RegistrationFailed
	RegistrationLost
	RegistrationRemoved
)

func (k RegistrationEventKind) String() string {
	switch k {
	case RegistrationOK:
		return "ok"
	case RegistrationFailed:
		return "failed"
	case RegistrationLost:
		return "lost"
	case RegistrationRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// RegistrationEvent is delivered by the transport outside of SendRegister
type RegistrationEvent struct {
	Kind   RegistrationEventKind
	Detail string
	Err    error
}

// Invite is an inbound call offer
type Invite struct {
	Ref         string
	RemoteParty string
	DisplayName string
}

// SessionEventKind classifies an in-call event
type SessionEventKind int

const (
	SessionRinging SessionEventKind = iota
	SessionEstablished
	// SessionRejected is an explicit refusal of an outbound attempt (4xx-6xx final response)
	SessionRejected
	// SessionTerminated is the generic close, whatever the cause
	SessionTerminated
	// SessionProtocolError is an unexpected remote response
	SessionProtocolError
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionRinging:
		return "ringing"
	case SessionEstablished:
		return "established"
	case SessionRejected:
		return "rejected"
	case SessionTerminated:
		return "terminated"
	case SessionProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// SessionEvent is an in-call event for the call identified by Ref
type SessionEvent struct {
	Ref        string
	Kind       SessionEventKind
	StatusCode int
	Reason     string
	Err        error
}

// NotificationKind selects the ringtone / desktop alert action
type NotificationKind int

const (
	RingStart NotificationKind = iota
	RingStop
)

func (k NotificationKind) String() string {
	if k == RingStop {
		return "ring_stop"
	}
	return "ring_start"
}

// Notification is handed to the Notifier, fire-and-forget
type Notification struct {
	Kind        NotificationKind
	SessionID   string
	RemoteParty string
}

// Notifier plays ringtones or raises desktop alerts
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }
