package telephony

import "fmt"

// RegistrationState is the agent's signaling registration state
type RegistrationState int

const (
	RegDisconnected RegistrationState = iota
	RegConnecting
	RegRegistering
	RegRegistered
	RegUnregistering
	RegFailed
)

func (s RegistrationState) String() string {
	switch s {
	case RegDisconnected:
		return "Disconnected"
	case RegConnecting:
		return "Connecting"
	case RegRegistering:
		return "Registering"
	case RegRegistered:
		return "Registered"
	case RegUnregistering:
		return "Unregistering"
	case RegFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var registrationTransitions = map[RegistrationState][]RegistrationState{
	RegDisconnected:  {RegConnecting},
	RegConnecting:    {RegRegistering, RegFailed, RegDisconnected},
	RegRegistering:   {RegRegistered, RegFailed, RegDisconnected},
	RegRegistered:    {RegUnregistering, RegFailed},
	RegUnregistering: {RegDisconnected, RegFailed},
	RegFailed:        {RegDisconnected, RegConnecting},
}

// CanTransitionTo reports whether the registration state machine allows s -> next
func (s RegistrationState) CanTransitionTo(next RegistrationState) bool {
	for _, allowed := range registrationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InFlight is true while a register or unregister round trip is outstanding
func (s RegistrationState) InFlight() bool {
	return s == RegConnecting || s == RegRegistering || s == RegUnregistering
}

// FailureReason explains a Failed registration
type FailureReason int

const (
	ReasonNone FailureReason = iota
	ReasonTimeout
	ReasonAuthRejected
	ReasonCertificateUntrusted
	ReasonTransportLost
)

func (r FailureReason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonTimeout:
		return "Timeout"
	case ReasonAuthRejected:
		return "AuthRejected"
	case ReasonCertificateUntrusted:
		return "CertificateUntrusted"
	case ReasonTransportLost:
		return "TransportLost"
	default:
		return fmt.Sprintf("Unknown(%d)", r)
	}
}

// SessionState is the lifecycle state of the single call session
type SessionState int

const (
	StateInitial SessionState = iota
	StateEstablishing
	StateEstablished
	StateTerminating
	StateTerminated
	// StateRejected is reached when the remote party refuses an outbound attempt
	StateRejected
	// StateFailed is reached when the attempt dies on a transport or protocol error
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEstablishing:
		return "Establishing"
	case StateEstablished:
		return "Established"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	case StateRejected:
		return "Rejected"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var sessionTransitions = map[SessionState][]SessionState{
	StateInitial:      {StateEstablishing, StateEstablished, StateTerminated, StateRejected, StateFailed},
	StateEstablishing: {StateEstablished, StateTerminated, StateRejected, StateFailed},
	StateEstablished:  {StateTerminating, StateTerminated, StateFailed},
	StateTerminating:  {StateTerminated},
	StateTerminated:   {},
	StateRejected:     {},
	StateFailed:       {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true for Terminated, Rejected and Failed
func (s SessionState) IsTerminal() bool {
	return s == StateTerminated || s == StateRejected || s == StateFailed
}

// Ringing is true before the call is answered
func (s SessionState) Ringing() bool {
	return s == StateInitial || s == StateEstablishing
}

// Direction indicates who placed the call
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// HoldState of the active call
type HoldState int

const (
	HoldActive HoldState = iota
	HoldOnHold
)

func (h HoldState) String() string {
	if h == HoldOnHold {
		return "OnHold"
	}
	return "Active"
}

// MuteState of the local microphone
type MuteState int

const (
	Unmuted MuteState = iota
	Muted
)

func (m MuteState) String() string {
	if m == Muted {
		return "Muted"
	}
	return "Unmuted"
}

// Outcome is the terminal classification of a call
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeMissed    Outcome = "missed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeRejected  Outcome = "rejected"
)

// ParseDirection is the inverse of Direction.String
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "inbound":
		return Inbound, nil
	case "outbound":
		return Outbound, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}
