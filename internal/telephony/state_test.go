package telephony

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSessionTransitions tests the session transition table
func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		from, to SessionState
		ok       bool
	}{
		{StateInitial, StateEstablishing, true},
		{StateInitial, StateEstablished, true},
		{StateEstablishing, StateEstablished, true},
		{StateEstablishing, StateRejected, true},
		{StateEstablished, StateTerminating, true},
		{StateEstablished, StateRejected, false},
		{StateTerminating, StateTerminated, true},
		{StateTerminating, StateEstablished, false},
		{StateTerminated, StateInitial, false},
		{StateRejected, StateTerminated, false},
		{StateFailed, StateTerminated, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []SessionState{StateTerminated, StateRejected, StateFailed} {
		assert.True(t, s.IsTerminal(), s.String())
	}
	for _, s := range []SessionState{StateInitial, StateEstablishing, StateEstablished, StateTerminating} {
		assert.False(t, s.IsTerminal(), s.String())
	}
}

// TestRegistrationTransitions tests the linear path and the Failed branch
func TestRegistrationTransitions(t *testing.T) {
	path := []RegistrationState{RegDisconnected, RegConnecting, RegRegistering, RegRegistered, RegUnregistering, RegDisconnected}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransitionTo(path[i+1]), "%s->%s", path[i], path[i+1])
	}
	for _, s := range []RegistrationState{RegConnecting, RegRegistering, RegRegistered, RegUnregistering} {
		assert.True(t, s.CanTransitionTo(RegFailed), s.String())
	}
	assert.False(t, RegDisconnected.CanTransitionTo(RegRegistered))
	assert.False(t, RegFailed.CanTransitionTo(RegRegistered))
	assert.True(t, RegFailed.CanTransitionTo(RegDisconnected))
}

func TestIdentityValidate(t *testing.T) {
	require.NoError(t, Identity{Username: "1001", Credential: "pw", Domain: "pbx.local"}.Validate())

	err := Identity{Username: "1001", Domain: " "}.Validate()
	require.ErrorIs(t, err, ErrConfig)
	assert.Contains(t, err.Error(), "credential")
	assert.Contains(t, err.Error(), "domain")
	assert.NotContains(t, err.Error(), "username")

	assert.Equal(t, "sip:1001@pbx.local", Identity{Username: "1001", Domain: "pbx.local"}.AOR())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("dial: %w", ErrTimeout), "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{ErrTransportLost, "transport_lost"},
		{fmt.Errorf("tls: %w", ErrCertificateUntrusted), "certificate_untrusted"},
		{ErrTransport, "transport"},
		{ErrAuth, "auth"},
		{ErrSessionBusy, "session_busy"},
		{ErrMedia, "media"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestReasonRoundTrip(t *testing.T) {
	for _, r := range []FailureReason{ReasonTimeout, ReasonAuthRejected, ReasonCertificateUntrusted, ReasonTransportLost} {
		assert.Equal(t, r, ReasonFromError(ErrorForReason(r)), r.String())
	}
	assert.Equal(t, ReasonTransportLost, ReasonFromError(errors.New("eof")))
	assert.Equal(t, ReasonNone, ReasonFromError(nil))
}

func TestCompletionDurationSeconds(t *testing.T) {
	assert.Equal(t, 5, Completion{Duration: 5*time.Second + 400*time.Millisecond}.DurationSeconds())
	assert.Equal(t, 6, Completion{Duration: 5*time.Second + 600*time.Millisecond}.DurationSeconds())
	assert.Equal(t, 0, Completion{}.DurationSeconds())
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection(Outbound.String())
	require.NoError(t, err)
	assert.Equal(t, Outbound, d)
	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}
