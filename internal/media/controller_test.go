package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dense-identity/agentdesk/internal/events"
	"github.com/dense-identity/agentdesk/internal/session"
	"github.com/dense-identity/agentdesk/internal/telephony"
	"github.com/dense-identity/agentdesk/internal/telephony/telephonytest"
)

type registered struct{}

func (registered) State() telephony.RegistrationState { return telephony.RegRegistered }

type harness struct {
	media     *Controller
	machine   *session.Machine
	transport *telephonytest.Transport
	events    <-chan events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := events.NewBus(nil)
	ch, cancel := bus.Channel(64, events.TypeMediaStateChanged)
	tr := telephonytest.New()
	m := session.New(session.Config{Transport: tr, Registration: registered{}, Events: bus, TickInterval: time.Hour})
	mc := New(Config{Transport: tr, Sessions: m, Events: bus, Timeout: time.Second})
	unsub := mc.Subscribe(bus)
	t.Cleanup(func() {
		unsub()
		cancel()
		m.Close()
		bus.Close()
	})
	return &harness{media: mc, machine: m, transport: tr, events: ch}
}

// establish rings and answers an inbound call and waits for audio to be enabled
func (h *harness) establish(t *testing.T) session.Snapshot {
	t.Helper()
	h.machine.HandleInvite(telephony.Invite{Ref: "in-1", RemoteParty: "2000"})
	require.NoError(t, h.machine.Answer(context.Background()))
	require.Eventually(t, func() bool {
		on, set := h.transport.LocalAudio("in-1")
		return set && on
	}, time.Second, 5*time.Millisecond)
	snap, ok := h.machine.Current()
	require.True(t, ok)
	return snap
}

func (h *harness) next(t *testing.T) events.MediaStateChanged {
	t.Helper()
	select {
	case evt := <-h.events:
		return evt.(events.MediaStateChanged)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for media event")
		return events.MediaStateChanged{}
	}
}

func (h *harness) audio(t *testing.T) bool {
	t.Helper()
	on, set := h.transport.LocalAudio("in-1")
	require.True(t, set)
	return on
}

func TestRequiresEstablishedCall(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	assert.ErrorIs(t, h.media.Hold(ctx), telephony.ErrNoActiveCall)
	assert.ErrorIs(t, h.media.Mute(ctx), telephony.ErrNoActiveCall)

	h.machine.HandleInvite(telephony.Invite{Ref: "in-1", RemoteParty: "2000"})
	assert.ErrorIs(t, h.media.Hold(ctx), telephony.ErrInvalidState)
	assert.ErrorIs(t, h.media.Unmute(ctx), telephony.ErrInvalidState)
	assert.Equal(t, 0, h.transport.Count(telephonytest.Renegotiate))
}

// TestHoldUnholdRoundTrip tests that hold then unhold restores audio and mute
func TestHoldUnholdRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.establish(t)

	require.NoError(t, h.media.Hold(context.Background()))
	held := h.next(t)
	require.NoError(t, held.Err)
	assert.Equal(t, telephony.HoldOnHold, held.Hold)
	assert.False(t, held.LocalAudio)
	assert.False(t, h.audio(t))

	reneg, ok := h.transport.Last(telephonytest.Renegotiate)
	require.True(t, ok)
	assert.Equal(t, "recvonly", reneg.Arg)

	require.NoError(t, h.media.Unhold(context.Background()))
	resumed := h.next(t)
	require.NoError(t, resumed.Err)
	assert.Equal(t, telephony.HoldActive, resumed.Hold)
	assert.Equal(t, telephony.Unmuted, resumed.Mute)
	assert.True(t, resumed.LocalAudio)
	assert.True(t, h.audio(t))

	reneg, _ = h.transport.Last(telephonytest.Renegotiate)
	assert.Equal(t, "sendrecv", reneg.Arg)
}

// TestHoldRejectedRollsBack tests that a refused renegotiation restores audio and reports ErrMedia
func TestHoldRejectedRollsBack(t *testing.T) {
	h := newHarness(t)
	h.establish(t)
	h.transport.Fail(telephonytest.Renegotiate, errors.New("488 not acceptable"))

	require.NoError(t, h.media.Hold(context.Background()))
	evt := h.next(t)
	assert.ErrorIs(t, evt.Err, telephony.ErrMedia)
	assert.Equal(t, "media", evt.ErrKind())
	assert.Equal(t, telephony.HoldActive, evt.Hold)
	assert.True(t, evt.LocalAudio)
	assert.True(t, h.audio(t))

	snap, _ := h.machine.Current()
	assert.Equal(t, telephony.HoldActive, snap.Hold)
	assert.False(t, h.media.Pending())
}

func TestHoldRejectedWhileMutedKeepsAudioOff(t *testing.T) {
	h := newHarness(t)
	h.establish(t)
	require.NoError(t, h.media.Mute(context.Background()))
	h.next(t)
	h.transport.Fail(telephonytest.Renegotiate, errors.New("488 not acceptable"))

	require.NoError(t, h.media.Hold(context.Background()))
	evt := h.next(t)
	require.Error(t, evt.Err)
	assert.False(t, evt.LocalAudio)
	assert.False(t, h.audio(t))
}

// TestRepeatedHoldWhilePending tests that a second hold joins the one in flight
func TestRepeatedHoldWhilePending(t *testing.T) {
	h := newHarness(t)
	h.establish(t)
	release := h.transport.Block(telephonytest.Renegotiate)

	require.NoError(t, h.media.Hold(context.Background()))
	assert.True(t, h.media.Pending())
	require.NoError(t, h.media.Hold(context.Background()))

	// audio is already off while the hold is negotiated, unmute does not turn it back on
	require.NoError(t, h.media.Mute(context.Background()))
	h.next(t)
	require.NoError(t, h.media.Unmute(context.Background()))
	unmuted := h.next(t)
	assert.False(t, unmuted.LocalAudio)

	release()
	held := h.next(t)
	assert.Equal(t, telephony.HoldOnHold, held.Hold)
	assert.Equal(t, 1, h.transport.Count(telephonytest.Renegotiate))
}

func TestMuteIsLocalOnly(t *testing.T) {
	h := newHarness(t)
	h.establish(t)

	require.NoError(t, h.media.Mute(context.Background()))
	muted := h.next(t)
	assert.Equal(t, telephony.Muted, muted.Mute)
	assert.False(t, h.audio(t))

	require.NoError(t, h.media.Mute(context.Background()))

	require.NoError(t, h.media.Unmute(context.Background()))
	unmuted := h.next(t)
	assert.Equal(t, telephony.Unmuted, unmuted.Mute)
	assert.True(t, h.audio(t))
	assert.Equal(t, 0, h.transport.Count(telephonytest.Renegotiate))
}

// TestUnholdWhileMutedKeepsAudioOff tests that hold and mute compose independently
func TestUnholdWhileMutedKeepsAudioOff(t *testing.T) {
	h := newHarness(t)
	h.establish(t)

	require.NoError(t, h.media.Hold(context.Background()))
	h.next(t)
	require.NoError(t, h.media.Mute(context.Background()))
	h.next(t)
	require.NoError(t, h.media.Unhold(context.Background()))
	evt := h.next(t)
	assert.Equal(t, telephony.HoldActive, evt.Hold)
	assert.Equal(t, telephony.Muted, evt.Mute)
	assert.False(t, h.audio(t))

	require.NoError(t, h.media.Unmute(context.Background()))
	h.next(t)
	assert.True(t, h.audio(t))
}

// TestTeardownCancelsRenegotiation tests that a late renegotiation result is dropped
func TestTeardownCancelsRenegotiation(t *testing.T) {
	h := newHarness(t)
	h.establish(t)
	release := h.transport.Block(telephonytest.Renegotiate)
	defer release()

	require.NoError(t, h.media.Hold(context.Background()))
	h.machine.HandleSessionEvent(telephony.SessionEvent{Ref: "in-1", Kind: telephony.SessionTerminated})

	require.Eventually(t, func() bool { return !h.media.Pending() }, time.Second, 5*time.Millisecond)
	select {
	case evt := <-h.events:
		t.Fatalf("unexpected media event %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestUnholdDuringPendingHold tests that an unhold issued before the hold
// settles is applied afterwards
func TestUnholdDuringPendingHold(t *testing.T) {
	h := newHarness(t)
	h.establish(t)
	release := h.transport.Block(telephonytest.Renegotiate)

	require.NoError(t, h.media.Hold(context.Background()))
	require.NoError(t, h.media.Unhold(context.Background()))
	assert.False(t, h.audio(t))

	release()
	held := h.next(t)
	require.NoError(t, held.Err)
	assert.Equal(t, telephony.HoldOnHold, held.Hold)

	resumed := h.next(t)
	require.NoError(t, resumed.Err)
	assert.Equal(t, telephony.HoldActive, resumed.Hold)
	assert.True(t, resumed.LocalAudio)
	assert.True(t, h.audio(t))
	assert.False(t, h.media.Pending())

	reneg, ok := h.transport.Last(telephonytest.Renegotiate)
	require.True(t, ok)
	assert.Equal(t, "sendrecv", reneg.Arg)
	assert.Equal(t, 2, h.transport.Count(telephonytest.Renegotiate))
}

// TestHoldCancelsQueuedUnhold tests that the last request wins while a hold is negotiating
func TestHoldCancelsQueuedUnhold(t *testing.T) {
	h := newHarness(t)
	h.establish(t)
	release := h.transport.Block(telephonytest.Renegotiate)

	require.NoError(t, h.media.Hold(context.Background()))
	require.NoError(t, h.media.Unhold(context.Background()))
	require.NoError(t, h.media.Hold(context.Background()))

	release()
	held := h.next(t)
	assert.Equal(t, telephony.HoldOnHold, held.Hold)
	select {
	case evt := <-h.events:
		t.Fatalf("unexpected media event %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, h.transport.Count(telephonytest.Renegotiate))
	assert.False(t, h.audio(t))
}
