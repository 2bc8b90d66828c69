// Package media composes hold and mute into the single local-audio switch of
// the active call.
package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"go.uber.org/zap"

	"github.com/dense-identity/agentdesk/internal/events"
	"github.com/dense-identity/agentdesk/internal/session"
	"github.com/dense-identity/agentdesk/internal/telephony"
)

const DefaultTimeout = 5 * time.Second

// Sessions is the part of the session machine the controller drives
type Sessions interface {
	Current() (session.Snapshot, bool)
	SetHold(sessionID string, h telephony.HoldState) (session.Snapshot, error)
	SetMute(sessionID string, s telephony.MuteState) (session.Snapshot, error)
}

type Config struct {
	Transport telephony.Transport
	Sessions  Sessions
	Events    events.Publisher
	// Timeout bounds one renegotiation round trip
	Timeout time.Duration
	Logger  *zap.Logger
}

// Controller is the only caller of Transport.SetLocalAudio. Local audio is on
// only while the call is Active and Unmuted and no hold is being negotiated.
type Controller struct {
	transport telephony.Transport
	sessions  Sessions
	pub       events.Publisher
	timeout   time.Duration
	log       *zap.Logger

	mu          sync.Mutex
	inflight    bool
	pendingHold bool
	// queuedUnhold is an unhold requested while the hold was negotiating
	queuedUnhold bool
	sessionID   string
	gen         uint64
	cancel      context.CancelFunc
}

func New(cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.PublisherFunc(func(events.Event) {})
	}
	return &Controller{
		transport: cfg.Transport,
		sessions:  cfg.Sessions,
		pub:       cfg.Events,
		timeout:   cfg.Timeout,
		log:       cfg.Logger.Named("media"),
	}
}

func (c *Controller) established() (session.Snapshot, error) {
	snap, ok := c.sessions.Current()
	if !ok {
		return session.Snapshot{}, telephony.ErrNoActiveCall
	}
	if snap.State != telephony.StateEstablished {
		return session.Snapshot{}, fmt.Errorf("%w: call is %s", telephony.ErrInvalidState, snap.State)
	}
	return snap, nil
}

// Hold silences local audio at once and asks the remote side to go recvonly.
// The outcome arrives as MediaStateChanged.
func (c *Controller) Hold(ctx context.Context) error {
	snap, err := c.established()
	if err != nil {
		return err
	}
	if snap.Hold == telephony.HoldOnHold {
		return nil
	}
	if c.holdPending(snap.ID, false) {
		return nil
	}
	rctx, gen, err := c.begin(ctx, snap.ID, true)
	if err != nil {
		return err
	}
	if err := c.transport.SetLocalAudio(snap.TransportRef, false); err != nil {
		c.finish(gen)
		return fmt.Errorf("%w: disable local audio: %w", telephony.ErrMedia, err)
	}

	go func() {
		err := c.transport.Renegotiate(rctx, snap.TransportRef, sdp.DirectionRecvOnly)
		// record OnHold while still in flight so an unhold issued now is queued
		var (
			held session.Snapshot
			serr error
		)
		if err == nil && c.current(gen) {
			held, serr = c.sessions.SetHold(snap.ID, telephony.HoldOnHold)
		}
		ok, unhold := c.finish(gen)
		if !ok {
			c.log.Debug("late hold result discarded", zap.String("session", snap.ID))
			return
		}
		if err != nil {
			// remote refused: hold stays Active, audio goes back to what mute allows
			cur, ok := c.sessions.Current()
			if !ok || cur.ID != snap.ID {
				return
			}
			restored := cur.LocalAudio()
			if aerr := c.transport.SetLocalAudio(cur.TransportRef, restored); aerr != nil {
				c.log.Error("audio rollback failed", zap.String("session", snap.ID), zap.Error(aerr))
			}
			c.publish(cur, restored, fmt.Errorf("%w: hold rejected: %w", telephony.ErrMedia, err))
			return
		}
		if serr != nil {
			c.log.Debug("hold accepted after call ended", zap.String("session", snap.ID), zap.Error(serr))
			return
		}
		c.publish(held, false, nil)
		if unhold {
			if err := c.Unhold(context.Background()); err != nil {
				c.log.Warn("queued unhold failed", zap.String("session", snap.ID), zap.Error(err))
				c.publish(held, false, fmt.Errorf("%w: unhold: %w", telephony.ErrMedia, err))
			}
		}
	}()
	return nil
}

// Unhold renegotiates sendrecv and turns local audio back on unless muted. An
// unhold issued while a hold is negotiating runs once the hold settles.
func (c *Controller) Unhold(ctx context.Context) error {
	snap, err := c.established()
	if err != nil {
		return err
	}
	if c.holdPending(snap.ID, true) {
		c.log.Info("unhold queued behind pending hold", zap.String("session", snap.ID))
		return nil
	}
	if snap.Hold == telephony.HoldActive {
		return nil
	}
	rctx, gen, err := c.begin(ctx, snap.ID, false)
	if err != nil {
		return err
	}

	go func() {
		err := c.transport.Renegotiate(rctx, snap.TransportRef, sdp.DirectionSendRecv)
		if ok, _ := c.finish(gen); !ok {
			c.log.Debug("late unhold result discarded", zap.String("session", snap.ID))
			return
		}
		if err != nil {
			c.publish(snap, false, fmt.Errorf("%w: unhold rejected: %w", telephony.ErrMedia, err))
			return
		}
		active, serr := c.sessions.SetHold(snap.ID, telephony.HoldActive)
		if serr != nil {
			c.log.Debug("unhold accepted after call ended", zap.String("session", snap.ID), zap.Error(serr))
			return
		}
		audio := active.LocalAudio()
		var aerr error
		if err := c.transport.SetLocalAudio(active.TransportRef, audio); err != nil {
			aerr = fmt.Errorf("%w: enable local audio: %w", telephony.ErrMedia, err)
		}
		c.publish(active, audio, aerr)
	}()
	return nil
}

// Mute stops sending local audio without renegotiation
func (c *Controller) Mute(ctx context.Context) error {
	return c.setMute(telephony.Muted)
}

// Unmute resumes local audio unless the call is on hold
func (c *Controller) Unmute(ctx context.Context) error {
	return c.setMute(telephony.Unmuted)
}

func (c *Controller) setMute(want telephony.MuteState) error {
	snap, err := c.established()
	if err != nil {
		return err
	}
	if snap.Mute == want {
		return nil
	}
	updated, err := c.sessions.SetMute(snap.ID, want)
	if err != nil {
		return err
	}

	audio := c.compose(updated)
	if err := c.transport.SetLocalAudio(updated.TransportRef, audio); err != nil {
		if _, rerr := c.sessions.SetMute(snap.ID, snap.Mute); rerr != nil {
			c.log.Warn("mute rollback failed", zap.String("session", snap.ID), zap.Error(rerr))
		}
		return fmt.Errorf("%w: set local audio: %w", telephony.ErrMedia, err)
	}
	c.log.Info("mute changed", zap.String("session", snap.ID), zap.Stringer("mute", want))
	c.publish(updated, audio, nil)
	return nil
}

// HandleSessionStateChanged enables audio when a call is established and
// abandons any renegotiation once it leaves Established.
func (c *Controller) HandleSessionStateChanged(evt events.SessionStateChanged) {
	if evt.Old == telephony.StateEstablished {
		c.mu.Lock()
		if c.inflight && c.sessionID == evt.SessionID {
			c.log.Info("cancelling renegotiation", zap.String("session", evt.SessionID))
			c.cancel()
			c.gen++
			c.inflight = false
			c.pendingHold = false
			c.queuedUnhold = false
		}
		c.mu.Unlock()
		return
	}
	if evt.New != telephony.StateEstablished {
		return
	}
	snap, ok := c.sessions.Current()
	if !ok || snap.ID != evt.SessionID {
		return
	}
	if err := c.transport.SetLocalAudio(snap.TransportRef, c.compose(snap)); err != nil {
		c.log.Warn("enable local audio failed", zap.String("session", snap.ID), zap.Error(err))
		c.publish(snap, false, fmt.Errorf("%w: enable local audio: %w", telephony.ErrMedia, err))
	}
}

// Subscribe feeds session transitions from bus into the controller
func (c *Controller) Subscribe(bus *events.Bus) (cancel func()) {
	return bus.Subscribe(func(evt events.Event) {
		if sc, ok := evt.(events.SessionStateChanged); ok {
			c.HandleSessionStateChanged(sc)
		}
	}, events.TypeSessionStateChanged)
}

// Pending reports whether a renegotiation is outstanding
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

func (c *Controller) compose(s session.Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.LocalAudio() && !(c.pendingHold && c.sessionID == s.ID)
}

// holdPending reports whether a hold for sessionID is negotiating and sets
// the queued unhold to unhold.
func (c *Controller) holdPending(sessionID string, unhold bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inflight || !c.pendingHold || c.sessionID != sessionID {
		return false
	}
	c.queuedUnhold = unhold
	return true
}

func (c *Controller) begin(ctx context.Context, sessionID string, hold bool) (context.Context, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight {
		return nil, 0, fmt.Errorf("%w: renegotiation already pending", telephony.ErrInvalidState)
	}
	c.gen++
	c.inflight = true
	c.pendingHold = hold
	c.queuedUnhold = false
	c.sessionID = sessionID
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	c.cancel = cancel
	return rctx, c.gen, nil
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// finish clears the in-flight flag and reports whether gen is still current
// and whether an unhold was queued behind it.
func (c *Controller) finish(gen uint64) (current, unhold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false, false
	}
	c.cancel()
	unhold = c.queuedUnhold
	c.inflight = false
	c.pendingHold = false
	c.queuedUnhold = false
	return true, unhold
}

func (c *Controller) publish(s session.Snapshot, audio bool, err error) {
	if err != nil {
		c.log.Warn("media state", zap.String("session", s.ID), zap.Error(err))
	}
	c.pub.Publish(events.MediaStateChanged{
		Meta:       events.NewMeta(err),
		SessionID:  s.ID,
		Hold:       s.Hold,
		Mute:       s.Mute,
		LocalAudio: audio,
	})
}
