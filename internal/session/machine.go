package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/dense-identity/agentdesk/internal/events"
	"github.com/dense-identity/agentdesk/internal/telephony"
)

const (
	DefaultTickInterval   = time.Second
	DefaultCommandTimeout = 10 * time.Second
	defaultGuardSize      = 256
)

// Registration reports whether the agent can place calls
type Registration interface {
	State() telephony.RegistrationState
}

type Config struct {
	Transport    telephony.Transport
	Registration Registration
	Events       events.Publisher
	// AgentID is stamped on every Completion
	AgentID string

	TickInterval   time.Duration
	CommandTimeout time.Duration
	// GuardSize bounds how many transport refs of finished calls are remembered
	GuardSize int
	Now       func() time.Time
	Logger    *zap.Logger
}

// Machine owns at most one call. All transitions happen under mu and their
// events are enqueued before mu is released, so observers see them in order.
// Network round trips run in their own goroutines without holding mu.
type Machine struct {
	transport    telephony.Transport
	registration Registration
	pub          events.Publisher
	agentID      string
	tick         time.Duration
	cmdTimeout   time.Duration
	now          func() time.Time
	log          *zap.Logger

	mu  sync.Mutex
	cur *call
	// ended holds the transport refs of calls that are over. Late events for
	// them are dropped and an outbound call never adopts one.
	ended *lru.Cache[string, struct{}]
}

func New(cfg Config) *Machine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.GuardSize <= 0 {
		cfg.GuardSize = defaultGuardSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.PublisherFunc(func(events.Event) {})
	}
	guard, _ := lru.New[string, struct{}](cfg.GuardSize)

	return &Machine{
		transport:    cfg.Transport,
		registration: cfg.Registration,
		pub:          cfg.Events,
		agentID:      cfg.AgentID,
		tick:         cfg.TickInterval,
		cmdTimeout:   cfg.CommandTimeout,
		now:          cfg.Now,
		log:          cfg.Logger.Named("session"),
		ended:        guard,
	}
}

// PlaceCall starts an outbound call. Precondition failures are returned
// without touching state; the invite itself is sent asynchronously.
func (m *Machine) PlaceCall(ctx context.Context, remoteParty string) (Snapshot, error) {
	remoteParty = strings.TrimSpace(remoteParty)
	if remoteParty == "" {
		return Snapshot{}, fmt.Errorf("%w: empty call target", telephony.ErrConfig)
	}
	if m.registration == nil || m.registration.State() != telephony.RegRegistered {
		return Snapshot{}, telephony.ErrNotRegistered
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return Snapshot{}, fmt.Errorf("%w: session %s is %s", telephony.ErrSessionBusy, m.cur.id, m.cur.state)
	}

	c := newCall(telephony.Outbound, remoteParty, "", m.now())
	m.openLocked(c)
	m.transitionLocked(c, telephony.StateEstablishing, nil)

	go m.invite(m.commandContext(ctx), c, remoteParty)
	return c.snapshot(), nil
}

func (m *Machine) invite(ctx context.Context, c *call, remoteParty string) {
	ctx, cancel := context.WithTimeout(ctx, m.cmdTimeout)
	defer cancel()
	ref, err := m.transport.SendInvite(ctx, remoteParty)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != c {
		// hung up before the transport assigned a ref
		if err == nil && ref != "" {
			m.ended.Add(ref, struct{}{})
			m.log.Info("cancelling abandoned invite", zap.String("ref", ref))
			go m.send("cancel", ref, m.transport.SendCancel)
		}
		return
	}
	if err != nil {
		m.terminateLocked(c, telephony.StateFailed, fmt.Errorf("invite %s: %w", remoteParty, err))
		return
	}
	switch {
	case c.ref == "":
		c.ref = ref
	case c.ref != ref:
		m.log.Warn("invite ref differs from adopted ref", zap.String("ref", ref), zap.String("adopted", c.ref))
	}
}

// HandleInvite creates an inbound session. While a call exists the invite is
// refused at the transport and the current call is left alone.
func (m *Machine) HandleInvite(inv telephony.Invite) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur != nil {
		m.log.Info("busy, rejecting invite",
			zap.String("ref", inv.Ref),
			zap.String("remote", inv.RemoteParty),
			zap.String("active", m.cur.id),
		)
		if inv.Ref != "" {
			m.ended.Add(inv.Ref, struct{}{})
		}
		go m.send("reject", inv.Ref, m.transport.SendReject)
		return
	}

	c := newCall(telephony.Inbound, inv.RemoteParty, inv.Ref, m.now())
	m.openLocked(c)
	m.transitionLocked(c, telephony.StateEstablishing, nil)
}

// Answer accepts the ringing inbound call
func (m *Machine) Answer(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.cur
	if c == nil {
		return telephony.ErrNoActiveCall
	}
	if c.direction != telephony.Inbound || !c.state.Ringing() {
		return fmt.Errorf("%w: cannot answer %s %s call", telephony.ErrInvalidState, c.direction, c.state)
	}
	m.transitionLocked(c, telephony.StateEstablished, nil)

	ref := c.ref
	actx := m.commandContext(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(actx, m.cmdTimeout)
		defer cancel()
		err := m.transport.SendAnswer(ctx, ref)
		if err == nil {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.cur == c && c.state == telephony.StateEstablished {
			m.terminateLocked(c, telephony.StateFailed, fmt.Errorf("%w: answer: %w", telephony.ErrProtocol, err))
		}
	}()
	return nil
}

// Hangup ends the call in whatever phase it is in. It is a no-op when there is
// nothing left to tear down.
func (m *Machine) Hangup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.cur
	if c == nil || c.state == telephony.StateTerminating || c.state.IsTerminal() {
		return nil
	}

	ref := c.ref
	switch {
	case c.state.Ringing():
		m.terminateLocked(c, telephony.StateTerminated, nil)
		switch {
		case c.direction == telephony.Inbound:
			go m.send("reject", ref, m.transport.SendReject)
		case ref != "":
			go m.send("cancel", ref, m.transport.SendCancel)
		}
	case c.state == telephony.StateEstablished:
		m.transitionLocked(c, telephony.StateTerminating, nil)
		bctx := m.commandContext(ctx)
		go func() {
			ctx, cancel := context.WithTimeout(bctx, m.cmdTimeout)
			defer cancel()
			err := m.transport.SendBye(ctx, ref)
			if err != nil {
				err = fmt.Errorf("bye: %w", err)
			}
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.cur == c && c.state == telephony.StateTerminating {
				m.terminateLocked(c, telephony.StateTerminated, err)
			}
		}()
	}
	return nil
}

// Transfer blind-transfers the established call. The remote side tears the
// call down on success; failure leaves the call up and publishes TransferFailed.
func (m *Machine) Transfer(ctx context.Context, target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("%w: empty transfer target", telephony.ErrConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cur
	if c == nil {
		return telephony.ErrNoActiveCall
	}
	if c.state != telephony.StateEstablished {
		return fmt.Errorf("%w: cannot transfer %s call", telephony.ErrInvalidState, c.state)
	}
	if c.transferring {
		return fmt.Errorf("%w: transfer already pending", telephony.ErrInvalidState)
	}
	c.transferring = true
	m.log.Info("transferring call", zap.String("session", c.id), zap.String("target", target))

	ref := c.ref
	tctx := m.commandContext(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(tctx, m.cmdTimeout)
		defer cancel()
		err := m.transport.Transfer(ctx, ref, target)

		m.mu.Lock()
		defer m.mu.Unlock()
		c.transferring = false
		if err == nil {
			return
		}
		m.log.Warn("transfer failed", zap.String("session", c.id), zap.Error(err))
		m.pub.Publish(events.TransferFailed{
			Meta:      events.NewMeta(fmt.Errorf("transfer to %s: %w", target, err)),
			SessionID: c.id,
			Target:    target,
		})
	}()
	return nil
}

// HandleSessionEvent applies a transport event for the active call. Events for
// any other ref, or for a call that already ended, are ignored.
func (m *Machine) HandleSessionEvent(evt telephony.SessionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if evt.Ref != "" && m.ended.Contains(evt.Ref) {
		m.log.Debug("session event for ended call", zap.String("ref", evt.Ref), zap.Stringer("kind", evt.Kind))
		return
	}

	c := m.cur
	if c == nil {
		m.log.Debug("session event without active call", zap.String("ref", evt.Ref), zap.Stringer("kind", evt.Kind))
		return
	}
	if evt.Ref != c.ref {
		if c.ref != "" || c.direction != telephony.Outbound || evt.Ref == "" {
			m.log.Debug("session event for other call", zap.String("ref", evt.Ref), zap.String("active", c.ref))
			return
		}
		// the transport can report on an outbound call before SendInvite returns
		c.ref = evt.Ref
	}

	m.log.Debug("session event",
		zap.String("session", c.id),
		zap.Stringer("kind", evt.Kind),
		zap.Stringer("state", c.state),
		zap.Int("status", evt.StatusCode),
	)

	switch evt.Kind {
	case telephony.SessionRinging:
		if c.state == telephony.StateInitial {
			m.transitionLocked(c, telephony.StateEstablishing, nil)
		}
	case telephony.SessionEstablished:
		if c.state.Ringing() {
			m.transitionLocked(c, telephony.StateEstablished, nil)
		}
	case telephony.SessionRejected:
		if c.direction == telephony.Outbound && c.state.Ringing() {
			m.terminateLocked(c, telephony.StateRejected, evt.Err)
			return
		}
		m.terminateLocked(c, telephony.StateTerminated, evt.Err)
	case telephony.SessionTerminated:
		m.terminateLocked(c, telephony.StateTerminated, evt.Err)
	case telephony.SessionProtocolError:
		err := evt.Err
		if err == nil {
			err = fmt.Errorf("%w: %d %s", telephony.ErrProtocol, evt.StatusCode, evt.Reason)
		}
		ref, state, dir := c.ref, c.state, c.direction
		if state == telephony.StateTerminating {
			m.terminateLocked(c, telephony.StateTerminated, err)
			return
		}
		m.terminateLocked(c, telephony.StateFailed, err)
		switch {
		case ref == "":
		case state == telephony.StateEstablished:
			go m.send("bye", ref, m.transport.SendBye)
		case dir == telephony.Inbound:
			go m.send("reject", ref, m.transport.SendReject)
		default:
			go m.send("cancel", ref, m.transport.SendCancel)
		}
	}
}

// SetHold records the hold sub-state of the established call
func (m *Machine) SetHold(sessionID string, h telephony.HoldState) (Snapshot, error) {
	return m.mutateMedia(sessionID, func(c *call) { c.hold = h })
}

// SetMute records the mute sub-state of the established call
func (m *Machine) SetMute(sessionID string, s telephony.MuteState) (Snapshot, error) {
	return m.mutateMedia(sessionID, func(c *call) { c.mute = s })
}

func (m *Machine) mutateMedia(sessionID string, fn func(c *call)) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cur
	if c == nil || c.id != sessionID {
		return Snapshot{}, telephony.ErrNoActiveCall
	}
	if c.state != telephony.StateEstablished {
		return Snapshot{}, fmt.Errorf("%w: call is %s", telephony.ErrInvalidState, c.state)
	}
	fn(c)
	return c.snapshot(), nil
}

// Current returns the active call, if any
func (m *Machine) Current() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Snapshot{}, false
	}
	return m.cur.snapshot(), true
}

// Close stops the duration counter of a call still in progress
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && m.cur.ticker != nil {
		m.cur.ticker.stop()
		m.cur.ticker = nil
	}
}

func (m *Machine) openLocked(c *call) {
	m.cur = c
	m.log.Info("session created",
		zap.String("session", c.id),
		zap.Stringer("direction", c.direction),
		zap.String("remote", c.remoteParty),
	)
	m.pub.Publish(events.SessionCreated{
		Meta:         events.NewMeta(nil),
		SessionID:    c.id,
		TransportRef: c.ref,
		Direction:    c.direction,
		RemoteParty:  c.remoteParty,
	})
}

// terminateLocked moves c to a terminal state and classifies it. Only the
// first terminal transition takes effect.
func (m *Machine) terminateLocked(c *call, next telephony.SessionState, err error) {
	if c.state.IsTerminal() {
		return
	}
	if !c.state.CanTransitionTo(next) {
		next = telephony.StateTerminated
	}
	m.leaveEstablishedLocked(c)

	done := m.classify(c, next)
	if c.ref != "" {
		m.ended.Add(c.ref, struct{}{})
	}
	m.transitionWithCompletionLocked(c, next, err, &done)
	m.cur = nil
}

func (m *Machine) classify(c *call, next telephony.SessionState) telephony.Completion {
	done := telephony.Completion{
		SessionID:   c.id,
		AgentID:     m.agentID,
		Direction:   c.direction,
		RemoteParty: c.remoteParty,
		EndedAt:     m.now(),
	}
	switch {
	case c.answered:
		done.Outcome = telephony.OutcomeAnswered
		done.Duration = c.leftAt.Sub(c.establishedAt)
	case next == telephony.StateRejected:
		done.Outcome = telephony.OutcomeRejected
	case c.direction == telephony.Inbound:
		done.Outcome = telephony.OutcomeMissed
	default:
		done.Outcome = telephony.OutcomeCancelled
	}
	return done
}

// leaveEstablishedLocked stamps the end of talk time and stops the counter
func (m *Machine) leaveEstablishedLocked(c *call) {
	if c.state != telephony.StateEstablished || !c.leftAt.IsZero() {
		return
	}
	c.leftAt = m.now()
	if c.ticker != nil {
		c.ticker.stop()
		c.ticker = nil
	}
}

func (m *Machine) transitionLocked(c *call, next telephony.SessionState, err error) {
	m.transitionWithCompletionLocked(c, next, err, nil)
}

func (m *Machine) transitionWithCompletionLocked(c *call, next telephony.SessionState, err error, done *telephony.Completion) {
	old := c.state
	if !old.CanTransitionTo(next) {
		m.log.Warn("illegal session transition",
			zap.String("session", c.id),
			zap.Stringer("from", old),
			zap.Stringer("to", next),
		)
		return
	}
	m.leaveEstablishedLocked(c)
	c.state = next

	if next == telephony.StateEstablished {
		c.establishedAt = m.now()
		c.answered = true
		id, since := c.id, c.establishedAt
		c.ticker = startTicker(m.tick, func() {
			m.pub.Publish(events.DurationTick{
				Meta:      events.NewMeta(nil),
				SessionID: id,
				Elapsed:   m.now().Sub(since),
			})
		})
	}

	fields := []zap.Field{
		zap.String("session", c.id),
		zap.Stringer("from", old),
		zap.Stringer("to", next),
	}
	if done != nil {
		fields = append(fields, zap.String("outcome", string(done.Outcome)), zap.Duration("duration", done.Duration))
	}
	if err != nil {
		m.log.Warn("session state", append(fields, zap.Error(err))...)
	} else {
		m.log.Info("session state", fields...)
	}

	m.pub.Publish(events.SessionStateChanged{
		Meta:        events.NewMeta(err),
		SessionID:   c.id,
		Direction:   c.direction,
		RemoteParty: c.remoteParty,
		Old:         old,
		New:         next,
		Completion:  done,
	})
}

// commandContext detaches a network round trip from the caller's cancellation
func (m *Machine) commandContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}

func (m *Machine) send(op, ref string, fn func(context.Context, string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cmdTimeout)
	defer cancel()
	if err := fn(ctx, ref); err != nil {
		m.log.Warn("transport command failed", zap.String("op", op), zap.String("ref", ref), zap.Error(err))
	}
}
