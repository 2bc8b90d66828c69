// Package registration owns the agent's signaling registration state.
package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dense-identity/agentdesk/internal/events"
	"github.com/dense-identity/agentdesk/internal/telephony"
)

const DefaultTimeout = 10 * time.Second

type Config struct {
	Transport telephony.Transport
	Events    events.Publisher
	// Timeout bounds each register or unregister attempt
	Timeout time.Duration
	Logger  *zap.Logger
}

// Controller drives Disconnected -> Connecting -> Registering -> Registered and
// back. It never retries on its own; Failed is left only through Retry.
type Controller struct {
	transport telephony.Transport
	pub       events.Publisher
	timeout   time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	state    telephony.RegistrationState
	reason   telephony.FailureReason
	identity *telephony.Identity
	gen      uint64
	cancel   context.CancelFunc
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
		pub:       cfg.Events,
		timeout:   cfg.Timeout,
		log:       cfg.Logger.Named("registration"),
		state:     telephony.RegDisconnected,
	}
}

// StartIdentity sets the identity used by the next Register
func (c *Controller) StartIdentity(id telephony.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.InFlight() {
		return fmt.Errorf("%w: registration is %s", telephony.ErrInvalidState, c.state)
	}
	c.identity = &id
	c.log.Info("identity started", zap.String("aor", id.AOR()))
	return nil
}

// Register starts an attempt and returns immediately. The result arrives as
// RegistrationStateChanged events. Calling it while an attempt is outstanding
// or after success does nothing.
func (c *Controller) Register(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case telephony.RegConnecting, telephony.RegRegistering, telephony.RegRegistered:
		c.log.Debug("register ignored", zap.Stringer("state", c.state))
		return nil
	case telephony.RegUnregistering:
		return fmt.Errorf("%w: unregister in progress", telephony.ErrInvalidState)
	}
	if c.identity == nil {
		return fmt.Errorf("%w: no identity started", telephony.ErrConfig)
	}

	c.gen++
	gen := c.gen
	id := *c.identity
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	c.cancel = cancel
	c.transitionLocked(telephony.RegConnecting, telephony.ReasonNone, nil)

	go c.runRegister(attemptCtx, gen, id)
	return nil
}

func (c *Controller) runRegister(ctx context.Context, gen uint64, id telephony.Identity) {
	if err := c.transport.Connect(ctx); err != nil {
		c.failAttempt(ctx, gen, fmt.Errorf("connect: %w", err))
		return
	}
	if !c.advance(gen, telephony.RegConnecting, telephony.RegRegistering) {
		return
	}
	if err := c.transport.SendRegister(ctx, id); err != nil {
		c.failAttempt(ctx, gen, fmt.Errorf("register %s: %w", id.AOR(), err))
		return
	}
	c.advance(gen, telephony.RegRegistering, telephony.RegRegistered)
}

// Unregister removes the binding. It returns immediately; completion arrives
// as events.
func (c *Controller) Unregister(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case telephony.RegDisconnected:
		return nil
	case telephony.RegFailed:
		c.gen++
		c.transitionLocked(telephony.RegDisconnected, telephony.ReasonNone, nil)
		return nil
	case telephony.RegRegistered:
	default:
		return fmt.Errorf("%w: registration is %s", telephony.ErrInvalidState, c.state)
	}

	c.gen++
	gen := c.gen
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	c.cancel = cancel
	c.transitionLocked(telephony.RegUnregistering, telephony.ReasonNone, nil)

	go func() {
		if err := c.transport.SendUnregister(attemptCtx); err != nil {
			c.failAttempt(attemptCtx, gen, fmt.Errorf("unregister: %w", err))
			return
		}
		c.advance(gen, telephony.RegUnregistering, telephony.RegDisconnected)
	}()
	return nil
}

// Retry clears Failed and registers again
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state == telephony.RegFailed {
		c.transitionLocked(telephony.RegDisconnected, telephony.ReasonNone, nil)
	}
	c.mu.Unlock()
	return c.Register(ctx)
}

// HandleRegistrationEvent applies an unsolicited event from the transport
func (c *Controller) HandleRegistrationEvent(evt telephony.RegistrationEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debug("registration event",
		zap.Stringer("kind", evt.Kind),
		zap.Stringer("state", c.state),
		zap.String("detail", evt.Detail),
	)

	switch evt.Kind {
	case telephony.RegistrationOK:
		if c.state == telephony.RegRegistering {
			c.stopAttemptLocked()
			c.transitionLocked(telephony.RegRegistered, telephony.ReasonNone, nil)
		}
	case telephony.RegistrationFailed:
		if c.state == telephony.RegDisconnected || c.state == telephony.RegFailed {
			return
		}
		err := evt.Err
		if err == nil {
			err = telephony.ErrAuth
		}
		c.stopAttemptLocked()
		c.transitionLocked(telephony.RegFailed, telephony.ReasonFromError(err), err)
	case telephony.RegistrationLost:
		if c.state == telephony.RegDisconnected || c.state == telephony.RegFailed {
			return
		}
		c.stopAttemptLocked()
		c.transitionLocked(telephony.RegFailed, telephony.ReasonTransportLost, telephony.ErrTransportLost)
	case telephony.RegistrationRemoved:
		switch c.state {
		case telephony.RegUnregistering:
			c.stopAttemptLocked()
			c.transitionLocked(telephony.RegDisconnected, telephony.ReasonNone, nil)
		case telephony.RegRegistered:
			c.transitionLocked(telephony.RegFailed, telephony.ReasonTransportLost, telephony.ErrTransportLost)
		}
	}
}

func (c *Controller) State() telephony.RegistrationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason is set only while the state is Failed
func (c *Controller) Reason() telephony.FailureReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Controller) Identity() (telephony.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == nil {
		return telephony.Identity{}, false
	}
	return *c.identity, true
}

// Close abandons any in-flight attempt
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAttemptLocked()
}

func (c *Controller) advance(gen uint64, from, to telephony.RegistrationState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != from {
		return false
	}
	if to == telephony.RegRegistered || to == telephony.RegDisconnected {
		c.stopAttemptLocked()
	}
	return c.transitionLocked(to, telephony.ReasonNone, nil)
}

func (c *Controller) failAttempt(ctx context.Context, gen uint64, err error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, telephony.ErrTimeout) {
		err = fmt.Errorf("%w: %w", telephony.ErrTimeout, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.state.InFlight() {
		c.log.Debug("stale attempt result dropped", zap.Error(err))
		return
	}
	c.stopAttemptLocked()
	c.transitionLocked(telephony.RegFailed, telephony.ReasonFromError(err), err)
}

// stopAttemptLocked invalidates the outstanding attempt so its late result is dropped
func (c *Controller) stopAttemptLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) transitionLocked(next telephony.RegistrationState, reason telephony.FailureReason, err error) bool {
	old := c.state
	if !old.CanTransitionTo(next) {
		c.log.Warn("illegal registration transition",
			zap.Stringer("from", old),
			zap.Stringer("to", next),
		)
		return false
	}
	c.state = next
	c.reason = reason

	fields := []zap.Field{zap.Stringer("from", old), zap.Stringer("to", next)}
	if next == telephony.RegFailed {
		c.log.Warn("registration failed", append(fields, zap.Stringer("reason", reason), zap.Error(err))...)
	} else {
		c.log.Info("registration state", fields...)
	}

	c.pub.Publish(events.RegistrationStateChanged{
		Meta:   events.NewMeta(err),
		Old:    old,
		New:    next,
		Reason: reason,
	})
	return true
}
