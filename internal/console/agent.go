// Package console is the agent-facing facade: it owns one instance of each
// controller for a single agent, routes transport callbacks to them, and
// exposes the commands, queries and event stream the UI works with.
package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dense-identity/agentdesk/internal/calllog"
	"github.com/dense-identity/agentdesk/internal/events"
	"github.com/dense-identity/agentdesk/internal/media"
	"github.com/dense-identity/agentdesk/internal/metrics"
	"github.com/dense-identity/agentdesk/internal/registration"
	"github.com/dense-identity/agentdesk/internal/session"
	"github.com/dense-identity/agentdesk/internal/telephony"
)

type Config struct {
	AgentID   string
	Transport telephony.Transport
	Identity  telephony.IdentityProvider

	// Store defaults to an in-memory store
	Store        calllog.Store
	CallLogLimit int

	// Notifier is optional. Notify must return promptly.
	Notifier telephony.Notifier
	// Registerer is optional; metrics are collected only when it is set
	Registerer prometheus.Registerer

	RegisterTimeout time.Duration
	CommandTimeout  time.Duration
	MediaTimeout    time.Duration
	TickInterval    time.Duration
	Now             func() time.Time
	Logger          *zap.Logger
}

// Agent is the console for one agent. Create it with New and release it with Close.
type Agent struct {
	agentID   string
	transport telephony.Transport
	identity  telephony.IdentityProvider
	notifier  telephony.Notifier
	log       *zap.Logger

	bus          *events.Bus
	registration *registration.Controller
	sessions     *session.Machine
	media        *media.Controller
	calllog      *calllog.Recorder
	metrics      *metrics.Metrics

	unsubscribe []func()
}

var _ telephony.TransportHandler = (*Agent)(nil)

func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent id is required", telephony.ErrConfig)
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%w: transport is required", telephony.ErrConfig)
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("%w: identity provider is required", telephony.ErrConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	log := cfg.Logger.With(zap.String("agent", cfg.AgentID))

	bus := events.NewBus(log)
	reg := registration.New(registration.Config{
		Transport: cfg.Transport,
		Events:    bus,
		Timeout:   cfg.RegisterTimeout,
		Logger:    log,
	})
	sessions := session.New(session.Config{
		Transport:      cfg.Transport,
		Registration:   reg,
		Events:         bus,
		AgentID:        cfg.AgentID,
		TickInterval:   cfg.TickInterval,
		CommandTimeout: cfg.CommandTimeout,
		Now:            cfg.Now,
		Logger:         log,
	})

	a := &Agent{
		agentID:      cfg.AgentID,
		transport:    cfg.Transport,
		identity:     cfg.Identity,
		notifier:     cfg.Notifier,
		log:          log.Named("console"),
		bus:          bus,
		registration: reg,
		sessions:     sessions,
		media: media.New(media.Config{
			Transport: cfg.Transport,
			Sessions:  sessions,
			Events:    bus,
			Timeout:   cfg.MediaTimeout,
			Logger:    log,
		}),
		calllog: calllog.NewRecorder(calllog.Config{
			Store:  cfg.Store,
			Events: bus,
			Limit:  cfg.CallLogLimit,
			Now:    cfg.Now,
			Logger: log,
		}),
	}

	a.unsubscribe = append(a.unsubscribe,
		a.media.Subscribe(bus),
		a.calllog.Subscribe(bus),
		bus.Subscribe(a.ring, events.TypeSessionStateChanged),
	)
	if cfg.Registerer != nil {
		a.metrics = metrics.New(cfg.Registerer)
		a.unsubscribe = append(a.unsubscribe, a.metrics.Subscribe(bus))
	}

	cfg.Transport.SetHandler(a)
	a.log.Info("console ready")
	return a, nil
}

func (a *Agent) AgentID() string { return a.agentID }

// RegisterIdentity fetches the identity from the provider and starts a
// registration attempt. The outcome arrives as RegistrationStateChanged events.
func (a *Agent) RegisterIdentity(ctx context.Context) error {
	id, err := a.identity.Identity(ctx)
	if err != nil {
		return fmt.Errorf("%w: identity provider: %w", telephony.ErrAuth, err)
	}
	if err := a.registration.StartIdentity(id); err != nil {
		return err
	}
	return a.registration.Register(ctx)
}

func (a *Agent) UnregisterIdentity(ctx context.Context) error {
	return a.registration.Unregister(ctx)
}

// RetryRegistration leaves Failed and registers again with the last identity
func (a *Agent) RetryRegistration(ctx context.Context) error {
	return a.registration.Retry(ctx)
}

func (a *Agent) PlaceCall(ctx context.Context, remoteParty string) (session.Snapshot, error) {
	return a.sessions.PlaceCall(ctx, remoteParty)
}

func (a *Agent) Answer(ctx context.Context) error {
	return a.sessions.Answer(ctx)
}

func (a *Agent) Hangup(ctx context.Context) error {
	return a.sessions.Hangup(ctx)
}

func (a *Agent) Hold(ctx context.Context) error {
	return a.media.Hold(ctx)
}

func (a *Agent) Unhold(ctx context.Context) error {
	return a.media.Unhold(ctx)
}

func (a *Agent) Mute(ctx context.Context) error {
	return a.media.Mute(ctx)
}

func (a *Agent) Unmute(ctx context.Context) error {
	return a.media.Unmute(ctx)
}

func (a *Agent) Transfer(ctx context.Context, target string) error {
	return a.sessions.Transfer(ctx, target)
}

func (a *Agent) CurrentSession() (session.Snapshot, bool) {
	return a.sessions.Current()
}

func (a *Agent) RegistrationState() (telephony.RegistrationState, telephony.FailureReason) {
	return a.registration.State(), a.registration.Reason()
}

// CallHistory returns the agent's most recent calls, newest first. An empty
// agentID means this agent.
func (a *Agent) CallHistory(ctx context.Context, agentID string) ([]calllog.Entry, error) {
	if strings.TrimSpace(agentID) == "" {
		agentID = a.agentID
	}
	return a.calllog.Query(ctx, agentID)
}

// Subscribe registers h on the console's event bus
func (a *Agent) Subscribe(h events.Handler, types ...events.Type) (cancel func()) {
	return a.bus.Subscribe(h, types...)
}

// Events returns a channel of bus events; see events.Bus.Channel
func (a *Agent) Events(buffer int, types ...events.Type) (<-chan events.Event, func()) {
	return a.bus.Channel(buffer, types...)
}

func (a *Agent) OnRegistrationEvent(evt telephony.RegistrationEvent) {
	a.registration.HandleRegistrationEvent(evt)
}

func (a *Agent) OnInviteReceived(inv telephony.Invite) {
	a.log.Info("incoming call", zap.String("ref", inv.Ref), zap.String("remote", inv.RemoteParty))
	a.sessions.HandleInvite(inv)
}

func (a *Agent) OnSessionEvent(evt telephony.SessionEvent) {
	a.sessions.HandleSessionEvent(evt)
}

// ring starts the ringtone when an inbound call is offered and stops it as
// soon as the call leaves Establishing.
func (a *Agent) ring(evt events.Event) {
	sc, ok := evt.(events.SessionStateChanged)
	if !ok || a.notifier == nil || sc.Direction != telephony.Inbound {
		return
	}
	n := telephony.Notification{SessionID: sc.SessionID, RemoteParty: sc.RemoteParty}
	switch {
	case sc.New == telephony.StateEstablishing:
		n.Kind = telephony.RingStart
	case sc.Old == telephony.StateEstablishing:
		n.Kind = telephony.RingStop
	default:
		return
	}
	a.notifier.Notify(n)
}

// Close detaches from the transport, stops the controllers and drains the
// bus so pending completions reach the call log.
func (a *Agent) Close() error {
	a.transport.SetHandler(nil)
	a.registration.Close()
	a.sessions.Close()
	err := a.transport.Close()
	a.bus.Close()
	for _, cancel := range a.unsubscribe {
		cancel()
	}
	a.log.Info("console closed")
	return err
}
