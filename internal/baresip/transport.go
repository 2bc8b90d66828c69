package baresip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"go.uber.org/zap"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

// RegisterInterval is the registration interval requested from baresip, in seconds
const RegisterInterval = 3600

type Options struct {
	Addr       string
	CmdTimeout time.Duration
	Verbose    bool
	Logger     *zap.Logger
}

type callInfo struct {
	outbound    bool
	established bool
	muted       bool
}

type dialWaiter struct {
	peer string
	ch   chan string
}

// Transport implements telephony.Transport on top of a baresip ctrl_tcp
// connection. Baresip owns the SIP stack and the media; this type only
// translates commands and events.
type Transport struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	client    *Client
	handler   telephony.TransportHandler
	identity  *telephony.Identity
	regWaiter chan error
	dials     []*dialWaiter
	calls     map[string]*callInfo

	// selectMu serializes callfind with the command that follows it
	selectMu sync.Mutex
}

var _ telephony.Transport = (*Transport)(nil)

func NewTransport(opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Transport{
		opts:  opts,
		log:   opts.Logger.Named("baresip.transport"),
		calls: make(map[string]*callInfo),
	}
}

func (t *Transport) SetHandler(h telephony.TransportHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Connect dials baresip unless a live connection exists
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}
	c, err := Dial(ctx, ClientOptions{
		Addr:         t.opts.Addr,
		CmdTimeout:   t.opts.CmdTimeout,
		Verbose:      t.opts.Verbose,
		Logger:       t.opts.Logger,
		OnEvent:      t.onEvent,
		OnDisconnect: t.onDisconnect,
	})
	if err != nil {
		return err
	}
	t.client = c
	return nil
}

func (t *Transport) connected() (*Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, fmt.Errorf("%w: not connected to baresip", telephony.ErrTransportLost)
	}
	return t.client, nil
}

// SendRegister creates the user agent for id and waits for REGISTER_OK or
// REGISTER_FAIL.
func (t *Transport) SendRegister(ctx context.Context, id telephony.Identity) error {
	c, err := t.connected()
	if err != nil {
		return err
	}

	waiter := make(chan error, 1)
	t.mu.Lock()
	t.identity = &id
	t.regWaiter = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.regWaiter == waiter {
			t.regWaiter = nil
		}
		t.mu.Unlock()
	}()

	account := fmt.Sprintf("<%s>;auth_user=%s;auth_pass=%s;regint=%d",
		id.AOR(), id.Username, id.Credential, RegisterInterval)
	resp, err := c.Command(ctx, "uanew", account)
	if err != nil {
		return err
	}
	if !resp.OK {
		// uanew refuses an AOR it already knows; uafind below selects it
		t.log.Debug("uanew refused", zap.String("aor", id.AOR()), zap.String("data", resp.Data))
	}
	if _, err := c.Exec(ctx, "uafind", id.AOR()); err != nil {
		return err
	}
	if _, err := c.Exec(ctx, "uareg", fmt.Sprint(RegisterInterval)); err != nil {
		return err
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for REGISTER_OK", telephony.ErrTimeout)
		}
		return ctx.Err()
	}
}

func (t *Transport) SendUnregister(ctx context.Context) error {
	c, err := t.connected()
	if err != nil {
		return err
	}
	_, err = c.Exec(ctx, "uareg", "0")
	return err
}

// SendInvite dials remoteParty and returns the call id baresip assigns in
// its CALL_OUTGOING event.
func (t *Transport) SendInvite(ctx context.Context, remoteParty string) (string, error) {
	c, err := t.connected()
	if err != nil {
		return "", err
	}

	target := t.dialTarget(remoteParty)
	w := &dialWaiter{peer: UserFromURI(target), ch: make(chan string, 1)}
	t.mu.Lock()
	t.dials = append(t.dials, w)
	t.mu.Unlock()

	if _, err := c.Exec(ctx, "dial", target); err != nil {
		t.dropDial(w)
		return "", err
	}

	select {
	case ref, ok := <-w.ch:
		if !ok {
			return "", fmt.Errorf("%w: connection closed while dialing", telephony.ErrTransportLost)
		}
		return ref, nil
	case <-ctx.Done():
		t.dropDial(w)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: waiting for CALL_OUTGOING", telephony.ErrTimeout)
		}
		return "", ctx.Err()
	}
}

func (t *Transport) dialTarget(remoteParty string) string {
	remoteParty = strings.TrimSpace(remoteParty)
	if strings.Contains(remoteParty, ":") || strings.Contains(remoteParty, "@") {
		return remoteParty
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.identity == nil {
		return remoteParty
	}
	return fmt.Sprintf("sip:%s@%s", remoteParty, t.identity.Domain)
}

func (t *Transport) dropDial(w *dialWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, d := range t.dials {
		if d == w {
			t.dials = append(t.dials[:i], t.dials[i+1:]...)
			return
		}
	}
}

func (t *Transport) SendAnswer(ctx context.Context, ref string) error {
	return t.exec(ctx, "accept", ref)
}

func (t *Transport) SendBye(ctx context.Context, ref string) error {
	return t.exec(ctx, "hangup", hangupParams(ref, 0, ""))
}

// SendCancel abandons an outbound call before it is answered
func (t *Transport) SendCancel(ctx context.Context, ref string) error {
	return t.exec(ctx, "hangup", hangupParams(ref, 0, ""))
}

// SendReject declines an inbound call with 486
func (t *Transport) SendReject(ctx context.Context, ref string) error {
	return t.exec(ctx, "hangup", hangupParams(ref, 486, "Busy"))
}

// Renegotiate maps recvonly onto baresip's hold and sendrecv onto resume
func (t *Transport) Renegotiate(ctx context.Context, ref string, dir sdp.Direction) error {
	var cmd string
	switch dir {
	case sdp.DirectionRecvOnly, sdp.DirectionInactive:
		cmd = "hold"
	case sdp.DirectionSendRecv:
		cmd = "resume"
	default:
		return fmt.Errorf("%w: unsupported direction %s", telephony.ErrInvalidState, dir)
	}
	return t.onCall(ctx, ref, cmd, "")
}

// SetLocalAudio drives baresip's mute toggle to the requested state
func (t *Transport) SetLocalAudio(ref string, enabled bool) error {
	t.mu.Lock()
	info, ok := t.calls[ref]
	if ok && info.muted == !enabled {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown call %s", telephony.ErrNoActiveCall, ref)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cmdTimeout())
	defer cancel()
	if err := t.onCall(ctx, ref, "mute", ""); err != nil {
		return err
	}

	t.mu.Lock()
	if info, ok := t.calls[ref]; ok {
		info.muted = !enabled
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) Transfer(ctx context.Context, ref, target string) error {
	return t.onCall(ctx, ref, "transfer", t.dialTarget(target))
}

// RegInfo returns baresip's registration summary
func (t *Transport) RegInfo(ctx context.Context) (string, error) {
	c, err := t.connected()
	if err != nil {
		return "", err
	}
	resp, err := c.Exec(ctx, "reginfo", "")
	if err != nil {
		return "", err
	}
	return resp.Data, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (t *Transport) cmdTimeout() time.Duration {
	if t.opts.CmdTimeout > 0 {
		return t.opts.CmdTimeout
	}
	return 2 * time.Second
}

func (t *Transport) exec(ctx context.Context, cmd, params string) error {
	c, err := t.connected()
	if err != nil {
		return err
	}
	_, err = c.Exec(ctx, cmd, params)
	return err
}

// onCall selects ref as the current call and runs cmd against it
func (t *Transport) onCall(ctx context.Context, ref, cmd, params string) error {
	c, err := t.connected()
	if err != nil {
		return err
	}
	t.selectMu.Lock()
	defer t.selectMu.Unlock()
	if _, err := c.Exec(ctx, "callfind", ref); err != nil {
		return err
	}
	_, err = c.Exec(ctx, cmd, params)
	return err
}

// onEvent runs on the client's read loop
func (t *Transport) onEvent(evt Event) {
	t.mu.Lock()
	h := t.handler
	var (
		reg      *telephony.RegistrationEvent
		invite   *telephony.Invite
		sessions []telephony.SessionEvent
		orphan   string
	)

	switch evt.Type {
	case EventRegisterOK, EventRegisterFail, EventUnregistering:
		if t.identity != nil && evt.AccountAOR != "" && !sameAOR(evt.AccountAOR, t.identity.AOR()) {
			break
		}
		reg = t.registrationEventLocked(evt)

	case EventCallIncoming:
		t.calls[evt.ID] = &callInfo{}
		invite = &telephony.Invite{Ref: evt.ID, RemoteParty: UserFromURI(evt.PeerURI), DisplayName: evt.PeerName}

	case EventCallOutgoing:
		t.calls[evt.ID] = &callInfo{outbound: true}
		if !t.bindDialLocked(evt) {
			orphan = evt.ID
		}

	case EventCallRinging, EventCallProgress:
		sessions = append(sessions, telephony.SessionEvent{Ref: evt.ID, Kind: telephony.SessionRinging})

	case EventCallEstablished:
		if info, ok := t.calls[evt.ID]; ok {
			info.established = true
		}
		sessions = append(sessions, telephony.SessionEvent{Ref: evt.ID, Kind: telephony.SessionEstablished})

	case EventCallClosed:
		info, ok := t.calls[evt.ID]
		if !ok {
			info = &callInfo{}
		}
		delete(t.calls, evt.ID)
		sessions = closedEvents(evt.ID, evt.Param, info.outbound, info.established)

	case EventCallTransferErr:
		t.log.Warn("transfer failed", zap.String("call_id", evt.ID), zap.String("param", evt.Param))

	default:
		t.log.Debug("unhandled event", zap.String("type", string(evt.Type)), zap.String("call_id", evt.ID))
	}
	t.mu.Unlock()

	if orphan != "" {
		// the dial was abandoned before baresip reported the call
		t.log.Info("hanging up orphaned outbound call", zap.String("call_id", orphan))
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), t.cmdTimeout())
			defer cancel()
			if err := t.SendCancel(ctx, orphan); err != nil {
				t.log.Warn("cancel orphaned call", zap.String("call_id", orphan), zap.Error(err))
			}
		}()
	}

	if h == nil {
		return
	}
	if reg != nil {
		h.OnRegistrationEvent(*reg)
	}
	if invite != nil {
		h.OnInviteReceived(*invite)
	}
	for _, s := range sessions {
		h.OnSessionEvent(s)
	}
}

func (t *Transport) registrationEventLocked(evt Event) *telephony.RegistrationEvent {
	switch evt.Type {
	case EventRegisterOK:
		t.wakeRegisterLocked(nil)
		return &telephony.RegistrationEvent{Kind: telephony.RegistrationOK, Detail: evt.Param}
	case EventRegisterFail:
		err := registerError(evt.Param)
		t.wakeRegisterLocked(err)
		return &telephony.RegistrationEvent{Kind: telephony.RegistrationFailed, Detail: evt.Param, Err: err}
	default:
		return &telephony.RegistrationEvent{Kind: telephony.RegistrationRemoved, Detail: evt.Param}
	}
}

func (t *Transport) wakeRegisterLocked(err error) {
	if t.regWaiter == nil {
		return
	}
	t.regWaiter <- err
	t.regWaiter = nil
}

// bindDialLocked hands the call id to the pending dial for the same peer,
// falling back to the oldest pending dial.
func (t *Transport) bindDialLocked(evt Event) bool {
	if len(t.dials) == 0 {
		return false
	}
	peer := UserFromURI(evt.PeerURI)
	idx := 0
	for i, d := range t.dials {
		if d.peer == peer {
			idx = i
			break
		}
	}
	w := t.dials[idx]
	t.dials = append(t.dials[:idx], t.dials[idx+1:]...)
	w.ch <- evt.ID
	return true
}

// onDisconnect runs once when the connection drops
func (t *Transport) onDisconnect(err error) {
	t.mu.Lock()
	h := t.handler
	if c := t.client; c != nil {
		// Close waits for the read loop, which is the caller
		go c.Close()
	}
	t.client = nil
	t.wakeRegisterLocked(err)
	for _, d := range t.dials {
		close(d.ch)
	}
	t.dials = nil
	refs := make([]string, 0, len(t.calls))
	for ref := range t.calls {
		refs = append(refs, ref)
	}
	t.calls = make(map[string]*callInfo)
	t.mu.Unlock()

	if h == nil {
		return
	}
	h.OnRegistrationEvent(telephony.RegistrationEvent{Kind: telephony.RegistrationLost, Detail: err.Error(), Err: err})
	for _, ref := range refs {
		h.OnSessionEvent(telephony.SessionEvent{Ref: ref, Kind: telephony.SessionTerminated, Reason: "connection lost", Err: err})
	}
}

func sameAOR(a, b string) bool {
	trim := func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.TrimPrefix(s, "<")
		if i := strings.IndexAny(s, ">;"); i != -1 {
			s = s[:i]
		}
		return strings.ToLower(s)
	}
	return trim(a) == trim(b)
}
