// Package telephonytest provides an in-memory telephony.Transport for tests.
package telephonytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

// Method names recorded by Transport
const (
	Connect       = "Connect"
	Register      = "SendRegister"
	Unregister    = "SendUnregister"
	Invite        = "SendInvite"
	Answer        = "SendAnswer"
	Bye           = "SendBye"
	Cancel        = "SendCancel"
	Reject        = "SendReject"
	Renegotiate   = "Renegotiate"
	SetLocalAudio = "SetLocalAudio"
	Transfer      = "Transfer"
)

// Call is one recorded invocation
type Call struct {
	Method string
	Ref    string
	Arg    string
}

// Transport records every call and lets a test inject failures or hold a
// method until released.
type Transport struct {
	mu      sync.Mutex
	handler telephony.TransportHandler
	calls   []Call
	errs    map[string]error
	gates   map[string]chan struct{}
	audio   map[string]bool
	nextRef int
	closed  bool
}

func New() *Transport {
	return &Transport{
		errs:  make(map[string]error),
		gates: make(map[string]chan struct{}),
		audio: make(map[string]bool),
	}
}

// Fail makes every subsequent call to method return err. A nil err clears it.
func (t *Transport) Fail(method string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.errs, method)
		return
	}
	t.errs[method] = err
}

// Block holds calls to method until the returned release func is called or
// the caller's context ends.
func (t *Transport) Block(method string) (release func()) {
	gate := make(chan struct{})
	t.mu.Lock()
	t.gates[method] = gate
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.gates[method] == gate {
				delete(t.gates, method)
			}
			t.mu.Unlock()
			close(gate)
		})
	}
}

func (t *Transport) record(ctx context.Context, method, ref, arg string) error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Method: method, Ref: ref, Arg: arg})
	gate := t.gates[method]
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errs[method]
}

// Calls returns a copy of every recorded call
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Count returns how many times method was invoked
func (t *Transport) Count(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Last returns the most recent call to method
func (t *Transport) Last(method string) (Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.calls) - 1; i >= 0; i-- {
		if t.calls[i].Method == method {
			return t.calls[i], true
		}
	}
	return Call{}, false
}

// LocalAudio reports the last value passed to SetLocalAudio for ref
func (t *Transport) LocalAudio(ref string) (enabled, set bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	enabled, set = t.audio[ref]
	return
}

func (t *Transport) Handler() telephony.TransportHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// EmitSession delivers evt to the registered handler
func (t *Transport) EmitSession(evt telephony.SessionEvent) {
	if h := t.Handler(); h != nil {
		h.OnSessionEvent(evt)
	}
}

// EmitInvite delivers an inbound invite to the registered handler
func (t *Transport) EmitInvite(inv telephony.Invite) {
	if h := t.Handler(); h != nil {
		h.OnInviteReceived(inv)
	}
}

// EmitRegistration delivers evt to the registered handler
func (t *Transport) EmitRegistration(evt telephony.RegistrationEvent) {
	if h := t.Handler(); h != nil {
		h.OnRegistrationEvent(evt)
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	return t.record(ctx, Connect, "", "")
}

func (t *Transport) SendRegister(ctx context.Context, id telephony.Identity) error {
	return t.record(ctx, Register, "", id.AOR())
}

func (t *Transport) SendUnregister(ctx context.Context) error {
	return t.record(ctx, Unregister, "", "")
}

func (t *Transport) SendInvite(ctx context.Context, remoteParty string) (string, error) {
	t.mu.Lock()
	t.nextRef++
	ref := fmt.Sprintf("call-%d", t.nextRef)
	t.mu.Unlock()
	if err := t.record(ctx, Invite, ref, remoteParty); err != nil {
		return "", err
	}
	return ref, nil
}

func (t *Transport) SendAnswer(ctx context.Context, ref string) error {
	return t.record(ctx, Answer, ref, "")
}

func (t *Transport) SendBye(ctx context.Context, ref string) error {
	return t.record(ctx, Bye, ref, "")
}

func (t *Transport) SendCancel(ctx context.Context, ref string) error {
	return t.record(ctx, Cancel, ref, "")
}

func (t *Transport) SendReject(ctx context.Context, ref string) error {
	return t.record(ctx, Reject, ref, "")
}

func (t *Transport) Renegotiate(ctx context.Context, ref string, dir sdp.Direction) error {
	return t.record(ctx, Renegotiate, ref, dir.String())
}

func (t *Transport) SetLocalAudio(ref string, enabled bool) error {
	if err := t.record(context.Background(), SetLocalAudio, ref, fmt.Sprint(enabled)); err != nil {
		return err
	}
	t.mu.Lock()
	t.audio[ref] = enabled
	t.mu.Unlock()
	return nil
}

func (t *Transport) Transfer(ctx context.Context, ref, target string) error {
	return t.record(ctx, Transfer, ref, target)
}

func (t *Transport) SetHandler(h telephony.TransportHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

var _ telephony.Transport = (*Transport)(nil)

// Closed reports whether Close was called
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
