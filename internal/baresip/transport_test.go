package baresip

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

type reply struct {
	fail   string
	silent bool
	events []Event
}

// ctrlServer is an in-process stand-in for baresip's ctrl_tcp module
type ctrlServer struct {
	ln     net.Listener
	script func(cmd Command) reply

	mu   sync.Mutex
	conn net.Conn
	cmds []Command
}

func newCtrlServer(t *testing.T, script func(cmd Command) reply) *ctrlServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &ctrlServer{ln: ln, script: script}
	if s.script == nil {
		s.script = func(Command) reply { return reply{} }
	}
	go s.serve()
	t.Cleanup(func() { ln.Close(); s.drop() })
	return s
}

func (s *ctrlServer) addr() string { return s.ln.Addr().String() }

func (s *ctrlServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	frames := newFrameReader(conn)
	for {
		data, err := frames.next()
		if err != nil {
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			return
		}
		s.mu.Lock()
		s.cmds = append(s.cmds, cmd)
		s.mu.Unlock()

		r := s.script(cmd)
		if r.silent {
			continue
		}
		s.send(Response{Response: true, OK: r.fail == "", Data: r.fail, Token: cmd.Token})
		for _, evt := range r.events {
			s.emit(evt)
		}
	}
}

func (s *ctrlServer) send(v any) {
	data, _ := json.Marshal(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = writeFrame(s.conn, data)
	}
}

func (s *ctrlServer) emit(evt Event) {
	evt.Event = true
	evt.Class = "call"
	s.send(evt)
}

func (s *ctrlServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *ctrlServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.cmds))
	for _, c := range s.cmds {
		out = append(out, c.Command+" "+c.Params)
	}
	return out
}

type recorder struct {
	mu       sync.Mutex
	regs     []telephony.RegistrationEvent
	invites  []telephony.Invite
	sessions []telephony.SessionEvent
}

func (r *recorder) OnRegistrationEvent(evt telephony.RegistrationEvent) {
	r.mu.Lock()
	r.regs = append(r.regs, evt)
	r.mu.Unlock()
}

func (r *recorder) OnInviteReceived(inv telephony.Invite) {
	r.mu.Lock()
	r.invites = append(r.invites, inv)
	r.mu.Unlock()
}

func (r *recorder) OnSessionEvent(evt telephony.SessionEvent) {
	r.mu.Lock()
	r.sessions = append(r.sessions, evt)
	r.mu.Unlock()
}

func (r *recorder) sessionKinds() []telephony.SessionEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telephony.SessionEventKind, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Kind)
	}
	return out
}

func (r *recorder) regKinds() []telephony.RegistrationEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]telephony.RegistrationEventKind, 0, len(r.regs))
	for _, e := range r.regs {
		out = append(out, e.Kind)
	}
	return out
}

var agent = telephony.Identity{Username: "1001", Credential: "secret", Domain: "pbx.local"}

func connect(t *testing.T, s *ctrlServer) (*Transport, *recorder) {
	t.Helper()
	tr := NewTransport(Options{Addr: s.addr(), CmdTimeout: time.Second})
	rec := &recorder{}
	tr.SetHandler(rec)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()))
	t.Cleanup(func() { tr.Close() })
	return tr, rec
}

func TestTransportRegister(t *testing.T) {
	s := newCtrlServer(t, func(cmd Command) reply {
		if cmd.Command == "uareg" && cmd.Params != "0" {
			return reply{events: []Event{{Type: EventRegisterOK, AccountAOR: "sip:1001@pbx.local"}}}
		}
		return reply{}
	})
	tr, rec := connect(t, s)

	require.NoError(t, tr.SendRegister(context.Background(), agent))
	assert.Equal(t, []string{
		"uanew <sip:1001@pbx.local>;auth_user=1001;auth_pass=secret;regint=3600",
		"uafind sip:1001@pbx.local",
		"uareg 3600",
	}, s.commands())
	require.Eventually(t, func() bool { return len(rec.regKinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, telephony.RegistrationOK, rec.regKinds()[0])

	require.NoError(t, tr.SendUnregister(context.Background()))
	assert.Contains(t, s.commands(), "uareg 0")
}

func TestTransportRegisterFailure(t *testing.T) {
	s := newCtrlServer(t, func(cmd Command) reply {
		if cmd.Command == "uareg" {
			return reply{events: []Event{{Type: EventRegisterFail, AccountAOR: "sip:1001@pbx.local", Param: "401 Unauthorized"}}}
		}
		return reply{}
	})
	tr, _ := connect(t, s)

	err := tr.SendRegister(context.Background(), agent)
	assert.ErrorIs(t, err, telephony.ErrAuth)
}

func TestTransportRegisterTimeout(t *testing.T) {
	s := newCtrlServer(t, nil)
	tr, _ := connect(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := tr.SendRegister(ctx, agent)
	assert.ErrorIs(t, err, telephony.ErrTimeout)
}

func TestTransportIgnoresOtherAccounts(t *testing.T) {
	s := newCtrlServer(t, func(cmd Command) reply {
		if cmd.Command == "uareg" {
			return reply{events: []Event{
				{Type: EventRegisterFail, AccountAOR: "sip:9999@pbx.local", Param: "403 Forbidden"},
				{Type: EventRegisterOK, AccountAOR: "<sip:1001@pbx.local>;transport=tls"},
			}}
		}
		return reply{}
	})
	tr, rec := connect(t, s)

	require.NoError(t, tr.SendRegister(context.Background(), agent))
	require.Eventually(t, func() bool { return len(rec.regKinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, telephony.RegistrationOK, rec.regKinds()[0])
}

func TestTransportOutboundRejected(t *testing.T) {
	s := newCtrlServer(t, func(cmd Command) reply {
		if cmd.Command == "dial" {
			return reply{events: []Event{{Type: EventCallOutgoing, ID: "c1", PeerURI: cmd.Params}}}
		}
		return reply{}
	})
	tr, rec := connect(t, s)

	ref, err := tr.SendInvite(context.Background(), "sip:2002@pbx.local")
	require.NoError(t, err)
	assert.Equal(t, "c1", ref)

	s.emit(Event{Type: EventCallRinging, ID: "c1"})
	s.emit(Event{Type: EventCallClosed, ID: "c1", Param: "486 Busy Here"})

	require.Eventually(t, func() bool { return len(rec.sessionKinds()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []telephony.SessionEventKind{
		telephony.SessionRinging, telephony.SessionRejected, telephony.SessionTerminated,
	}, rec.sessionKinds())
}

func TestTransportDialUsesRegisteredDomain(t *testing.T) {
	s := newCtrlServer(t, func(cmd Command) reply {
		switch cmd.Command {
		case "uareg":
			return reply{events: []Event{{Type: EventRegisterOK}}}
		case "dial":
			return reply{events: []Event{
				{Type: EventCallOutgoing, ID: "c2", PeerURI: cmd.Params},
			}}
		}
		return reply{}
	})
	tr, _ := connect(t, s)
	require.NoError(t, tr.SendRegister(context.Background(), agent))

	ref, err := tr.SendInvite(context.Background(), "2002")
	require.NoError(t, err)
	assert.Equal(t, "c2", ref)
	assert.Contains(t, s.commands(), "dial sip:2002@pbx.local")
}

func TestTransportDialTimeoutCancelsLateCall(t *testing.T) {
	s := newCtrlServer(t, nil)
	tr, _ := connect(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.SendInvite(ctx, "sip:2002@pbx.local")
	require.ErrorIs(t, err, telephony.ErrTimeout)

	s.emit(Event{Type: EventCallOutgoing, ID: "late", PeerURI: "sip:2002@pbx.local"})
	require.Eventually(t, func() bool {
		for _, c := range s.commands() {
			if c == "hangup late" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestTransportInboundCall(t *testing.T) {
	s := newCtrlServer(t, nil)
	tr, rec := connect(t, s)

	s.emit(Event{Type: EventCallIncoming, ID: "c9", PeerURI: "sip:+1-555-0100@pbx.local", PeerName: "Alice"})
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.invites) == 1
	}, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	assert.Equal(t, telephony.Invite{Ref: "c9", RemoteParty: "+15550100", DisplayName: "Alice"}, rec.invites[0])
	rec.mu.Unlock()

	ctx := context.Background()
	require.NoError(t, tr.SendAnswer(ctx, "c9"))
	s.emit(Event{Type: EventCallEstablished, ID: "c9"})
	require.Eventually(t, func() bool { return len(rec.sessionKinds()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Renegotiate(ctx, "c9", sdp.DirectionRecvOnly))
	require.NoError(t, tr.Renegotiate(ctx, "c9", sdp.DirectionSendRecv))
	assert.ErrorIs(t, tr.Renegotiate(ctx, "c9", sdp.DirectionSendOnly), telephony.ErrInvalidState)

	require.NoError(t, tr.SetLocalAudio("c9", true))
	require.NoError(t, tr.SetLocalAudio("c9", false))
	require.NoError(t, tr.SetLocalAudio("c9", false))
	require.NoError(t, tr.SetLocalAudio("c9", true))
	assert.ErrorIs(t, tr.SetLocalAudio("nope", false), telephony.ErrNoActiveCall)

	require.NoError(t, tr.Transfer(ctx, "c9", "2003"))
	require.NoError(t, tr.SendBye(ctx, "c9"))

	assert.Equal(t, []string{
		"accept c9",
		"callfind c9", "hold ",
		"callfind c9", "resume ",
		"callfind c9", "mute ",
		"callfind c9", "mute ",
		"callfind c9", "transfer 2003",
		"hangup c9",
	}, s.commands())

	s.emit(Event{Type: EventCallClosed, ID: "c9", Param: "Connection reset by user"})
	require.Eventually(t, func() bool { return len(rec.sessionKinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, telephony.SessionTerminated, rec.sessionKinds()[1])
}

func TestTransportReject(t *testing.T) {
	s := newCtrlServer(t, nil)
	tr, _ := connect(t, s)

	require.NoError(t, tr.SendReject(context.Background(), "c4"))
	assert.Equal(t, []string{"hangup c4 scode=486 reason=Busy"}, s.commands())
}

func TestTransportCommandErrors(t *testing.T) {
	s := newCtrlServer(t, func(cmd Command) reply {
		switch cmd.Command {
		case "accept":
			return reply{fail: "call not found"}
		case "hangup":
			return reply{silent: true}
		}
		return reply{}
	})
	tr, _ := connect(t, s)

	err := tr.SendAnswer(context.Background(), "c1")
	require.ErrorIs(t, err, telephony.ErrProtocol)
	assert.Contains(t, err.Error(), "call not found")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.SendBye(ctx, "c1"), telephony.ErrTimeout)
}

func TestTransportConnectionLost(t *testing.T) {
	s := newCtrlServer(t, func(cmd Command) reply {
		if cmd.Command == "dial" {
			return reply{events: []Event{{Type: EventCallOutgoing, ID: "c1", PeerURI: cmd.Params}}}
		}
		return reply{}
	})
	tr, rec := connect(t, s)

	_, err := tr.SendInvite(context.Background(), "sip:2002@pbx.local")
	require.NoError(t, err)

	s.drop()
	require.Eventually(t, func() bool {
		return len(rec.regKinds()) == 1 && len(rec.sessionKinds()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, telephony.RegistrationLost, rec.regKinds()[0])
	rec.mu.Lock()
	assert.ErrorIs(t, rec.sessions[0].Err, telephony.ErrTransportLost)
	assert.Equal(t, "c1", rec.sessions[0].Ref)
	rec.mu.Unlock()

	assert.ErrorIs(t, tr.SendBye(context.Background(), "c1"), telephony.ErrTransportLost)
}

func TestTransportNotConnected(t *testing.T) {
	tr := NewTransport(Options{Addr: "127.0.0.1:1"})
	assert.ErrorIs(t, tr.SendRegister(context.Background(), agent), telephony.ErrTransportLost)
	assert.ErrorIs(t, tr.Connect(context.Background()), telephony.ErrTransport)
	assert.NoError(t, tr.Close())
}
