package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dense-identity/agentdesk/internal/console"
	"github.com/dense-identity/agentdesk/internal/events"
)

var errQuit = errors.New("quit")

type regInfoer interface {
	RegInfo(ctx context.Context) (string, error)
}

// shell runs one console command per input line
type shell struct {
	agent   *console.Agent
	regInfo regInfoer
	out     io.Writer
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  register              - Register the SIP identity from the environment")
	fmt.Fprintln(w, "  unregister            - Remove the registration")
	fmt.Fprintln(w, "  retry                 - Retry a failed registration")
	fmt.Fprintln(w, "  dial <number>         - Place an outbound call")
	fmt.Fprintln(w, "  answer | hangup       - Answer or end the current call")
	fmt.Fprintln(w, "  hold | unhold         - Hold or resume the current call")
	fmt.Fprintln(w, "  mute | unmute         - Mute or unmute the microphone")
	fmt.Fprintln(w, "  transfer <number>     - Blind-transfer the current call")
	fmt.Fprintln(w, "  status                - Show registration and call state")
	fmt.Fprintln(w, "  history               - Show recent calls")
	fmt.Fprintln(w, "  quit                  - Exit")
}

func commandLoop(ctx context.Context, sh *shell, in io.Reader, stop context.CancelFunc) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := sh.execute(ctx, line)
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
	}
	stop()
}

func (sh *shell) execute(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]
	a := sh.agent

	switch cmd {
	case "register":
		return a.RegisterIdentity(ctx)
	case "unregister":
		return a.UnregisterIdentity(ctx)
	case "retry":
		return a.RetryRegistration(ctx)
	case "dial":
		if len(args) != 1 {
			return fmt.Errorf("usage: dial <number>")
		}
		snap, err := a.PlaceCall(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "dialing %s (session %s)\n", snap.RemoteParty, snap.ID)
	case "answer":
		return a.Answer(ctx)
	case "hangup":
		return a.Hangup(ctx)
	case "hold":
		return a.Hold(ctx)
	case "unhold":
		return a.Unhold(ctx)
	case "mute":
		return a.Mute(ctx)
	case "unmute":
		return a.Unmute(ctx)
	case "transfer":
		if len(args) != 1 {
			return fmt.Errorf("usage: transfer <number>")
		}
		return a.Transfer(ctx, args[0])
	case "status":
		sh.status(ctx)
	case "history":
		entries, err := a.CallHistory(ctx, "")
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(sh.out, "No calls yet")
		}
		for _, e := range entries {
			fmt.Fprintf(sh.out, "  %s  %-8s %-16s %-9s %4ds\n",
				e.Timestamp.Local().Format(time.DateTime), e.Direction, e.RemoteParty, e.Outcome, e.DurationSeconds)
		}
	case "help":
		printHelp(sh.out)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (sh *shell) status(ctx context.Context) {
	state, reason := sh.agent.RegistrationState()
	if reason.String() != "" {
		fmt.Fprintf(sh.out, "registration: %s (%s)\n", state, reason)
	} else {
		fmt.Fprintf(sh.out, "registration: %s\n", state)
	}
	if s, ok := sh.agent.CurrentSession(); ok {
		fmt.Fprintf(sh.out, "call: %s %s %s hold=%s mute=%s\n", s.Direction, s.RemoteParty, s.State, s.Hold, s.Mute)
	} else {
		fmt.Fprintln(sh.out, "call: none")
	}
	if sh.regInfo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if info, err := sh.regInfo.RegInfo(ctx); err == nil {
		fmt.Fprintln(sh.out, strings.TrimSpace(info))
	}
}

// printEvents writes a line per user-visible event until ctx ends
func printEvents(ctx context.Context, agent *console.Agent, w io.Writer) {
	ch, cancel := agent.Events(64,
		events.TypeRegistrationStateChanged,
		events.TypeSessionStateChanged,
		events.TypeMediaStateChanged,
		events.TypeTransferFailed,
		events.TypeCallLogged,
	)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if line := describe(evt); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}
}

func describe(evt events.Event) string {
	var line string
	switch e := evt.(type) {
	case events.RegistrationStateChanged:
		line = fmt.Sprintf("[registration] %s -> %s", e.Old, e.New)
		if e.Reason.String() != "" {
			line += " (" + e.Reason.String() + ")"
		}
	case events.SessionStateChanged:
		line = fmt.Sprintf("[call] %s %s: %s -> %s", e.Direction, e.RemoteParty, e.Old, e.New)
		if e.Completion != nil {
			line += fmt.Sprintf(" [%s %ds]", e.Completion.Outcome, e.Completion.DurationSeconds())
		}
	case events.MediaStateChanged:
		line = fmt.Sprintf("[media] hold=%s mute=%s audio=%t", e.Hold, e.Mute, e.LocalAudio)
	case events.TransferFailed:
		line = fmt.Sprintf("[call] transfer to %s failed", e.Target)
	case events.CallLogged:
		line = fmt.Sprintf("[history] logged %s %s call with %s (%ds)", e.Outcome, e.Direction, e.RemoteParty, e.DurationSeconds)
	default:
		return ""
	}
	if kind := evt.ErrKind(); kind != "" {
		line += " error=" + kind
	}
	return line
}
