package baresip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dense-identity/agentdesk/internal/telephony"
)

// ErrClosed is returned by commands issued on a closed client
var ErrClosed = fmt.Errorf("%w: baresip connection closed", telephony.ErrTransportLost)

// ClientOptions configures a Client
type ClientOptions struct {
	Addr       string
	CmdTimeout time.Duration
	Verbose    bool
	Logger     *zap.Logger

	// OnEvent is called from the read loop, in arrival order. It must not
	// issue commands synchronously.
	OnEvent func(Event)
	// OnDisconnect is called once when the connection drops unexpectedly
	OnDisconnect func(error)
}

// Client speaks the baresip ctrl_tcp protocol: JSON messages framed as netstrings.
type Client struct {
	opts ClientOptions
	log  *zap.Logger

	conn    net.Conn
	writeMu sync.Mutex

	tokenCounter atomic.Uint64
	pendingMu    sync.Mutex
	pendingCmds  map[string]chan Response

	closed   atomic.Bool
	closedCh chan struct{}
	done     chan struct{}
}

// Dial connects to baresip and starts the read loop
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.CmdTimeout <= 0 {
		opts.CmdTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to baresip at %s: %v", telephony.ErrTransport, opts.Addr, err)
	}

	c := &Client{
		opts:        opts,
		log:         opts.Logger.Named("baresip").With(zap.String("addr", opts.Addr)),
		conn:        conn,
		pendingCmds: make(map[string]chan Response),
		closedCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	go c.readLoop()

	c.log.Info("connected")
	return c, nil
}

// Close closes the connection and waits for the read loop to exit
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		<-c.done
		return nil
	}
	close(c.closedCh)
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the read loop has exited
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer close(c.done)

	frames := newFrameReader(c.conn)
	for {
		data, err := frames.next()
		if err != nil {
			if !c.closed.Load() {
				c.log.Warn("connection lost", zap.Error(err))
				c.failPending()
				if c.opts.OnDisconnect != nil {
					c.opts.OnDisconnect(fmt.Errorf("%w: %v", telephony.ErrTransportLost, err))
				}
			}
			return
		}

		if c.opts.Verbose {
			c.log.Debug("received", zap.ByteString("data", data))
		}

		evt, resp, err := decodeMessage(data)
		if err != nil {
			c.log.Warn("dropping message", zap.Error(err))
			continue
		}
		if evt != nil {
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(*evt)
			}
			continue
		}

		if resp.Token == "" {
			c.log.Debug("untokened response", zap.String("data", resp.Data))
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pendingCmds[resp.Token]
		delete(c.pendingCmds, resp.Token)
		c.pendingMu.Unlock()
		if ok {
			ch <- *resp
		}
	}
}

// failPending wakes up every caller still waiting for a response
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for tok, ch := range c.pendingCmds {
		close(ch)
		delete(c.pendingCmds, tok)
	}
}

func (c *Client) forget(token string) {
	c.pendingMu.Lock()
	delete(c.pendingCmds, token)
	c.pendingMu.Unlock()
}

// Command sends cmd and waits for the matching response. The wait ends at
// the first of ctx, the command timeout, or connection loss.
func (c *Client) Command(ctx context.Context, cmd, params string) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	token := fmt.Sprintf("tok%d", c.tokenCounter.Add(1))
	data, err := json.Marshal(Command{Command: cmd, Params: params, Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	respCh := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pendingCmds[token] = respCh
	c.pendingMu.Unlock()

	if c.opts.Verbose {
		c.log.Debug("sending", zap.ByteString("data", data))
	}

	c.writeMu.Lock()
	err = writeFrame(c.conn, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(token)
		return nil, fmt.Errorf("%w: sending %s: %v", telephony.ErrTransportLost, cmd, err)
	}

	timer := time.NewTimer(c.opts.CmdTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClosed
		}
		return &resp, nil
	case <-c.closedCh:
		c.forget(token)
		return nil, ErrClosed
	case <-ctx.Done():
		c.forget(token)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", telephony.ErrTimeout, cmd)
		}
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(token)
		return nil, fmt.Errorf("%w: command %s", telephony.ErrTimeout, cmd)
	}
}

// Exec is Command that treats a negative response as ErrProtocol
func (c *Client) Exec(ctx context.Context, cmd, params string) (*Response, error) {
	resp, err := c.Command(ctx, cmd, params)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("%w: %s %s: %s", telephony.ErrProtocol, cmd, params, resp.Data)
	}
	return resp, nil
}

// hangupParams builds "<id> scode=<n> reason=<text>"
func hangupParams(callID string, scode int, reason string) string {
	params := callID
	if scode > 0 {
		if params != "" {
			params += " "
		}
		params += fmt.Sprintf("scode=%d", scode)
	}
	if reason != "" {
		if params != "" {
			params += " "
		}
		params += "reason=" + reason
	}
	return params
}
