package channel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
	"github.com/frostdev-ops/pywatt-sdk/message"
)

// permanentFailureLimit is how many exhausted reconnect cycles a channel
// tolerates before it transitions to PermanentlyClosed.
const permanentFailureLimit = 3

// authHello is the first frame on a token-secured channel.
type authHello struct {
	AuthToken string `json:"auth_token"`
}

// streamChannel is the shared implementation behind the TCP and Unix
// transports: framed EncodedMessages over a net.Conn with a reconnect
// policy and the channel state machine.
type streamChannel struct {
	typ    Type
	dial   func(ctx context.Context) (net.Conn, error)
	policy ReconnectPolicy
	caps   Capabilities
	token  string
	log    *logging.Logger

	mu          sync.Mutex
	state       State
	conn        net.Conn
	lastErr     error
	failCycles  uint
	reconnectIn bool

	writeMu sync.Mutex
	readMu  sync.Mutex
}

func newStreamChannel(typ Type, dial func(ctx context.Context) (net.Conn, error), policy ReconnectPolicy, token string, log *logging.Logger) *streamChannel {
	return &streamChannel{
		typ:    typ,
		dial:   dial,
		policy: policy,
		token:  token,
		log:    log,
		state:  StateDisconnected,
		caps: Capabilities{
			ModuleMessaging: true,
			HTTPProxy:       true,
			Streaming:       true,
			MaxMessageSize:  message.MaxFrameSize,
		},
	}
}

func (c *streamChannel) Type() Type                 { return c.typ }
func (c *streamChannel) Capabilities() Capabilities { return c.caps }

func (c *streamChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent transport failure, if any.
func (c *streamChannel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect runs the configured policy until a dial succeeds or attempts
// are exhausted. Exhaustion marks the channel Failed; enough exhausted
// cycles make the failure permanent.
func (c *streamChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StatePermanentlyClosed:
		c.mu.Unlock()
		return ErrPermanentlyClosed
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	var attempt uint
	for {
		delay, ok := c.policy.next(attempt)
		if !ok {
			return c.exhausted()
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		conn, err := c.dial(ctx)
		if err == nil {
			if c.token != "" {
				err = c.sendAuth(conn)
			}
			if err == nil {
				c.mu.Lock()
				c.conn = conn
				c.state = StateConnected
				c.failCycles = 0
				c.lastErr = nil
				c.mu.Unlock()
				c.log.Debugf("channel: %s connected", c.typ)
				return nil
			}
			conn.Close()
		}

		terr := classify("connect", err)
		c.setLastErr(terr)
		c.log.Warnf("channel: %s connect attempt %d failed: %v", c.typ, attempt+1, terr)
		attempt++
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
	}
}

func (c *streamChannel) sendAuth(conn net.Conn) error {
	enc, err := message.Encode(authHello{AuthToken: c.token}, message.FormatJSON)
	if err != nil {
		return err
	}
	return message.WriteFrame(conn, enc)
}

func (c *streamChannel) exhausted() error {
	c.mu.Lock()
	c.failCycles++
	if c.failCycles >= permanentFailureLimit {
		c.state = StatePermanentlyClosed
	} else {
		c.state = StateFailed
	}
	state := c.state
	err := c.lastErr
	c.mu.Unlock()

	c.log.Warnf("channel: %s reconnect attempts exhausted, now %s", c.typ, state)
	if state == StatePermanentlyClosed {
		return ErrPermanentlyClosed
	}
	if err != nil {
		return err
	}
	return &TransportError{Kind: KindIo, Op: "connect"}
}

// Send writes one framed message. Errors mark the channel Disconnected
// and schedule a background reconnect per the policy.
func (c *streamChannel) Send(ctx context.Context, enc *message.EncodedMessage) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}

	c.writeMu.Lock()
	err = message.WriteFrame(conn, enc)
	c.writeMu.Unlock()
	if err != nil {
		terr := classify("send", err)
		c.dropConn(conn, terr)
		return terr
	}
	return nil
}

// Receive reads one framed message. Oversized frames close the
// connection per the framing contract.
func (c *streamChannel) Receive(ctx context.Context) (*message.EncodedMessage, error) {
	conn, err := c.liveConn()
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}

	c.readMu.Lock()
	enc, err := message.ReadFrame(conn)
	c.readMu.Unlock()
	if err != nil {
		terr := classify("receive", err)
		c.dropConn(conn, terr)
		return nil, terr
	}
	return enc, nil
}

// Disconnect closes the channel for good: the state machine never
// leaves PermanentlyClosed.
func (c *streamChannel) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = StatePermanentlyClosed
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *streamChannel) liveConn() (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StatePermanentlyClosed:
		return nil, ErrPermanentlyClosed
	case StateConnected:
		if c.conn != nil {
			return c.conn, nil
		}
	}
	return nil, ErrNotConnected
}

// dropConn transitions to Disconnected after an I/O failure and kicks
// off a background reconnect unless one is already running.
func (c *streamChannel) dropConn(conn net.Conn, terr *TransportError) {
	conn.Close()
	c.mu.Lock()
	if c.conn != conn || c.state == StatePermanentlyClosed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	c.lastErr = terr
	start := !c.reconnectIn && c.policy.kind != policyNone
	if start {
		c.reconnectIn = true
	}
	c.mu.Unlock()

	if start {
		go func() {
			defer func() {
				c.mu.Lock()
				c.reconnectIn = false
				c.mu.Unlock()
			}()
			if err := c.Connect(context.Background()); err != nil {
				c.log.Warnf("channel: %s background reconnect failed: %v", c.typ, err)
			}
		}()
	}
}

func (c *streamChannel) setState(s State) {
	c.mu.Lock()
	if c.state != StatePermanentlyClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *streamChannel) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
