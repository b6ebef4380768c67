// Package channel implements the framed stream transports a module may
// hold toward its orchestrator: TCP (plain, token, or mTLS) and Unix
// domain sockets, with per-channel reconnect policies and a shared
// state machine.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/frostdev-ops/pywatt-sdk/message"
)

// Type tags a transport for selection and reporting.
type Type string

const (
	TypeStdio Type = "stdio"
	TypeTCP   Type = "tcp"
	TypeIPC   Type = "ipc"
)

// State is the connection lifecycle of a channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
	StatePermanentlyClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StatePermanentlyClosed:
		return "permanently_closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Capabilities advertises what a channel can carry.
type Capabilities struct {
	ModuleMessaging bool
	HTTPProxy       bool
	Streaming       bool
	MaxMessageSize  int
}

// Preferences steers channel selection for outgoing messages.
type Preferences struct {
	UseTCP             bool
	UseIPC             bool
	PreferIPCForLocal  bool
	PreferTCPForRemote bool
	EnableFallback     bool
}

// DefaultPreferences enables both socket channels with fallback.
func DefaultPreferences() Preferences {
	return Preferences{
		UseTCP:             true,
		UseIPC:             true,
		PreferIPCForLocal:  true,
		PreferTCPForRemote: true,
		EnableFallback:     true,
	}
}

// MessageChannel is the capability contract every transport satisfies.
type MessageChannel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, enc *message.EncodedMessage) error
	Receive(ctx context.Context) (*message.EncodedMessage, error)
	State() State
	Type() Type
	Capabilities() Capabilities
	Disconnect() error
}

// TransportErrorKind classifies a transport failure.
type TransportErrorKind string

const (
	KindConnectionReset TransportErrorKind = "connection_reset"
	KindTimeout         TransportErrorKind = "timeout"
	KindEof             TransportErrorKind = "eof"
	KindTls             TransportErrorKind = "tls"
	KindIo              TransportErrorKind = "io"
)

// TransportError surfaces a classified read/write/connect failure.
type TransportError struct {
	Kind TransportErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("channel: %s: %s", e.Op, e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrNotConnected is returned by Send/Receive on an unconnected channel.
var ErrNotConnected = errors.New("channel: not connected")

// ErrPermanentlyClosed is returned once a channel has reached its
// terminal state; it never transitions back to connected.
var ErrPermanentlyClosed = errors.New("channel: permanently closed")

// classify maps an underlying error to a transport kind.
func classify(op string, err error) *TransportError {
	var already *TransportError
	if errors.As(err, &already) {
		return already
	}
	kind := KindIo
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		kind = KindEof
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		kind = KindConnectionReset
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return &TransportError{Kind: kind, Op: op, Err: err}
}
