package pywatt

import (
	"errors"
	"fmt"

	"github.com/frostdev-ops/pywatt-sdk/channel"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
)

// Process exit codes for module binaries.
const (
	ExitOK              = 0
	ExitHandshakeFailed = 64
	ExitNoChannels      = 65
	ExitAnnounceFailed  = 66
	ExitInternal        = 70
)

var (
	// ErrNoChannelsAvailable means every configured required channel
	// failed, or every channel is permanently closed.
	ErrNoChannelsAvailable = errors.New("pywatt: no channels available")
	// ErrAnnounceFailed wraps a failure to emit the announcement.
	ErrAnnounceFailed = errors.New("pywatt: announcement failed")
	// ErrChannelUnavailable rejects a send on an explicitly named
	// channel that cannot carry it.
	ErrChannelUnavailable = errors.New("pywatt: requested channel unavailable")
	// ErrTimeout reports an expired request deadline.
	ErrTimeout = errors.New("pywatt: request timed out")
	// ErrTargetNotFound means the orchestrator knows no such module.
	ErrTargetNotFound = errors.New("pywatt: target module not found")
	// ErrTransportClosed means the carrying channel went away while a
	// request was in flight.
	ErrTransportClosed = errors.New("pywatt: transport closed")
	// ErrSerialization wraps payload encode failures.
	ErrSerialization = errors.New("pywatt: payload serialization failed")
	// ErrDeserialization wraps payload decode failures.
	ErrDeserialization = errors.New("pywatt: payload deserialization failed")
	// ErrBackpressure reports a full outbound pending queue.
	ErrBackpressure = errors.New("pywatt: pending queue full")
)

// RequiredChannelError is fatal: a channel marked required in the init
// blob could not be brought up.
type RequiredChannelError struct {
	Type channel.Type
	Err  error
}

func (e *RequiredChannelError) Error() string {
	return fmt.Sprintf("pywatt: required channel %s failed: %v", e.Type, e.Err)
}

func (e *RequiredChannelError) Unwrap() error { return e.Err }

// ApplicationError carries a peer module's error string verbatim.
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string {
	return "pywatt: application error: " + e.Message
}

// ExitCode maps a bootstrap or lifecycle error to the documented
// process exit codes.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var required *RequiredChannelError
	switch {
	case errors.Is(err, ipc.ErrHandshake):
		return ExitHandshakeFailed
	case errors.As(err, &required), errors.Is(err, ErrNoChannelsAvailable):
		return ExitNoChannels
	case errors.Is(err, ErrAnnounceFailed):
		return ExitAnnounceFailed
	default:
		return ExitInternal
	}
}
