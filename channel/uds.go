package channel

import (
	"context"
	"net"

	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
)

// UnixConfig configures the Unix-domain-socket channel.
type UnixConfig struct {
	SocketPath string
	AuthToken  string
	Policy     ReconnectPolicy
	Logger     *logging.Logger
}

// NewUnix builds the Unix socket message channel.
func NewUnix(cfg UnixConfig) MessageChannel {
	dial := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "unix", cfg.SocketPath)
	}
	return newStreamChannel(TypeIPC, dial, cfg.Policy, cfg.AuthToken, cfg.Logger)
}
