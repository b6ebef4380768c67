package channel

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
)

// dialTimeout bounds one TCP/Unix connection attempt.
const dialTimeout = 10 * time.Second

// TCPConfig configures the direct TCP channel toward the orchestrator.
type TCPConfig struct {
	Address string
	// TLS enables mutually-authenticated TLS when set; nil means
	// plaintext (or token auth when AuthToken is set).
	TLS *tls.Config
	// AuthToken is presented in the first frame after connect.
	AuthToken string
	Policy    ReconnectPolicy
	Logger    *logging.Logger
}

// NewTCP builds the TCP message channel. Connect must be called before
// Send/Receive.
func NewTCP(cfg TCPConfig) MessageChannel {
	dial := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: dialTimeout}
		if cfg.TLS != nil {
			conn, err := (&tls.Dialer{NetDialer: &d, Config: cfg.TLS}).DialContext(ctx, "tcp", cfg.Address)
			if err != nil {
				return nil, &TransportError{Kind: KindTls, Op: "connect", Err: err}
			}
			return conn, nil
		}
		return d.DialContext(ctx, "tcp", cfg.Address)
	}
	return newStreamChannel(TypeTCP, dial, cfg.Policy, cfg.AuthToken, cfg.Logger)
}
