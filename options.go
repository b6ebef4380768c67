package pywatt

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/frostdev-ops/pywatt-sdk/channel"
	"github.com/frostdev-ops/pywatt-sdk/httpipc"
	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
	"github.com/frostdev-ops/pywatt-sdk/ports"
	"github.com/frostdev-ops/pywatt-sdk/redact"
	"github.com/frostdev-ops/pywatt-sdk/secrets"
)

// StateBuilder turns the init blob and the prefetched secrets into the
// caller's application state.
type StateBuilder func(init *ipc.InitBlob, fetched map[string]secrets.Secret) (any, error)

// MessageHandler processes one routed peer request. The returned value
// is serialized into the response; a returned error travels back as an
// application error string.
type MessageHandler func(ctx context.Context, source, requestID string, payload json.RawMessage) (any, error)

// defaultShutdownTimeout bounds graceful shutdown before hard exit.
const defaultShutdownTimeout = 5 * time.Second

type options struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	logger   *logging.Logger
	registry *redact.Registry

	endpoints       []ipc.EndpointAnnounce
	initialSecrets  []string
	requiredSecrets map[string]bool
	stateBuilder    StateBuilder

	prefs     channel.Preferences
	reconnect channel.ReconnectPolicy
	portCfg   ports.Config

	httpHandler    httpipc.Handler
	directHTTP     bool
	handlers       map[string]MessageHandler
	defaultHandler MessageHandler

	secretOpts      []secrets.Option
	shutdownTimeout time.Duration
	noSignals       bool
	noHandshake     bool
}

func defaultOptions() *options {
	return &options{
		stdin:           os.Stdin,
		stdout:          os.Stdout,
		stderr:          os.Stderr,
		registry:        redact.Global(),
		requiredSecrets: make(map[string]bool),
		prefs:           channel.DefaultPreferences(),
		reconnect:       channel.DefaultReconnect(),
		handlers:        make(map[string]MessageHandler),
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// Option customises InitModule.
type Option func(*options)

// WithLogger supplies a pre-built logger; its sink is still rewired
// through the redacting writer during bootstrap.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEndpoints declares the HTTP endpoints carried in the announcement.
func WithEndpoints(endpoints ...ipc.EndpointAnnounce) Option {
	return func(o *options) { o.endpoints = append(o.endpoints, endpoints...) }
}

// WithInitialSecrets prefetches the named secrets during bootstrap.
// Missing values are logged but not fatal.
func WithInitialSecrets(names ...string) Option {
	return func(o *options) { o.initialSecrets = append(o.initialSecrets, names...) }
}

// WithRequiredSecrets prefetches the named secrets and fails bootstrap
// when any cannot be fetched.
func WithRequiredSecrets(names ...string) Option {
	return func(o *options) {
		o.initialSecrets = append(o.initialSecrets, names...)
		for _, n := range names {
			o.requiredSecrets[n] = true
		}
	}
}

// WithStateBuilder installs the user state constructor.
func WithStateBuilder(b StateBuilder) Option {
	return func(o *options) { o.stateBuilder = b }
}

// WithChannelPreferences overrides channel selection policy.
func WithChannelPreferences(p channel.Preferences) Option {
	return func(o *options) { o.prefs = p }
}

// WithReconnectPolicy overrides the socket reconnect policy.
func WithReconnectPolicy(p channel.ReconnectPolicy) Option {
	return func(o *options) { o.reconnect = p }
}

// WithPortConfig tunes port negotiation.
func WithPortConfig(cfg ports.Config) Option {
	return func(o *options) { o.portCfg = cfg }
}

// WithIpcHTTP mounts a handler for HTTP requests tunneled over the
// control channels.
func WithIpcHTTP(h httpipc.Handler) Option {
	return func(o *options) { o.httpHandler = h }
}

// WithDirectHTTP makes bootstrap negotiate a port and bind a TCP
// listener for a directly served HTTP server. The bound listener is
// available from Handle.Listener.
func WithDirectHTTP() Option {
	return func(o *options) { o.directHTTP = true }
}

// WithMessageHandler registers a handler for peer requests from the
// given source module.
func WithMessageHandler(sourceModuleID string, h MessageHandler) Option {
	return func(o *options) { o.handlers[sourceModuleID] = h }
}

// WithDefaultMessageHandler registers the fallback peer handler.
func WithDefaultMessageHandler(h MessageHandler) Option {
	return func(o *options) { o.defaultHandler = h }
}

// WithSecretOptions forwards options to the secret client.
func WithSecretOptions(opts ...secrets.Option) Option {
	return func(o *options) { o.secretOpts = append(o.secretOpts, opts...) }
}

// WithShutdownTimeout overrides the graceful shutdown deadline.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithStdio redirects the protocol streams; tests drive the module
// through pipes with this.
func WithStdio(stdin io.Reader, stdout io.Writer) Option {
	return func(o *options) {
		o.stdin = stdin
		o.stdout = stdout
	}
}

// WithLogOutput redirects human-readable logging (normally stderr).
// The sink is still wrapped in the redacting writer.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithRedactionRegistry isolates the redaction registry; tests use this
// to avoid the process-global set.
func WithRedactionRegistry(r *redact.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithoutSignals disables OS signal handling; tests use this.
func WithoutSignals() Option {
	return func(o *options) { o.noSignals = true }
}

// WithoutHandshake skips the stdin init exchange and synthesizes the
// init blob from the environment (PYWATT_MODULE_ID). Test mode only;
// a module run this way has no live orchestrator.
func WithoutHandshake() Option {
	return func(o *options) { o.noHandshake = true }
}
