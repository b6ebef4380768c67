// Package pywatt is the module-side runtime for the PyWatt
// orchestrator: the startup handshake, the secret client, the message
// channels, and the background loops that bind them together.
package pywatt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/frostdev-ops/pywatt-sdk/channel"
	"github.com/frostdev-ops/pywatt-sdk/httpipc"
	"github.com/frostdev-ops/pywatt-sdk/internal/correlator"
	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
	"github.com/frostdev-ops/pywatt-sdk/ports"
	"github.com/frostdev-ops/pywatt-sdk/redact"
	"github.com/frostdev-ops/pywatt-sdk/secrets"
)

// Handle owns the background loops started by InitModule.
type Handle struct {
	app      *AppState
	group    *errgroup.Group
	cancel   context.CancelFunc
	listener net.Listener
	timeout  time.Duration
	stopSig  func()
	// stopping is closed once shutdown begins or a loop fails.
	stopping <-chan struct{}

	waitOnce sync.Once
	waitErr  error
}

// InitModule performs the startup sequence against the orchestrator:
// read the init blob, prefetch secrets, bring up channels, negotiate a
// port when serving HTTP directly, announce, and spawn one background
// processor per live channel.
func InitModule(ctx context.Context, opts ...Option) (*AppState, *Handle, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	// Logging first: everything after this line is redacted.
	log := o.logger
	if log == nil {
		log = logging.New(redact.NewWriter(o.stderr, o.registry), logging.ParseLevel(os.Getenv(EnvLogLevel)))
	} else {
		log.SetOutput(redact.NewWriter(o.stderr, o.registry))
	}

	reader := ipc.NewReader(o.stdin, log)
	var blob *ipc.InitBlob
	var err error
	if o.noHandshake {
		blob = &ipc.InitBlob{
			OrchestratorAPI: "local",
			ModuleID:        lookupEnv(nil, EnvModuleID),
			Env:             map[string]string{},
			Listen:          ipc.ListenAddress{TCP: "127.0.0.1:0"},
			SecurityLevel:   ipc.SecurityNone,
		}
		if blob.ModuleID == "" {
			blob.ModuleID = "local-module"
		}
	} else {
		blob, err = reader.ReadInit()
		if err != nil {
			return nil, nil, err
		}
	}
	log.Infof("pywatt: module %s starting", blob.ModuleID)

	writer := ipc.NewWriter(o.stdout)
	secretClient := secrets.New(writer, log, append([]secrets.Option{secrets.WithRegistry(o.registry)}, o.secretOpts...)...)

	app := &AppState{
		init:           blob,
		log:            log,
		stdioW:         writer,
		stdioR:         reader,
		secretsC:       secretClient,
		corr:           correlator.New(),
		prefs:          o.prefs,
		latency:        make(map[channel.Type]*latencyTracker),
		pending:        make(map[channel.Type]*pendingRing),
		handlers:       o.handlers,
		defaultHandler: o.defaultHandler,
		routedQueues:   make(map[string]chan routedTask),
	}
	if o.httpHandler != nil {
		app.adapter = httpipc.NewAdapter(log)
	}

	portCfg := o.portCfg
	if portCfg.PreallocatedPort == 0 {
		portCfg.PreallocatedPort = preallocatedPort(blob.Env)
	}
	app.ports = ports.New(writer, log, portCfg)

	// The dispatch loops must be running before any stdio round-trip
	// (secret prefetch, port negotiation) can complete.
	runCtx, cancel := context.WithCancel(ctx)
	app.cancel = cancel
	group, loopCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return app.runStdioLoop(loopCtx) })

	fail := func(err error) (*AppState, *Handle, error) {
		cancel()
		secretClient.Close()
		app.corr.Close()
		return nil, nil, err
	}

	// Initial secrets, fetched in parallel.
	fetched := make(map[string]secrets.Secret)
	if len(o.initialSecrets) > 0 {
		var fetchMu sync.Mutex
		fetchGroup, fetchCtx := errgroup.WithContext(loopCtx)
		for _, name := range o.initialSecrets {
			fetchGroup.Go(func() error {
				secret, err := secretClient.Get(fetchCtx, name, secrets.CacheThenRemote)
				if err != nil {
					if o.requiredSecrets[name] {
						return fmt.Errorf("pywatt: required secret %s: %w", name, err)
					}
					log.Warnf("pywatt: initial secret %s unavailable: %v", name, err)
					return nil
				}
				fetchMu.Lock()
				fetched[name] = secret
				fetchMu.Unlock()
				return nil
			})
		}
		if err := fetchGroup.Wait(); err != nil {
			return fail(err)
		}
	}

	if o.stateBuilder != nil {
		userState, err := o.stateBuilder(blob, fetched)
		if err != nil {
			return fail(fmt.Errorf("pywatt: state builder: %w", err))
		}
		app.userState = userState
	}

	// Socket channels per preferences and init blob.
	if err := app.connectChannels(loopCtx, o, group); err != nil {
		return fail(err)
	}

	// Listen address. When serving HTTP directly, an orchestrator-
	// assigned TCP listen address (or PYWATT_PORT) bypasses negotiation;
	// otherwise a port is negotiated over stdio.
	var listener net.Listener
	listenAddr := blob.Listen.String()
	if o.directHTTP && !ipcOnly(blob.Env) {
		addr := blob.Listen.TCP
		if addr == "" {
			alloc, err := app.ports.Negotiate(loopCtx, nil)
			if err != nil {
				return fail(fmt.Errorf("pywatt: port negotiation: %w", err))
			}
			if alloc.Unadvertised {
				log.Warnf("pywatt: serving on unadvertised fallback port %d", alloc.Port)
			}
			addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(int(alloc.Port)))
		}
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return fail(fmt.Errorf("pywatt: bind %s: %w", addr, err))
		}
		listenAddr = listener.Addr().String()
	}
	app.boundAddr = listenAddr

	// Exactly one announcement, after channels are ready.
	announcement := &ipc.AnnounceBlob{Listen: listenAddr, Endpoints: o.endpoints}
	if announcement.Endpoints == nil {
		announcement.Endpoints = []ipc.EndpointAnnounce{}
	}
	if err := writer.Announce(announcement); err != nil {
		if listener != nil {
			listener.Close()
		}
		return fail(fmt.Errorf("%w: %v", ErrAnnounceFailed, err))
	}
	log.Infof("pywatt: announced %d endpoints on %s", len(announcement.Endpoints), listenAddr)

	if app.adapter != nil {
		group.Go(func() error {
			err := app.adapter.Serve(loopCtx, o.httpHandler)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	handle := &Handle{
		app:      app,
		group:    group,
		cancel:   cancel,
		listener: listener,
		timeout:  o.shutdownTimeout,
		stopping: loopCtx.Done(),
	}
	if !o.noSignals {
		sigCtx, stop := signal.NotifyContext(runCtx, syscall.SIGINT, syscall.SIGTERM)
		handle.stopSig = stop
		go func() {
			<-sigCtx.Done()
			if runCtx.Err() == nil {
				log.Infof("pywatt: termination signal received")
				app.beginShutdown()
			}
		}()
	}

	return app, handle, nil
}

// connectChannels brings up the TCP and IPC channels the init blob
// configures, honoring required flags and channel preferences.
func (a *AppState) connectChannels(ctx context.Context, o *options, group *errgroup.Group) error {
	blob := a.init
	var tlsCfg *tls.Config
	if blob.TCPChannel != nil && (blob.TCPChannel.TLSEnabled || blob.SecurityLevel == ipc.SecurityMtls) {
		tlsCfg = &tls.Config{}
	}
	token := ""
	if blob.SecurityLevel == ipc.SecurityToken {
		token = blob.AuthToken
	}

	requiredConfigured := 0
	requiredFailed := 0
	var firstFailed channel.Type

	if blob.TCPChannel != nil && o.prefs.UseTCP {
		ch := channel.NewTCP(channel.TCPConfig{
			Address:   blob.TCPChannel.Address,
			TLS:       tlsCfg,
			AuthToken: token,
			Policy:    o.reconnect,
			Logger:    a.log,
		})
		if blob.TCPChannel.Required {
			requiredConfigured++
		}
		if err := ch.Connect(ctx); err != nil {
			if blob.TCPChannel.Required {
				requiredFailed++
				if firstFailed == "" {
					firstFailed = channel.TypeTCP
				}
				a.log.Errorf("pywatt: required tcp channel: %v", err)
			} else {
				a.log.Warnf("pywatt: optional tcp channel unavailable: %v", err)
			}
		} else {
			a.chanMu.Lock()
			a.tcpChan = ch
			a.chanMu.Unlock()
			group.Go(func() error { return a.runSocketLoop(ctx, ch) })
		}
	}

	if blob.IPCChannel != nil && o.prefs.UseIPC {
		ch := channel.NewUnix(channel.UnixConfig{
			SocketPath: blob.IPCChannel.SocketPath,
			AuthToken:  token,
			Policy:     o.reconnect,
			Logger:     a.log,
		})
		if blob.IPCChannel.Required {
			requiredConfigured++
		}
		if err := ch.Connect(ctx); err != nil {
			if blob.IPCChannel.Required {
				requiredFailed++
				if firstFailed == "" {
					firstFailed = channel.TypeIPC
				}
				a.log.Errorf("pywatt: required ipc channel: %v", err)
			} else {
				a.log.Warnf("pywatt: optional ipc channel unavailable: %v", err)
			}
		} else {
			a.chanMu.Lock()
			a.ipcChan = ch
			a.chanMu.Unlock()
			group.Go(func() error { return a.runSocketLoop(ctx, ch) })
		}
	}

	if requiredFailed > 0 {
		if requiredFailed == requiredConfigured {
			return ErrNoChannelsAvailable
		}
		return &RequiredChannelError{Type: firstFailed, Err: ErrNoChannelsAvailable}
	}
	return nil
}

// beginShutdown cancels the run context exactly once.
func (a *AppState) beginShutdown() {
	a.shutdownOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
	})
}

// Shutdown asks the module to stop; Wait finishes the teardown.
func (h *Handle) Shutdown() {
	h.app.beginShutdown()
}

// Listener returns the TCP listener bound for direct HTTP serving, nil
// otherwise.
func (h *Handle) Listener() net.Listener { return h.listener }

// Wait blocks until every background loop stopped or the graceful
// shutdown deadline (counted from the start of shutdown) passed, then
// tears the module down: pending requests cancelled, channels closed,
// secrets wiped.
func (h *Handle) Wait() error {
	h.waitOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- h.group.Wait() }()

		var runErr error
		select {
		case runErr = <-done:
		case <-h.stopping:
			select {
			case runErr = <-done:
			case <-time.After(h.timeout):
				h.app.log.Warnf("pywatt: graceful shutdown deadline exceeded")
				h.cancel()
			}
		}

		h.app.teardown()
		if h.stopSig != nil {
			h.stopSig()
		}
		if h.listener != nil {
			h.listener.Close()
		}
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			h.waitErr = runErr
		}
	})
	return h.waitErr
}

// teardown is the ordered release of everything the module owns.
func (a *AppState) teardown() {
	a.beginShutdown()

	a.hookMu.Lock()
	hooks := append([]func(){}, a.shutdownHooks...)
	a.hookMu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	a.corr.CancelAll(ErrTransportClosed)
	a.corr.Close()

	a.chanMu.Lock()
	tcp, uds := a.tcpChan, a.ipcChan
	a.chanMu.Unlock()
	if tcp != nil {
		tcp.Disconnect()
	}
	if uds != nil {
		uds.Disconnect()
	}
	a.secretsC.Close()
}

// Run is the full module lifecycle as a single call, returning the
// process exit code.
func Run(ctx context.Context, opts ...Option) int {
	_, handle, err := InitModule(ctx, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pywatt: %v\n", err)
		return ExitCode(err)
	}
	if err := handle.Wait(); err != nil {
		return ExitCode(err)
	}
	return ExitOK
}
