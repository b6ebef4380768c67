package pywatt

import (
	"context"
	"sync"
	"time"

	"github.com/frostdev-ops/pywatt-sdk/channel"
	"github.com/frostdev-ops/pywatt-sdk/httpipc"
	"github.com/frostdev-ops/pywatt-sdk/internal/correlator"
	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
	"github.com/frostdev-ops/pywatt-sdk/message"
	"github.com/frostdev-ops/pywatt-sdk/ports"
	"github.com/frostdev-ops/pywatt-sdk/secrets"
)

// pendingQueueSize bounds messages parked for a reconnecting channel.
const pendingQueueSize = 256

// PeerLocation hints where the orchestrator placed a peer module.
type PeerLocation int

const (
	PeerUnknown PeerLocation = iota
	PeerLocal
	PeerRemote
)

// AppState owns the module identity, the user state, the channels, and
// everything the background loops dispatch into.
type AppState struct {
	init      *ipc.InitBlob
	userState any

	log       *logging.Logger
	stdioW    *ipc.Writer
	stdioR    *ipc.Reader
	secretsC  *secrets.Client
	corr      *correlator.Correlator
	adapter   *httpipc.Adapter
	ports     *ports.Negotiator
	prefs     channel.Preferences
	boundAddr string

	chanMu  sync.RWMutex
	tcpChan channel.MessageChannel
	ipcChan channel.MessageChannel

	latMu   sync.Mutex
	latency map[channel.Type]*latencyTracker

	pendMu  sync.Mutex
	pending map[channel.Type]*pendingRing

	handlerMu      sync.RWMutex
	handlers       map[string]MessageHandler
	defaultHandler MessageHandler

	routedMu     sync.Mutex
	routedQueues map[string]chan routedTask

	shutdownOnce  sync.Once
	shutdownHooks []func()
	hookMu        sync.Mutex
	cancel        context.CancelFunc
}

// ModuleID returns the orchestrator-assigned identity.
func (a *AppState) ModuleID() string { return a.init.ModuleID }

// OrchestratorAPI returns the orchestrator's API identifier.
func (a *AppState) OrchestratorAPI() string { return a.init.OrchestratorAPI }

// Init returns the init blob received during the handshake.
func (a *AppState) Init() *ipc.InitBlob { return a.init }

// Secrets returns the secret client.
func (a *AppState) Secrets() *secrets.Client { return a.secretsC }

// Logger returns the module logger; its sink passes through redaction.
func (a *AppState) Logger() *logging.Logger { return a.log }

// UserState returns the value built by the state builder.
func (a *AppState) UserState() any { return a.userState }

// HTTP returns the HTTP-over-IPC adapter, nil when no handler was
// mounted.
func (a *AppState) HTTP() *httpipc.Adapter { return a.adapter }

// BoundAddress is the address carried in the announcement.
func (a *AppState) BoundAddress() string { return a.boundAddr }

// RegisterHandler installs (or replaces) the handler for peer requests
// from sourceModuleID.
func (a *AppState) RegisterHandler(sourceModuleID string, h MessageHandler) {
	a.handlerMu.Lock()
	defer a.handlerMu.Unlock()
	a.handlers[sourceModuleID] = h
}

// OnShutdown registers a hook invoked during graceful shutdown.
func (a *AppState) OnShutdown(hook func()) {
	a.hookMu.Lock()
	defer a.hookMu.Unlock()
	a.shutdownHooks = append(a.shutdownHooks, hook)
}

// AvailableChannels lists the channels currently able to carry a
// message. Stdio is always present.
func (a *AppState) AvailableChannels() []channel.Type {
	out := []channel.Type{channel.TypeStdio}
	a.chanMu.RLock()
	defer a.chanMu.RUnlock()
	if a.tcpChan != nil && a.tcpChan.State() == channel.StateConnected {
		out = append(out, channel.TypeTCP)
	}
	if a.ipcChan != nil && a.ipcChan.State() == channel.StateConnected {
		out = append(out, channel.TypeIPC)
	}
	return out
}

// ChannelHealth reports per-channel state and mean latency.
func (a *AppState) ChannelHealth() map[channel.Type]ChannelHealth {
	out := map[channel.Type]ChannelHealth{
		channel.TypeStdio: {State: channel.StateConnected},
	}
	a.chanMu.RLock()
	tcp, uds := a.tcpChan, a.ipcChan
	a.chanMu.RUnlock()
	if tcp != nil {
		out[channel.TypeTCP] = ChannelHealth{State: tcp.State()}
	}
	if uds != nil {
		out[channel.TypeIPC] = ChannelHealth{State: uds.State()}
	}
	for typ, health := range out {
		health.MeanLatency = a.meanLatency(typ)
		out[typ] = health
	}
	return out
}

// ChannelHealth is one row of the channel health surface.
type ChannelHealth struct {
	State       channel.State
	MeanLatency time.Duration
}

// sender carries one control message toward the orchestrator.
type sender interface {
	sendControl(ctx context.Context, msg *ipc.ModuleToOrchestrator) error
	channelType() channel.Type
}

// stdioSender is the always-available control path.
type stdioSender struct{ w *ipc.Writer }

func (s stdioSender) sendControl(_ context.Context, msg *ipc.ModuleToOrchestrator) error {
	return s.w.Send(msg)
}
func (s stdioSender) channelType() channel.Type { return channel.TypeStdio }

// socketSender wraps a control message in a JSON envelope frame.
// Control unions always travel as JSON so either peer can decode them;
// the binary format is reserved for application payloads.
type socketSender struct {
	ch  channel.MessageChannel
	typ channel.Type
}

func (s socketSender) sendControl(ctx context.Context, msg *ipc.ModuleToOrchestrator) error {
	enc, err := message.Encode(msg, message.FormatJSON)
	if err != nil {
		return err
	}
	return s.ch.Send(ctx, enc)
}
func (s socketSender) channelType() channel.Type { return s.typ }

// SendOptions steers channel selection for one send.
type SendOptions struct {
	// Channel forces a specific transport; selection fails with
	// ErrChannelUnavailable when it cannot carry the message.
	Channel *channel.Type
	// Location is the orchestrator's placement hint for the target.
	Location PeerLocation
}

// selectSender applies the channel policy for one outgoing message.
func (a *AppState) selectSender(opts SendOptions) (sender, error) {
	a.chanMu.RLock()
	tcp, uds := a.tcpChan, a.ipcChan
	a.chanMu.RUnlock()

	if opts.Channel != nil {
		switch *opts.Channel {
		case channel.TypeStdio:
			return stdioSender{w: a.stdioW}, nil
		case channel.TypeTCP:
			if tcp != nil && tcp.State() == channel.StateConnected {
				return socketSender{ch: tcp, typ: channel.TypeTCP}, nil
			}
			return nil, ErrChannelUnavailable
		case channel.TypeIPC:
			if uds != nil && uds.State() == channel.StateConnected {
				return socketSender{ch: uds, typ: channel.TypeIPC}, nil
			}
			return nil, ErrChannelUnavailable
		default:
			return nil, ErrChannelUnavailable
		}
	}

	connected := func(ch channel.MessageChannel) bool {
		return ch != nil && ch.State() == channel.StateConnected
	}

	// Location preference first.
	if opts.Location == PeerLocal && a.prefs.PreferIPCForLocal && connected(uds) {
		return socketSender{ch: uds, typ: channel.TypeIPC}, nil
	}
	if opts.Location == PeerRemote && a.prefs.PreferTCPForRemote && connected(tcp) {
		return socketSender{ch: tcp, typ: channel.TypeTCP}, nil
	}

	// Otherwise the connected socket channel with the lowest observed
	// mean latency.
	var candidates []socketSender
	if connected(tcp) && a.prefs.UseTCP {
		candidates = append(candidates, socketSender{ch: tcp, typ: channel.TypeTCP})
	}
	if connected(uds) && a.prefs.UseIPC {
		candidates = append(candidates, socketSender{ch: uds, typ: channel.TypeIPC})
	}
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 2:
		if a.meanLatency(candidates[1].typ) < a.meanLatency(candidates[0].typ) {
			return candidates[1], nil
		}
		return candidates[0], nil
	}

	// No socket connected. When both exist but are permanently closed
	// and stdio is gone there is nothing left; otherwise stdio carries
	// control traffic.
	if a.stdioW != nil {
		return stdioSender{w: a.stdioW}, nil
	}
	return nil, ErrNoChannelsAvailable
}

// sendWithPolicy sends msg per opts, parking it in the per-channel
// pending ring when an explicitly requested socket channel is between
// reconnect attempts and fallback is enabled.
func (a *AppState) sendWithPolicy(ctx context.Context, msg *ipc.ModuleToOrchestrator, opts SendOptions) error {
	snd, err := a.selectSender(opts)
	if err == nil {
		return snd.sendControl(ctx, msg)
	}
	if opts.Channel == nil || !a.prefs.EnableFallback {
		return err
	}

	// Named channel unavailable: try the other socket, then park.
	var requested channel.MessageChannel
	a.chanMu.RLock()
	switch *opts.Channel {
	case channel.TypeTCP:
		requested = a.tcpChan
	case channel.TypeIPC:
		requested = a.ipcChan
	}
	a.chanMu.RUnlock()

	other := channel.TypeIPC
	if *opts.Channel == channel.TypeIPC {
		other = channel.TypeTCP
	}
	if snd, err2 := a.selectSender(SendOptions{Channel: &other}); err2 == nil {
		return snd.sendControl(ctx, msg)
	}

	if requested != nil && requested.State() != channel.StatePermanentlyClosed {
		if a.park(*opts.Channel, msg) {
			return nil
		}
		return ErrBackpressure
	}
	return ErrNoChannelsAvailable
}

// pendingRing parks messages for the earliest reconnection.
type pendingRing struct {
	buf   []*ipc.ModuleToOrchestrator
	head  int
	count int
}

func newPendingRing() *pendingRing {
	return &pendingRing{buf: make([]*ipc.ModuleToOrchestrator, pendingQueueSize)}
}

func (r *pendingRing) push(msg *ipc.ModuleToOrchestrator) bool {
	if r.count >= len(r.buf) {
		return false
	}
	r.buf[(r.head+r.count)%len(r.buf)] = msg
	r.count++
	return true
}

func (r *pendingRing) pop() (*ipc.ModuleToOrchestrator, bool) {
	if r.count == 0 {
		return nil, false
	}
	msg := r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return msg, true
}

func (a *AppState) park(typ channel.Type, msg *ipc.ModuleToOrchestrator) bool {
	a.pendMu.Lock()
	defer a.pendMu.Unlock()
	ring, ok := a.pending[typ]
	if !ok {
		ring = newPendingRing()
		a.pending[typ] = ring
	}
	return ring.push(msg)
}

// flushPending drains messages parked for typ after it reconnected.
func (a *AppState) flushPending(ctx context.Context, typ channel.Type) {
	for {
		a.pendMu.Lock()
		ring, ok := a.pending[typ]
		var msg *ipc.ModuleToOrchestrator
		if ok {
			msg, ok = ring.pop()
		}
		a.pendMu.Unlock()
		if !ok || msg == nil {
			return
		}
		snd, err := a.selectSender(SendOptions{Channel: &typ})
		if err != nil || snd.sendControl(ctx, msg) != nil {
			// Channel dropped again; put it back and stop.
			a.pendMu.Lock()
			a.pending[typ].push(msg)
			a.pendMu.Unlock()
			return
		}
	}
}

// latencyTracker keeps an exponentially weighted mean per channel.
type latencyTracker struct {
	mean time.Duration
	seen bool
}

func (a *AppState) recordLatency(typ channel.Type, d time.Duration) {
	a.latMu.Lock()
	defer a.latMu.Unlock()
	tr, ok := a.latency[typ]
	if !ok {
		tr = &latencyTracker{}
		a.latency[typ] = tr
	}
	if !tr.seen {
		tr.mean = d
		tr.seen = true
		return
	}
	// 1/8 smoothing, the usual RTT estimator weighting.
	tr.mean += (d - tr.mean) / 8
}

func (a *AppState) meanLatency(typ channel.Type) time.Duration {
	a.latMu.Lock()
	defer a.latMu.Unlock()
	if tr, ok := a.latency[typ]; ok && tr.seen {
		return tr.mean
	}
	return 0
}

type routedTask struct {
	msg     *ipc.RoutedModuleMessage
	respond func(*ipc.ModuleToOrchestrator) error
}

// lookupHandler resolves the handler for a source module.
func (a *AppState) lookupHandler(source string) (MessageHandler, bool) {
	a.handlerMu.RLock()
	defer a.handlerMu.RUnlock()
	if h, ok := a.handlers[source]; ok {
		return h, true
	}
	if a.defaultHandler != nil {
		return a.defaultHandler, true
	}
	return nil, false
}
