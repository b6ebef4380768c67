// Package ports negotiates a TCP port with the orchestrator over the
// stdio control plane, guarded by a circuit breaker with a random
// dynamic-range fallback.
package ports

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
)

// Dynamic port range used for fallback allocation.
const (
	FallbackRangeStart uint16 = 49152
	FallbackRangeEnd   uint16 = 65535
)

// fallbackProbes bounds how many random ports are tried for bindability.
const fallbackProbes = 32

var (
	// ErrBreakerOpen reports that negotiation was short-circuited.
	ErrBreakerOpen = errors.New("ports: circuit breaker open")
	// ErrNoPortAvailable means even the fallback range yielded nothing.
	ErrNoPortAvailable = errors.New("ports: no port available")
	// ErrNegotiationFailed wraps an orchestrator-side refusal.
	ErrNegotiationFailed = errors.New("ports: negotiation failed")
)

// Transport sends control messages toward the orchestrator.
type Transport interface {
	Send(msg *ipc.ModuleToOrchestrator) error
}

// Allocation is the outcome of Negotiate. Unadvertised ports came from
// the local fallback range and are unknown to the orchestrator.
type Allocation struct {
	Port         uint16
	Unadvertised bool
}

// Config tunes deadlines and the breaker. Zero values take defaults.
type Config struct {
	// PreallocatedPort bypasses negotiation entirely (PYWATT_PORT).
	PreallocatedPort uint16
	OverallTimeout   time.Duration // default 10s
	AttemptTimeout   time.Duration // default 3s
	InitialBackoff   time.Duration // default 250ms
	MaxBackoff       time.Duration // default 4s
	BreakerWindow    time.Duration // default 60s
	BreakerOpenFor   time.Duration // default 30s
}

func (c *Config) defaults() {
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 10 * time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 3 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 4 * time.Second
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = time.Minute
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 30 * time.Second
	}
}

// Negotiator issues port requests and matches their responses.
type Negotiator struct {
	transport Transport
	log       *logging.Logger
	cfg       Config
	breaker   *gobreaker.CircuitBreaker[uint16]

	mu      sync.Mutex
	pending map[string]chan *ipc.PortResponse
}

// New builds a negotiator with its own breaker state.
func New(transport Transport, log *logging.Logger, cfg Config) *Negotiator {
	cfg.defaults()
	n := &Negotiator{
		transport: transport,
		log:       log,
		cfg:       cfg,
		pending:   make(map[string]chan *ipc.PortResponse),
	}
	n.breaker = gobreaker.NewCircuitBreaker[uint16](gobreaker.Settings{
		Name:        "port-negotiation",
		MaxRequests: 1,
		Interval:    cfg.BreakerWindow,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("ports: breaker %s -> %s", from, to)
		},
	})
	return n
}

// Negotiate obtains a TCP port: the preallocated one when configured,
// an orchestrator-assigned one when negotiation succeeds, or a random
// bindable port from the dynamic range flagged unadvertised.
func (n *Negotiator) Negotiate(ctx context.Context, specificPort *uint16) (Allocation, error) {
	if n.cfg.PreallocatedPort != 0 {
		return Allocation{Port: n.cfg.PreallocatedPort}, nil
	}

	port, err := n.breaker.Execute(func() (uint16, error) {
		return n.negotiateWithRetries(ctx, specificPort)
	})
	if err == nil {
		return Allocation{Port: port}, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		n.log.Warnf("ports: %v, using fallback range", ErrBreakerOpen)
	} else {
		n.log.Warnf("ports: negotiation failed (%v), using fallback range", err)
	}
	return n.fallback()
}

// negotiateWithRetries runs up to three attempts under the overall
// deadline. With the default config the attempts are spaced 250ms and
// then 1s apart (the interval grows fourfold, capped at MaxBackoff).
func (n *Negotiator) negotiateWithRetries(ctx context.Context, specificPort *uint16) (uint16, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.OverallTimeout)
	defer cancel()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = n.cfg.InitialBackoff
	expo.Multiplier = 4
	expo.MaxInterval = n.cfg.MaxBackoff
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = n.cfg.OverallTimeout

	var port uint16
	operation := func() error {
		p, err := n.attempt(ctx, specificPort)
		if err != nil {
			return err
		}
		port = p
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(expo, 2), ctx)); err != nil {
		return 0, err
	}
	return port, nil
}

// attempt sends one PortRequest and waits for its correlated response.
func (n *Negotiator) attempt(ctx context.Context, specificPort *uint16) (uint16, error) {
	id := uuid.NewString()
	ch := make(chan *ipc.PortResponse, 1)

	n.mu.Lock()
	n.pending[id] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, id)
		n.mu.Unlock()
	}()

	msg := &ipc.ModuleToOrchestrator{PortRequest: &ipc.PortRequest{RequestID: id, SpecificPort: specificPort}}
	if err := n.transport.Send(msg); err != nil {
		return 0, fmt.Errorf("ports: send request: %w", err)
	}

	timer := time.NewTimer(n.cfg.AttemptTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return 0, fmt.Errorf("%w: %s", ErrNegotiationFailed, resp.Error)
		}
		if resp.Port == 0 {
			return 0, fmt.Errorf("%w: response without port", ErrNegotiationFailed)
		}
		return resp.Port, nil
	case <-timer.C:
		return 0, fmt.Errorf("ports: request %s timed out", id)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// HandleResponse delivers a PortResponse to its waiting request. Late
// or unknown responses are dropped. Called by the dispatch loop.
func (n *Negotiator) HandleResponse(resp *ipc.PortResponse) {
	if resp == nil {
		return
	}
	n.mu.Lock()
	ch, ok := n.pending[resp.RequestID]
	if ok {
		delete(n.pending, resp.RequestID)
	}
	n.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// fallback picks a random bindable port from the dynamic range.
func (n *Negotiator) fallback() (Allocation, error) {
	span := int(FallbackRangeEnd) - int(FallbackRangeStart) + 1
	for i := 0; i < fallbackProbes; i++ {
		port := FallbackRangeStart + uint16(rand.IntN(span))
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
		if err != nil {
			continue
		}
		ln.Close()
		return Allocation{Port: port, Unadvertised: true}, nil
	}
	return Allocation{}, ErrNoPortAvailable
}
