// Package secrets fetches, caches, and rotates orchestrator-provided
// secrets. Every value handed to a caller is registered for log
// redaction first; replaced values are wiped and unregistered.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"

	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
	"github.com/frostdev-ops/pywatt-sdk/redact"
)

// Mode selects where Get looks for a value.
type Mode int

const (
	// CacheThenRemote serves from cache, falling back to a remote fetch.
	CacheThenRemote Mode = iota
	// ForceRemote always fetches and replaces the cache entry.
	ForceRemote
	// CacheOnly never touches the wire.
	CacheOnly
)

// fetchTimeout is the deadline for one remote secret request.
const fetchTimeout = 5 * time.Second

var (
	// ErrNotFound means the secret is absent from cache in CacheOnly mode.
	ErrNotFound = errors.New("secrets: not found")
	// ErrTimeout means the orchestrator did not answer within the deadline.
	ErrTimeout = errors.New("secrets: request timed out")
	// ErrClosed means the client has shut down.
	ErrClosed = errors.New("secrets: client closed")
	// ErrEmptyName rejects the empty secret name.
	ErrEmptyName = errors.New("secrets: empty secret name")
)

// Transport sends control messages toward the orchestrator.
type Transport interface {
	Send(msg *ipc.ModuleToOrchestrator) error
}

// Secret is a fetched value. The raw value is exposed explicitly so it
// never leaks through accidental formatting.
type Secret struct {
	name  string
	value string
}

func (s Secret) Name() string { return s.name }

// Value returns the sensitive string. It is registered for redaction
// before any caller sees it.
func (s Secret) Value() string { return s.value }

// String implements fmt.Stringer without exposing the value.
func (s Secret) String() string { return fmt.Sprintf("Secret(%s)", s.name) }

// RotationEvent notifies subscribers that keys were rotated.
type RotationEvent struct {
	Keys       []string
	RotationID string
}

type entry struct {
	value      []byte
	rotationID string
	fetchedAt  time.Time
}

type fetchResult struct {
	value string
	err   error
}

// Client is the module-side secret cache bound to a control transport.
type Client struct {
	transport Transport
	registry  *redact.Registry
	log       *logging.Logger
	timeout   time.Duration

	mu      sync.RWMutex
	cache   map[string]*entry
	waiters map[string][]chan fetchResult
	subs    map[int]*subscription
	nextSub int
	closed  bool

	sf singleflight.Group
}

// Option customises the client.
type Option func(*Client)

// WithRegistry overrides the redaction registry (tests use a private one).
func WithRegistry(r *redact.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithTimeout overrides the remote fetch deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New builds a client sending requests through transport.
func New(transport Transport, log *logging.Logger, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		registry:  redact.Global(),
		log:       log,
		timeout:   fetchTimeout,
		cache:     make(map[string]*entry),
		waiters:   make(map[string][]chan fetchResult),
		subs:      make(map[int]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the secret called name according to mode.
func (c *Client) Get(ctx context.Context, name string, mode Mode) (Secret, error) {
	if name == "" {
		return Secret{}, ErrEmptyName
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return Secret{}, ErrClosed
	}
	cached, ok := c.cache[name]
	var cachedValue string
	if ok {
		cachedValue = string(cached.value)
	}
	c.mu.RUnlock()

	switch mode {
	case CacheOnly:
		if !ok {
			return Secret{}, ErrNotFound
		}
		return Secret{name: name, value: cachedValue}, nil
	case CacheThenRemote:
		if ok {
			return Secret{name: name, value: cachedValue}, nil
		}
	case ForceRemote:
	default:
		return Secret{}, fmt.Errorf("secrets: unknown mode %d", mode)
	}
	return c.fetch(ctx, name)
}

// fetch issues at most one in-flight request per name; concurrent
// callers share the result.
func (c *Client) fetch(ctx context.Context, name string) (Secret, error) {
	v, err, _ := c.sf.Do(name, func() (any, error) {
		waiter := make(chan fetchResult, 1)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		c.waiters[name] = append(c.waiters[name], waiter)
		c.mu.Unlock()

		msg := &ipc.ModuleToOrchestrator{GetSecret: &ipc.GetSecretRequest{Name: name}}
		if err := c.transport.Send(msg); err != nil {
			c.dropWaiter(name, waiter)
			return nil, fmt.Errorf("secrets: request %s: %w", name, err)
		}

		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		select {
		case res := <-waiter:
			if res.err != nil {
				return nil, res.err
			}
			return res.value, nil
		case <-timer.C:
			c.dropWaiter(name, waiter)
			return nil, ErrTimeout
		case <-ctx.Done():
			c.dropWaiter(name, waiter)
			return nil, ctx.Err()
		}
	})
	if err != nil {
		return Secret{}, err
	}
	return Secret{name: name, value: v.(string)}, nil
}

func (c *Client) dropWaiter(name string, waiter chan fetchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[name]
	for i, w := range list {
		if w == waiter {
			c.waiters[name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(c.waiters[name]) == 0 {
		delete(c.waiters, name)
	}
}

// HandleSecret stores a value delivered by the orchestrator, registers
// it for redaction, wipes and unregisters its predecessor, and wakes
// every waiter. Called by the dispatch loop.
func (c *Client) HandleSecret(resp *ipc.SecretValueResponse) {
	if resp == nil || resp.Name == "" {
		return
	}
	// Register before any caller can observe the value.
	c.registry.Register(resp.Value)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if old, ok := c.cache[resp.Name]; ok {
		if string(old.value) != resp.Value {
			c.registry.Unregister(string(old.value))
		}
		memguard.WipeBytes(old.value)
	}
	c.cache[resp.Name] = &entry{
		value:      []byte(resp.Value),
		rotationID: resp.RotationID,
		fetchedAt:  time.Now(),
	}
	waiters := c.waiters[resp.Name]
	delete(c.waiters, resp.Name)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- fetchResult{value: resp.Value}
	}
}

// Close wipes the cache and tears down subscribers and waiters.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for name, e := range c.cache {
		memguard.WipeBytes(e.value)
		delete(c.cache, name)
	}
	waiters := c.waiters
	c.waiters = make(map[string][]chan fetchResult)
	subs := c.subs
	c.subs = make(map[int]*subscription)
	c.mu.Unlock()

	for _, list := range waiters {
		for _, w := range list {
			w <- fetchResult{err: ErrClosed}
		}
	}
	for _, sub := range subs {
		sub.close()
	}
}

// Cached reports whether name currently has a cached value.
func (c *Client) Cached(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.cache[name]
	return ok
}
