package secrets

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
	"github.com/frostdev-ops/pywatt-sdk/redact"
)

// fakeTransport records sent control messages and can auto-answer
// GetSecret requests like an orchestrator would.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []*ipc.ModuleToOrchestrator
	answer func(name string) *ipc.SecretValueResponse
	client *Client
}

func (f *fakeTransport) Send(msg *ipc.ModuleToOrchestrator) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	answer := f.answer
	client := f.client
	f.mu.Unlock()

	if msg.GetSecret != nil && answer != nil && client != nil {
		if resp := answer(msg.GetSecret.Name); resp != nil {
			go client.HandleSecret(resp)
		}
	}
	return nil
}

func (f *fakeTransport) requests(kind string) []*ipc.ModuleToOrchestrator {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ipc.ModuleToOrchestrator
	for _, m := range f.sent {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeTransport, *redact.Registry) {
	t.Helper()
	reg := redact.NewRegistry()
	ft := &fakeTransport{}
	log := logging.New(&bytes.Buffer{}, logging.LevelError)
	opts = append([]Option{WithRegistry(reg)}, opts...)
	c := New(ft, log, opts...)
	ft.client = c
	t.Cleanup(c.Close)
	return c, ft, reg
}

func TestGetRemoteFetchAndCache(t *testing.T) {
	c, ft, reg := newTestClient(t)
	ft.answer = func(name string) *ipc.SecretValueResponse {
		return &ipc.SecretValueResponse{Name: name, Value: "postgres://u:p@h/db"}
	}

	s, err := c.Get(context.Background(), "DATABASE_URL", CacheThenRemote)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Value() != "postgres://u:p@h/db" {
		t.Fatalf("value = %q", s.Value())
	}

	// Redaction registered before the value was returned.
	if got := reg.Redact("dsn is postgres://u:p@h/db"); !strings.Contains(got, redact.Placeholder) {
		t.Fatalf("secret not registered for redaction: %q", got)
	}

	// Second get is served from cache: still exactly one request.
	if _, err := c.Get(context.Background(), "DATABASE_URL", CacheThenRemote); err != nil {
		t.Fatal(err)
	}
	if n := len(ft.requests("GetSecret")); n != 1 {
		t.Fatalf("expected 1 GetSecret request, got %d", n)
	}
}

func TestGetCacheOnly(t *testing.T) {
	c, ft, _ := newTestClient(t)

	if _, err := c.Get(context.Background(), "MISSING", CacheOnly); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := len(ft.requests("GetSecret")); n != 0 {
		t.Fatalf("CacheOnly must never hit the wire, sent %d", n)
	}

	c.HandleSecret(&ipc.SecretValueResponse{Name: "MISSING", Value: "now-present"})
	s, err := c.Get(context.Background(), "MISSING", CacheOnly)
	if err != nil || s.Value() != "now-present" {
		t.Fatalf("got %q, %v", s.Value(), err)
	}
}

func TestGetForceRemoteReplacesCache(t *testing.T) {
	c, ft, reg := newTestClient(t)
	value := "value-one-secret"
	ft.answer = func(name string) *ipc.SecretValueResponse {
		return &ipc.SecretValueResponse{Name: name, Value: value}
	}

	if _, err := c.Get(context.Background(), "K", CacheThenRemote); err != nil {
		t.Fatal(err)
	}

	value = "value-two-secret"
	s, err := c.Get(context.Background(), "K", ForceRemote)
	if err != nil {
		t.Fatal(err)
	}
	if s.Value() != "value-two-secret" {
		t.Fatalf("value = %q", s.Value())
	}
	if n := len(ft.requests("GetSecret")); n != 2 {
		t.Fatalf("ForceRemote must refetch, sent %d", n)
	}

	// Predecessor unregistered, replacement registered.
	if got := reg.Redact("old value-one-secret"); strings.Contains(got, redact.Placeholder) {
		t.Fatalf("old value still redacted: %q", got)
	}
	if got := reg.Redact("new value-two-secret"); !strings.Contains(got, redact.Placeholder) {
		t.Fatalf("new value not redacted: %q", got)
	}
}

func TestGetTimeout(t *testing.T) {
	c, _, _ := newTestClient(t, WithTimeout(30*time.Millisecond))
	// No answer configured: the orchestrator stays silent.

	start := time.Now()
	_, err := c.Get(context.Background(), "SILENT", CacheThenRemote)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestConcurrentGetsShareOneRequest(t *testing.T) {
	c, ft, _ := newTestClient(t)

	release := make(chan struct{})
	ft.answer = func(name string) *ipc.SecretValueResponse {
		<-release
		return &ipc.SecretValueResponse{Name: name, Value: "shared-value"}
	}

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "SHARED", CacheThenRemote)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if n := len(ft.requests("GetSecret")); n != 1 {
		t.Fatalf("concurrent gets must share one in-flight request, sent %d", n)
	}
}

func TestRotationInvalidatesAndAcks(t *testing.T) {
	c, ft, _ := newTestClient(t)
	ft.answer = func(name string) *ipc.SecretValueResponse {
		return &ipc.SecretValueResponse{Name: name, Value: "initial-value"}
	}

	if _, err := c.Get(context.Background(), "DATABASE_URL", CacheThenRemote); err != nil {
		t.Fatal(err)
	}

	events, cancel := c.Subscribe()
	defer cancel()

	c.HandleRotated(&ipc.RotatedNotification{Keys: []string{"DATABASE_URL"}, RotationID: "r1"})

	select {
	case ev := <-events:
		if ev.RotationID != "r1" || len(ev.Keys) != 1 || ev.Keys[0] != "DATABASE_URL" {
			t.Fatalf("event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("rotation event never delivered")
	}

	acks := ft.requests("RotationAck")
	if len(acks) != 1 {
		t.Fatalf("expected 1 RotationAck, got %d", len(acks))
	}
	if ack := acks[0].RotationAck; ack.RotationID != "r1" || ack.Status != ipc.RotationStatusOK {
		t.Fatalf("ack %+v", ack)
	}

	// The invalidated key must refetch on next get.
	if c.Cached("DATABASE_URL") {
		t.Fatal("rotated key still cached")
	}
	if _, err := c.Get(context.Background(), "DATABASE_URL", CacheThenRemote); err != nil {
		t.Fatal(err)
	}
	if n := len(ft.requests("GetSecret")); n != 2 {
		t.Fatalf("expected fresh GetSecret after rotation, total %d", n)
	}
}

func TestRotationEventOrder(t *testing.T) {
	c, _, _ := newTestClient(t)
	events, cancel := c.Subscribe()
	defer cancel()

	for i, id := range []string{"r1", "r2", "r3"} {
		c.HandleRotated(&ipc.RotatedNotification{Keys: []string{"K"}, RotationID: id})
		_ = i
	}
	for _, want := range []string{"r1", "r2", "r3"} {
		select {
		case ev := <-events:
			if ev.RotationID != want {
				t.Fatalf("out of order: got %s want %s", ev.RotationID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %s missing", want)
		}
	}
}

func TestCloseWipesAndRejects(t *testing.T) {
	c, ft, _ := newTestClient(t)
	ft.answer = func(name string) *ipc.SecretValueResponse {
		return &ipc.SecretValueResponse{Name: name, Value: "to-be-wiped"}
	}
	if _, err := c.Get(context.Background(), "K", CacheThenRemote); err != nil {
		t.Fatal(err)
	}

	c.Close()
	if _, err := c.Get(context.Background(), "K", CacheThenRemote); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEmptyName(t *testing.T) {
	c, _, _ := newTestClient(t)
	if _, err := c.Get(context.Background(), "", CacheThenRemote); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}
