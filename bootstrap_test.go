package pywatt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/frostdev-ops/pywatt-sdk/httpipc"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
	"github.com/frostdev-ops/pywatt-sdk/ports"
	"github.com/frostdev-ops/pywatt-sdk/redact"
	"github.com/frostdev-ops/pywatt-sdk/secrets"
)

// syncBuffer is a goroutine-safe bytes.Buffer for captured stderr.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// testOrch drives a module through stdio pipes like the orchestrator
// would.
type testOrch struct {
	t      *testing.T
	stdinW io.WriteCloser
	lines  chan string
	stderr *syncBuffer
}

const defaultInitLine = `{"orchestrator_api":"http://orch.local","module_id":"m1","env":{},"listen":{"tcp":"127.0.0.1:0"},"security_level":"None"}`

// startModule boots a module against a fake orchestrator. initLine
// empty means the default handshake.
func startModule(t *testing.T, initLine string, opts ...Option) (*AppState, *Handle, *testOrch) {
	t.Helper()
	if initLine == "" {
		initLine = defaultInitLine
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderr := &syncBuffer{}

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(stdoutR)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	go fmt.Fprintln(stdinW, initLine)

	baseOpts := []Option{
		WithStdio(stdinR, stdoutW),
		WithLogOutput(stderr),
		WithRedactionRegistry(redact.NewRegistry()),
		WithoutSignals(),
		WithShutdownTimeout(2 * time.Second),
	}
	app, handle, err := InitModule(context.Background(), append(baseOpts, opts...)...)
	if err != nil {
		t.Fatalf("InitModule: %v", err)
	}

	orch := &testOrch{t: t, stdinW: stdinW, lines: lines, stderr: stderr}
	t.Cleanup(func() {
		handle.Shutdown()
		stdinW.Close() // EOF unblocks the stdio loop
		handle.Wait()
		stdoutW.Close()
	})
	return app, handle, orch
}

// send writes one protocol line to the module's stdin.
func (o *testOrch) send(line string) {
	o.t.Helper()
	if _, err := fmt.Fprintln(o.stdinW, line); err != nil {
		o.t.Fatalf("send %q: %v", line, err)
	}
}

// nextLine waits for the module's next stdout line.
func (o *testOrch) nextLine(timeout time.Duration) string {
	o.t.Helper()
	select {
	case line, ok := <-o.lines:
		if !ok {
			o.t.Fatal("stdout closed")
		}
		return line
	case <-time.After(timeout):
		o.t.Fatal("timed out waiting for stdout line")
		return ""
	}
}

// waitFor keeps reading stdout until a line of the wanted kind shows up.
func (o *testOrch) waitFor(kind string, timeout time.Duration) *ipc.ModuleToOrchestrator {
	o.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		line := o.nextLine(remaining)
		var msg ipc.ModuleToOrchestrator
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			o.t.Fatalf("stdout line %q is not a module message: %v", line, err)
		}
		if msg.Kind() == kind {
			return &msg
		}
	}
	o.t.Fatalf("no %s message observed", kind)
	return nil
}

func TestHappyHandshake(t *testing.T) {
	endpoints := []ipc.EndpointAnnounce{
		{Path: "/health", Methods: []string{"GET"}},
		{Path: "/items", Methods: []string{"GET", "POST"}, Auth: "bearer"},
	}
	_, _, orch := startModule(t, "", WithDirectHTTP(), WithEndpoints(endpoints...))

	msg := orch.waitFor("Announce", 2*time.Second)
	blob := msg.Announce
	host, port, err := net.SplitHostPort(blob.Listen)
	if err != nil {
		t.Fatalf("announce listen %q is not a TCP address: %v", blob.Listen, err)
	}
	if host != "127.0.0.1" || port == "0" || port == "" {
		t.Fatalf("announce listen %q is not bound", blob.Listen)
	}
	if len(blob.Endpoints) != 2 || blob.Endpoints[0].Path != "/health" || blob.Endpoints[1].Auth != "bearer" {
		t.Fatalf("endpoints %+v", blob.Endpoints)
	}

	// No intervening stdout bytes: nothing but protocol lines may appear.
	select {
	case extra, ok := <-orch.lines:
		if ok {
			t.Fatalf("unexpected extra stdout line %q", extra)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandshakeFailureExitCode(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	go fmt.Fprintln(stdinW, "this is not an init blob")

	_, _, err := InitModule(context.Background(),
		WithStdio(stdinR, &bytes.Buffer{}),
		WithLogOutput(&syncBuffer{}),
		WithRedactionRegistry(redact.NewRegistry()),
		WithoutSignals(),
	)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if code := ExitCode(err); code != ExitHandshakeFailed {
		t.Fatalf("exit code %d, want %d", code, ExitHandshakeFailed)
	}
}

func TestSecretRoundTripWithRedaction(t *testing.T) {
	app, _, orch := startModule(t, "")
	orch.waitFor("Announce", 2*time.Second)

	type result struct {
		value string
		err   error
	}
	got := make(chan result, 1)
	go func() {
		s, err := app.Secrets().Get(context.Background(), "DATABASE_URL", secrets.CacheThenRemote)
		got <- result{value: s.Value(), err: err}
	}()

	req := orch.waitFor("GetSecret", 2*time.Second)
	if req.GetSecret.Name != "DATABASE_URL" {
		t.Fatalf("request %+v", req.GetSecret)
	}
	orch.send(`{"Secret":{"name":"DATABASE_URL","value":"postgres://u:p@h/db"}}`)

	res := <-got
	if res.err != nil {
		t.Fatalf("Get: %v", res.err)
	}
	if res.value != "postgres://u:p@h/db" {
		t.Fatalf("value %q", res.value)
	}

	app.Logger().Infof("connecting to %s", res.value)

	deadline := time.Now().Add(2 * time.Second)
	for {
		logs := orch.stderr.String()
		if strings.Contains(logs, "connecting to [REDACTED]") {
			if strings.Contains(logs, "u:p@h") {
				t.Fatalf("password leaked to stderr: %q", logs)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("redacted line never appeared, stderr: %q", logs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRotationAcknowledgement(t *testing.T) {
	app, _, orch := startModule(t, "")
	orch.waitFor("Announce", 2*time.Second)

	// Prime the cache.
	go app.Secrets().Get(context.Background(), "DATABASE_URL", secrets.CacheThenRemote)
	orch.waitFor("GetSecret", 2*time.Second)
	orch.send(`{"Secret":{"name":"DATABASE_URL","value":"postgres://u:p@h/db"}}`)

	events, cancel := app.Secrets().Subscribe()
	defer cancel()

	orch.send(`{"Rotated":{"keys":["DATABASE_URL"],"rotation_id":"r1"}}`)

	select {
	case ev := <-events:
		if ev.RotationID != "r1" {
			t.Fatalf("event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rotation event never observed")
	}

	ack := orch.waitFor("RotationAck", 2*time.Second)
	if ack.RotationAck.RotationID != "r1" || ack.RotationAck.Status != "ok" {
		t.Fatalf("ack %+v", ack.RotationAck)
	}

	// The next get must hit the wire again.
	go app.Secrets().Get(context.Background(), "DATABASE_URL", secrets.CacheThenRemote)
	fresh := orch.waitFor("GetSecret", 2*time.Second)
	if fresh.GetSecret.Name != "DATABASE_URL" {
		t.Fatalf("fresh request %+v", fresh.GetSecret)
	}
	orch.send(`{"Secret":{"name":"DATABASE_URL","value":"postgres://u:p2@h/db"}}`)
}

func TestCorrelatedPeerRequest(t *testing.T) {
	app, _, orch := startModule(t, "")
	orch.waitFor("Announce", 2*time.Second)

	type result struct {
		raw json.RawMessage
		err error
	}
	got := make(chan result, 1)
	go func() {
		raw, err := app.SendRequest(context.Background(), "peer", "/ping", map[string]any{}, time.Second)
		got <- result{raw: raw, err: err}
	}()

	req := orch.waitFor("InternalRequest", 2*time.Second)
	if req.InternalRequest.TargetModuleID != "peer" || req.InternalRequest.Endpoint != "/ping" {
		t.Fatalf("request %+v", req.InternalRequest)
	}
	id := req.InternalRequest.RequestID
	orch.send(fmt.Sprintf(`{"RoutedModuleResponse":{"request_id":"%s","result":{"pong":true}}}`, id))

	res := <-got
	if res.err != nil {
		t.Fatalf("SendRequest: %v", res.err)
	}
	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := json.Unmarshal(res.raw, &pong); err != nil || !pong.Pong {
		t.Fatalf("result %s, %v", res.raw, err)
	}

	// A late duplicate response is dropped silently.
	orch.send(fmt.Sprintf(`{"RoutedModuleResponse":{"request_id":"%s","result":{"pong":false}}}`, id))
	time.Sleep(100 * time.Millisecond)
}

func TestPeerRequestApplicationError(t *testing.T) {
	app, _, orch := startModule(t, "")
	orch.waitFor("Announce", 2*time.Second)

	got := make(chan error, 1)
	go func() {
		_, err := app.SendRequest(context.Background(), "peer", "/boom", nil, time.Second)
		got <- err
	}()

	req := orch.waitFor("InternalRequest", 2*time.Second)
	orch.send(fmt.Sprintf(`{"RoutedModuleResponse":{"request_id":"%s","error":"kaboom"}}`, req.InternalRequest.RequestID))

	err := <-got
	var appErr *ApplicationError
	if !errors.As(err, &appErr) || appErr.Message != "kaboom" {
		t.Fatalf("expected application error, got %v", err)
	}
}

func TestPeerRequestTimeout(t *testing.T) {
	app, _, orch := startModule(t, "")
	orch.waitFor("Announce", 2*time.Second)

	_, err := app.SendRequest(context.Background(), "peer", "/slow", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRoutedMessageDispatch(t *testing.T) {
	handler := func(ctx context.Context, source, requestID string, payload json.RawMessage) (any, error) {
		var in struct {
			X int `json:"x"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return map[string]int{"y": in.X * 2}, nil
	}
	_, _, orch := startModule(t, "", WithMessageHandler("peer", handler))
	orch.waitFor("Announce", 2*time.Second)

	orch.send(`{"RoutedModuleMessage":{"source_module_id":"peer","request_id":"rq1","payload":{"x":21}}}`)

	resp := orch.waitFor("RoutedModuleResponse", 2*time.Second)
	if resp.RoutedModuleResponse.RequestID != "rq1" {
		t.Fatalf("response %+v", resp.RoutedModuleResponse)
	}
	var out struct {
		Y int `json:"y"`
	}
	if err := json.Unmarshal(resp.RoutedModuleResponse.Result, &out); err != nil || out.Y != 42 {
		t.Fatalf("result %s, %v", resp.RoutedModuleResponse.Result, err)
	}
}

func TestRoutedMessageNoHandler(t *testing.T) {
	_, _, orch := startModule(t, "")
	orch.waitFor("Announce", 2*time.Second)

	orch.send(`{"RoutedModuleMessage":{"source_module_id":"stranger","request_id":"rq9","payload":{}}}`)

	resp := orch.waitFor("RoutedModuleResponse", 2*time.Second)
	if resp.RoutedModuleResponse.Error == "" {
		t.Fatalf("expected error response, got %+v", resp.RoutedModuleResponse)
	}
}

func TestHTTPOverIPCForwarding(t *testing.T) {
	handler := httpipc.HandlerFunc(func(ctx context.Context, req *ipc.IpcHttpRequest) (*ipc.IpcHttpResponse, error) {
		return &ipc.IpcHttpResponse{
			StatusCode: 200,
			Headers:    map[string]string{"content-type": "text/plain"},
			Body:       []byte("ok"),
		}, nil
	})
	_, _, orch := startModule(t, "", WithIpcHTTP(handler))
	orch.waitFor("Announce", 2*time.Second)

	orch.send(`{"HttpRequest":{"request_id":"r","method":"GET","uri":"/health","headers":{}}}`)

	resp := orch.waitFor("HttpResponse", 2*time.Second)
	hr := resp.HttpResponse
	if hr.RequestID != "r" || hr.StatusCode != 200 || string(hr.Body) != "ok" {
		t.Fatalf("http response %+v", hr)
	}
}

func TestHeartbeatAck(t *testing.T) {
	_, _, orch := startModule(t, "")
	orch.waitFor("Announce", 2*time.Second)

	orch.send(`{"Heartbeat":{}}`)
	orch.waitFor("HeartbeatAck", 2*time.Second)
}

func TestShutdownMessage(t *testing.T) {
	_, handle, orch := startModule(t, "")
	orch.waitFor("Announce", 2*time.Second)

	orch.send(`{"Shutdown":{}}`)

	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}

func TestMalformedLinesDoNotKillModule(t *testing.T) {
	_, _, orch := startModule(t, "")
	orch.waitFor("Announce", 2*time.Second)

	orch.send("garbage that is not json")
	orch.send(`{"FutureKind":{"v":2}}`)
	orch.send(`{"Heartbeat":{}}`)

	orch.waitFor("HeartbeatAck", 2*time.Second)
}

func TestWithoutHandshakeTestMode(t *testing.T) {
	t.Setenv(EnvModuleID, "test-mod")

	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()

	app, handle, err := InitModule(context.Background(),
		WithoutHandshake(),
		WithStdio(stdinR, &bytes.Buffer{}),
		WithLogOutput(&syncBuffer{}),
		WithRedactionRegistry(redact.NewRegistry()),
		WithoutSignals(),
		WithShutdownTimeout(time.Second),
	)
	if err != nil {
		t.Fatalf("InitModule: %v", err)
	}
	defer func() {
		handle.Shutdown()
		stdinW.Close()
		handle.Wait()
	}()

	if app.ModuleID() != "test-mod" {
		t.Fatalf("module id %q", app.ModuleID())
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{fmt.Errorf("wrap: %w", ipc.ErrHandshake), ExitHandshakeFailed},
		{ErrNoChannelsAvailable, ExitNoChannels},
		{&RequiredChannelError{}, ExitNoChannels},
		{fmt.Errorf("%w: boom", ErrAnnounceFailed), ExitAnnounceFailed},
		{fmt.Errorf("anything else"), ExitInternal},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestPreallocatedPortFromEnvBypassesNegotiation(t *testing.T) {
	// A port of 0 in PYWATT_PORT is "unset"; pick a real free one.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, portStr, _ := net.SplitHostPort(probe.Addr().String())
	probe.Close()

	initLine := fmt.Sprintf(`{"orchestrator_api":"x","module_id":"m1","env":{"PYWATT_PORT":"%s"},"listen":{"unix":"/tmp/m1.sock"},"security_level":"None"}`, portStr)
	_, _, orch := startModule(t, initLine, WithDirectHTTP(), WithPortConfig(ports.Config{
		OverallTimeout: 100 * time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
	}))

	msg := orch.waitFor("Announce", 2*time.Second)
	if !strings.HasSuffix(msg.Announce.Listen, ":"+portStr) {
		t.Fatalf("announce listen %q, want port %s", msg.Announce.Listen, portStr)
	}
}
