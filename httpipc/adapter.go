// Package httpipc delivers HTTP requests tunneled over a control
// channel to a user router and returns the matching responses, with
// per-adapter metrics and bounded queueing.
package httpipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
)

// queueCapacity bounds the inbound request queue.
const queueCapacity = 1024

// enqueueWindow is how long Dispatch may block on a full queue before
// reporting backpressure.
const enqueueWindow = 100 * time.Millisecond

// responseWriteRetries is the number of write retries after the first
// failed attempt, spaced 50/150/450ms.
const responseWriteRetries = 3

// ErrBackpressure reports a full inbound queue.
var ErrBackpressure = errors.New("httpipc: inbound queue full")

// ReplyFunc writes a response back on the channel the request came in
// on. The dispatch loop binds one per inbound request.
type ReplyFunc func(resp *ipc.IpcHttpResponse) error

// Handler processes one tunneled request. Implementations may block;
// each adapter consumer runs them sequentially.
type Handler interface {
	Handle(ctx context.Context, req *ipc.IpcHttpRequest) (*ipc.IpcHttpResponse, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *ipc.IpcHttpRequest) (*ipc.IpcHttpResponse, error)

func (f HandlerFunc) Handle(ctx context.Context, req *ipc.IpcHttpRequest) (*ipc.IpcHttpResponse, error) {
	return f(ctx, req)
}

type inbound struct {
	req   *ipc.IpcHttpRequest
	reply ReplyFunc
}

// Adapter is the pub-sub seam between channel dispatch loops and the
// user router.
type Adapter struct {
	queue   chan inbound
	metrics *Metrics
	log     *logging.Logger
}

// NewAdapter builds an adapter with the default queue size.
func NewAdapter(log *logging.Logger) *Adapter {
	return &Adapter{
		queue:   make(chan inbound, queueCapacity),
		metrics: newMetrics(),
		log:     log,
	}
}

// Dispatch enqueues an inbound request together with the reply path of
// the channel it arrived on. A queue that stays full past the
// backpressure window rejects the request and counts an error.
func (a *Adapter) Dispatch(req *ipc.IpcHttpRequest, reply ReplyFunc) error {
	if req == nil || req.RequestID == "" {
		return errors.New("httpipc: request without id")
	}
	a.metrics.requestReceived()
	select {
	case a.queue <- inbound{req: req, reply: reply}:
		return nil
	default:
	}

	timer := time.NewTimer(enqueueWindow)
	defer timer.Stop()
	select {
	case a.queue <- inbound{req: req, reply: reply}:
		return nil
	case <-timer.C:
		a.metrics.errorOccurred()
		return ErrBackpressure
	}
}

// Serve consumes the queue with h until ctx is cancelled. The response
// always echoes the originating request id; write failures are retried
// before the request is counted lost.
func (a *Adapter) Serve(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-a.queue:
			a.handleOne(ctx, h, in)
		}
	}
}

func (a *Adapter) handleOne(ctx context.Context, h Handler, in inbound) {
	start := time.Now()

	resp, err := h.Handle(ctx, in.req)
	if err != nil {
		a.log.Warnf("httpipc: handler for %s %s: %v", in.req.Method, in.req.URI, err)
		resp = &ipc.IpcHttpResponse{
			StatusCode: 500,
			Headers:    map[string]string{"content-type": "text/plain"},
			Body:       []byte("internal error"),
		}
	}
	if resp == nil {
		resp = &ipc.IpcHttpResponse{StatusCode: 204, Headers: map[string]string{}}
	}
	resp.RequestID = in.req.RequestID

	if err := a.writeResponse(in.reply, resp); err != nil {
		a.metrics.errorOccurred()
		a.log.Warnf("httpipc: response for request %s lost: %v", in.req.RequestID, err)
		return
	}
	a.metrics.responseSent(time.Since(start))
}

// writeResponse retries transient reply failures at 50/150/450ms.
func (a *Adapter) writeResponse(reply ReplyFunc, resp *ipc.IpcHttpResponse) error {
	if reply == nil {
		return errors.New("httpipc: no reply path")
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.Multiplier = 3
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0

	operation := func() error {
		if err := reply(resp); err != nil {
			return fmt.Errorf("httpipc: write response: %w", err)
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithMaxRetries(expo, responseWriteRetries))
}

// Metrics returns a snapshot of the adapter counters.
func (a *Adapter) Metrics() Snapshot {
	return a.metrics.snapshot()
}
