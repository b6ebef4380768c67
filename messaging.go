package pywatt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/frostdev-ops/pywatt-sdk/internal/correlator"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
)

// targetNotFoundError is the orchestrator's error string for an unknown
// target module.
const targetNotFoundError = "target_not_found"

// defaultRequestTimeout applies when SendRequest gets a zero timeout.
const defaultRequestTimeout = 30 * time.Second

// SendRequest routes a typed request to a peer module via the
// orchestrator and waits for the correlated response. The returned raw
// JSON is the peer's result payload.
func (a *AppState) SendRequest(ctx context.Context, target, endpoint string, payload any, timeout time.Duration, opts ...SendOptions) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	var sendOpts SendOptions
	if len(opts) > 0 {
		sendOpts = opts[0]
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	id := uuid.NewString()
	outcome, err := a.corr.Register(id, timeout)
	if err != nil {
		return nil, err
	}

	msg := &ipc.ModuleToOrchestrator{InternalRequest: &ipc.InternalRequest{
		RequestID:      id,
		TargetModuleID: target,
		Endpoint:       endpoint,
		Payload:        data,
	}}
	sentAt := time.Now()
	snd, err := a.selectSender(sendOpts)
	if err != nil {
		a.corr.Fail(id, err)
		<-outcome
		return nil, err
	}
	if err := snd.sendControl(ctx, msg); err != nil {
		failure := fmt.Errorf("%w: %v", ErrTransportClosed, err)
		a.corr.Fail(id, failure)
		<-outcome
		return nil, failure
	}

	select {
	case out := <-outcome:
		if out.Err != nil {
			if errors.Is(out.Err, correlator.ErrTimeout) {
				return nil, ErrTimeout
			}
			return nil, out.Err
		}
		resp, ok := out.Value.(*ipc.RoutedModuleResponse)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected correlator payload %T", ErrDeserialization, out.Value)
		}
		a.recordLatency(snd.channelType(), time.Since(sentAt))
		if resp.Error != "" {
			if resp.Error == targetNotFoundError {
				return nil, ErrTargetNotFound
			}
			return nil, &ApplicationError{Message: resp.Error}
		}
		return resp.Result, nil
	case <-ctx.Done():
		a.corr.Fail(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// SendRequestTyped is SendRequest with the response decoded into T.
func SendRequestTyped[T any](ctx context.Context, a *AppState, target, endpoint string, payload any, timeout time.Duration) (T, error) {
	var out T
	raw, err := a.SendRequest(ctx, target, endpoint, payload, timeout)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return out, nil
}

// SendMessage routes a one-way notification to a peer module; no
// response is awaited.
func (a *AppState) SendMessage(ctx context.Context, target, endpoint string, payload any, opts ...SendOptions) error {
	var sendOpts SendOptions
	if len(opts) > 0 {
		sendOpts = opts[0]
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	msg := &ipc.ModuleToOrchestrator{InternalRequest: &ipc.InternalRequest{
		RequestID:      uuid.NewString(),
		TargetModuleID: target,
		Endpoint:       endpoint,
		Payload:        data,
	}}
	return a.sendWithPolicy(ctx, msg, sendOpts)
}

// dispatchRouted queues a peer request for its source module. Requests
// from one source are handled in arrival order; sources are independent.
func (a *AppState) dispatchRouted(ctx context.Context, msg *ipc.RoutedModuleMessage, respond func(*ipc.ModuleToOrchestrator) error) {
	a.routedMu.Lock()
	queue, ok := a.routedQueues[msg.SourceModuleID]
	if !ok {
		queue = make(chan routedTask, 64)
		a.routedQueues[msg.SourceModuleID] = queue
		go a.routedWorker(ctx, queue)
	}
	a.routedMu.Unlock()

	select {
	case queue <- routedTask{msg: msg, respond: respond}:
	case <-ctx.Done():
	}
}

func (a *AppState) routedWorker(ctx context.Context, queue <-chan routedTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-queue:
			a.handleRouted(ctx, task)
		}
	}
}

func (a *AppState) handleRouted(ctx context.Context, task routedTask) {
	msg := task.msg
	reply := &ipc.RoutedModuleResponse{RequestID: msg.RequestID}

	handler, ok := a.lookupHandler(msg.SourceModuleID)
	if !ok {
		reply.Error = fmt.Sprintf("no handler for module %s", msg.SourceModuleID)
	} else {
		result, err := handler(ctx, msg.SourceModuleID, msg.RequestID, msg.Payload)
		switch {
		case err != nil:
			reply.Error = err.Error()
		case result != nil:
			data, merr := json.Marshal(result)
			if merr != nil {
				reply.Error = fmt.Sprintf("serialize response: %v", merr)
			} else {
				reply.Result = data
			}
		}
	}

	if err := task.respond(&ipc.ModuleToOrchestrator{RoutedModuleResponse: reply}); err != nil {
		a.log.Warnf("pywatt: send response for %s to %s: %v", msg.RequestID, msg.SourceModuleID, err)
	}
}
