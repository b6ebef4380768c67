package pywatt

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/frostdev-ops/pywatt-sdk/channel"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
	"github.com/frostdev-ops/pywatt-sdk/message"
)

// runStdioLoop is the background processor for the stdio channel. It
// returns when the orchestrator closes stdin, a shutdown is observed,
// or ctx is cancelled.
func (a *AppState) runStdioLoop(ctx context.Context) error {
	respond := func(msg *ipc.ModuleToOrchestrator) error {
		return a.stdioW.Send(msg)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := a.stdioR.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				a.log.Infof("pywatt: orchestrator closed stdin, shutting down")
				a.beginShutdown()
				return nil
			}
			return err
		}
		if stop := a.route(ctx, msg, respond); stop {
			return nil
		}
	}
}

// runSocketLoop is the background processor for one socket channel. It
// decodes envelope frames into control messages and routes them like
// stdio traffic, answering on the same channel.
func (a *AppState) runSocketLoop(ctx context.Context, ch channel.MessageChannel) error {
	respond := func(msg *ipc.ModuleToOrchestrator) error {
		enc, err := message.Encode(msg, message.FormatJSON)
		if err != nil {
			return err
		}
		return ch.Send(ctx, enc)
	}

	lastState := ch.State()
	for {
		if ctx.Err() != nil {
			return nil
		}
		state := ch.State()
		if state == channel.StatePermanentlyClosed {
			a.log.Warnf("pywatt: %s channel permanently closed", ch.Type())
			return nil
		}
		if state == channel.StateConnected && lastState != channel.StateConnected {
			a.flushPending(ctx, ch.Type())
		}
		lastState = state
		if state != channel.StateConnected {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		enc, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrPermanentlyClosed) {
				return nil
			}
			// Transport errors already triggered the reconnect path;
			// loop around and wait for the state to settle.
			continue
		}

		msg, err := message.Decode[ipc.OrchestratorToModule](enc)
		if err != nil {
			a.log.Warnf("pywatt: %s channel: skipping undecodable frame: %v", ch.Type(), err)
			continue
		}
		if stop := a.route(ctx, &msg, respond); stop {
			return nil
		}
	}
}

// route dispatches one orchestrator message. The respond function
// answers on the channel the message arrived on. Returns true when the
// loop should stop (shutdown observed).
func (a *AppState) route(ctx context.Context, msg *ipc.OrchestratorToModule, respond func(*ipc.ModuleToOrchestrator) error) bool {
	switch {
	case msg.Secret != nil:
		a.secretsC.HandleSecret(msg.Secret)
	case msg.Rotated != nil:
		a.secretsC.HandleRotated(msg.Rotated)
	case msg.Shutdown:
		a.log.Infof("pywatt: shutdown requested by orchestrator")
		a.beginShutdown()
		return true
	case msg.Heartbeat:
		if err := respond(&ipc.ModuleToOrchestrator{HeartbeatAck: true}); err != nil {
			a.log.Warnf("pywatt: heartbeat ack: %v", err)
		}
	case msg.PortResponse != nil:
		a.ports.HandleResponse(msg.PortResponse)
	case msg.RoutedModuleMessage != nil:
		a.dispatchRouted(ctx, msg.RoutedModuleMessage, respond)
	case msg.RoutedModuleResponse != nil:
		a.corr.Complete(msg.RoutedModuleResponse.RequestID, msg.RoutedModuleResponse)
	case msg.HttpRequest != nil:
		if a.adapter == nil {
			a.log.Warnf("pywatt: http request %s but no handler mounted", msg.HttpRequest.RequestID)
			break
		}
		reply := func(resp *ipc.IpcHttpResponse) error {
			return respond(&ipc.ModuleToOrchestrator{HttpResponse: resp})
		}
		if err := a.adapter.Dispatch(msg.HttpRequest, reply); err != nil {
			a.log.Warnf("pywatt: http request %s dropped: %v", msg.HttpRequest.RequestID, err)
		}
	default:
		a.log.Warnf("pywatt: ignoring message kind %q", msg.Kind())
	}
	return false
}
