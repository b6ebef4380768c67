package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// The control unions are externally tagged on the wire: one JSON object
// per line whose single key names the message kind, e.g.
// {"GetSecret":{"name":"DB_URL"}}. Unit kinds are written as
// {"Shutdown":{}}; readers also accept the bare-string form "Shutdown".

// ErrNoVariant is returned when a union value has no kind set.
var ErrNoVariant = errors.New("ipc: control message has no variant set")

// UnknownKindError marks a message kind this SDK does not understand.
// Receipt is never fatal; dispatchers log and skip.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("ipc: unknown message kind %q", e.Kind)
}

// ModuleToOrchestrator is the union of messages a module may send.
// Exactly one field is non-zero.
type ModuleToOrchestrator struct {
	Announce             *AnnounceBlob
	GetSecret            *GetSecretRequest
	RotationAck          *RotationAckRequest
	PortRequest          *PortRequest
	InternalRequest      *InternalRequest
	RoutedModuleResponse *RoutedModuleResponse
	HttpResponse         *IpcHttpResponse
	HeartbeatAck         bool
}

// Kind names the active variant, or "" when none is set.
func (m *ModuleToOrchestrator) Kind() string {
	switch {
	case m.Announce != nil:
		return "Announce"
	case m.GetSecret != nil:
		return "GetSecret"
	case m.RotationAck != nil:
		return "RotationAck"
	case m.PortRequest != nil:
		return "PortRequest"
	case m.InternalRequest != nil:
		return "InternalRequest"
	case m.RoutedModuleResponse != nil:
		return "RoutedModuleResponse"
	case m.HttpResponse != nil:
		return "HttpResponse"
	case m.HeartbeatAck:
		return "HeartbeatAck"
	}
	return ""
}

func (m *ModuleToOrchestrator) MarshalJSON() ([]byte, error) {
	var payload any
	switch {
	case m.Announce != nil:
		payload = m.Announce
	case m.GetSecret != nil:
		payload = m.GetSecret
	case m.RotationAck != nil:
		payload = m.RotationAck
	case m.PortRequest != nil:
		payload = m.PortRequest
	case m.InternalRequest != nil:
		payload = m.InternalRequest
	case m.RoutedModuleResponse != nil:
		payload = m.RoutedModuleResponse
	case m.HttpResponse != nil:
		payload = m.HttpResponse
	case m.HeartbeatAck:
		payload = struct{}{}
	default:
		return nil, ErrNoVariant
	}
	return json.Marshal(map[string]any{m.Kind(): payload})
}

func (m *ModuleToOrchestrator) UnmarshalJSON(data []byte) error {
	kind, body, err := splitTagged(data)
	if err != nil {
		return err
	}
	*m = ModuleToOrchestrator{}
	switch kind {
	case "Announce":
		m.Announce = &AnnounceBlob{}
		return unmarshalBody(body, m.Announce)
	case "GetSecret":
		m.GetSecret = &GetSecretRequest{}
		return unmarshalBody(body, m.GetSecret)
	case "RotationAck":
		m.RotationAck = &RotationAckRequest{}
		return unmarshalBody(body, m.RotationAck)
	case "PortRequest":
		m.PortRequest = &PortRequest{}
		return unmarshalBody(body, m.PortRequest)
	case "InternalRequest":
		m.InternalRequest = &InternalRequest{}
		return unmarshalBody(body, m.InternalRequest)
	case "RoutedModuleResponse":
		m.RoutedModuleResponse = &RoutedModuleResponse{}
		return unmarshalBody(body, m.RoutedModuleResponse)
	case "HttpResponse":
		m.HttpResponse = &IpcHttpResponse{}
		return unmarshalBody(body, m.HttpResponse)
	case "HeartbeatAck":
		m.HeartbeatAck = true
		return nil
	}
	return &UnknownKindError{Kind: kind}
}

// OrchestratorToModule is the union of messages an orchestrator may
// send after the init handshake. Exactly one field is non-zero.
type OrchestratorToModule struct {
	Secret               *SecretValueResponse
	Rotated              *RotatedNotification
	Shutdown             bool
	Heartbeat            bool
	PortResponse         *PortResponse
	RoutedModuleMessage  *RoutedModuleMessage
	RoutedModuleResponse *RoutedModuleResponse
	HttpRequest          *IpcHttpRequest
}

// Kind names the active variant, or "" when none is set.
func (o *OrchestratorToModule) Kind() string {
	switch {
	case o.Secret != nil:
		return "Secret"
	case o.Rotated != nil:
		return "Rotated"
	case o.Shutdown:
		return "Shutdown"
	case o.Heartbeat:
		return "Heartbeat"
	case o.PortResponse != nil:
		return "PortResponse"
	case o.RoutedModuleMessage != nil:
		return "RoutedModuleMessage"
	case o.RoutedModuleResponse != nil:
		return "RoutedModuleResponse"
	case o.HttpRequest != nil:
		return "HttpRequest"
	}
	return ""
}

func (o *OrchestratorToModule) MarshalJSON() ([]byte, error) {
	var payload any
	switch {
	case o.Secret != nil:
		payload = o.Secret
	case o.Rotated != nil:
		payload = o.Rotated
	case o.Shutdown, o.Heartbeat:
		payload = struct{}{}
	case o.PortResponse != nil:
		payload = o.PortResponse
	case o.RoutedModuleMessage != nil:
		payload = o.RoutedModuleMessage
	case o.RoutedModuleResponse != nil:
		payload = o.RoutedModuleResponse
	case o.HttpRequest != nil:
		payload = o.HttpRequest
	default:
		return nil, ErrNoVariant
	}
	return json.Marshal(map[string]any{o.Kind(): payload})
}

func (o *OrchestratorToModule) UnmarshalJSON(data []byte) error {
	kind, body, err := splitTagged(data)
	if err != nil {
		return err
	}
	*o = OrchestratorToModule{}
	switch kind {
	case "Secret":
		o.Secret = &SecretValueResponse{}
		return unmarshalBody(body, o.Secret)
	case "Rotated":
		o.Rotated = &RotatedNotification{}
		return unmarshalBody(body, o.Rotated)
	case "Shutdown":
		o.Shutdown = true
		return nil
	case "Heartbeat":
		o.Heartbeat = true
		return nil
	case "PortResponse":
		o.PortResponse = &PortResponse{}
		return unmarshalBody(body, o.PortResponse)
	case "RoutedModuleMessage":
		o.RoutedModuleMessage = &RoutedModuleMessage{}
		return unmarshalBody(body, o.RoutedModuleMessage)
	case "RoutedModuleResponse":
		o.RoutedModuleResponse = &RoutedModuleResponse{}
		return unmarshalBody(body, o.RoutedModuleResponse)
	case "HttpRequest":
		o.HttpRequest = &IpcHttpRequest{}
		return unmarshalBody(body, o.HttpRequest)
	}
	return &UnknownKindError{Kind: kind}
}

// splitTagged extracts the kind tag and body from an externally tagged
// value: either {"Kind":{...}} or the bare string "Kind".
func splitTagged(data []byte) (string, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var kind string
		if err := json.Unmarshal(trimmed, &kind); err != nil {
			return "", nil, fmt.Errorf("ipc: parse message tag: %w", err)
		}
		return kind, nil, nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &tagged); err != nil {
		return "", nil, fmt.Errorf("ipc: parse control message: %w", err)
	}
	if len(tagged) != 1 {
		return "", nil, fmt.Errorf("ipc: control message must have exactly one key, got %d", len(tagged))
	}
	for kind, body := range tagged {
		return kind, body, nil
	}
	return "", nil, errors.New("ipc: empty control message")
}

// unmarshalBody parses body into dst, tolerating null/absent bodies on
// unit-like variants.
func unmarshalBody(body json.RawMessage, dst any) error {
	if len(body) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("ipc: parse control message body: %w", err)
	}
	return nil
}
