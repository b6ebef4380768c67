// Package message implements the typed message envelope and the framed
// wire codec used on every stream channel between a module and its
// orchestrator.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Format selects how a payload is serialized.
type Format string

const (
	// FormatJSON is the mandatory interchange format. Every peer must be
	// able to decode it regardless of local preference.
	FormatJSON Format = "json"
	// FormatBinary is the compact MessagePack form, preferred for
	// payloads over BinaryThreshold when both peers advertise it.
	FormatBinary Format = "binary"
)

// BinaryThreshold is the payload size above which FormatBinary is
// preferred when available.
const BinaryThreshold = 4 * 1024

// Timestamp is a UTC instant with millisecond precision, carried on the
// wire as milliseconds since the Unix epoch.
type Timestamp int64

// Now returns the current instant.
func Now() Timestamp {
	return Timestamp(time.Now().UnixMilli())
}

// Time converts the timestamp back to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// Metadata describes a message independently of its payload.
type Metadata struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source,omitempty"`
	Destination   string    `json:"destination,omitempty"`
	CreatedAt     Timestamp `json:"created_at"`
	ContentType   Format    `json:"content_type"`
}

// NewMetadata stamps fresh metadata for an outbound message.
func NewMetadata(format Format) Metadata {
	return Metadata{
		ID:          uuid.NewString(),
		CreatedAt:   Now(),
		ContentType: format,
	}
}

// WithCorrelation returns a copy tied to an originating request id.
func (m Metadata) WithCorrelation(id string) Metadata {
	m.CorrelationID = id
	return m
}

// Message pairs metadata with a typed payload.
type Message[T any] struct {
	Metadata Metadata `json:"metadata"`
	Payload  T        `json:"payload"`
}

// New wraps payload in a message with fresh metadata.
func New[T any](payload T) Message[T] {
	return Message[T]{Metadata: NewMetadata(FormatJSON), Payload: payload}
}

// EncodedMessage is a serialized payload plus inline metadata, ready for
// framing. Data holds the payload bytes in the declared format.
type EncodedMessage struct {
	Format   Format   `json:"format"`
	Metadata Metadata `json:"metadata"`
	Data     []byte   `json:"data"`
}
