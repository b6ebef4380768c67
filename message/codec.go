package message

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes payload into the given format and stamps fresh
// metadata. FormatBinary uses MessagePack; FormatJSON and the empty
// format use JSON. Any other format returns a *CodecError.
func Encode(payload any, format Format) (*EncodedMessage, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON, "":
		format = FormatJSON
		data, err = json.Marshal(payload)
	case FormatBinary:
		data, err = msgpack.Marshal(payload)
	default:
		return nil, &CodecError{Reason: "unsupported format " + string(format)}
	}
	if err != nil {
		return nil, &CodecError{Reason: "serialize payload", Err: err}
	}
	return &EncodedMessage{
		Format:   format,
		Metadata: NewMetadata(format),
		Data:     data,
	}, nil
}

// EncodeCorrelated is Encode with the correlation id of the request the
// payload answers.
func EncodeCorrelated(payload any, format Format, correlationID string) (*EncodedMessage, error) {
	enc, err := Encode(payload, format)
	if err != nil {
		return nil, err
	}
	enc.Metadata.CorrelationID = correlationID
	return enc, nil
}

// PreferredFormat picks the format for a payload of the given size:
// binary for large payloads when the peer supports it, JSON otherwise.
func PreferredFormat(size int, binarySupported bool) Format {
	if binarySupported && size > BinaryThreshold {
		return FormatBinary
	}
	return FormatJSON
}

// Decode deserializes the payload of enc into T, honoring the declared
// format. Malformed bytes and format mismatches surface as *CodecError.
func Decode[T any](enc *EncodedMessage) (T, error) {
	var out T
	if enc == nil {
		return out, &CodecError{Reason: "nil encoded message"}
	}
	switch enc.Format {
	case FormatJSON:
		if err := json.Unmarshal(enc.Data, &out); err != nil {
			return out, &CodecError{Reason: "decode json payload", Err: err}
		}
	case FormatBinary:
		if err := msgpack.Unmarshal(enc.Data, &out); err != nil {
			return out, &CodecError{Reason: "decode binary payload", Err: err}
		}
	default:
		return out, &CodecError{Reason: "unsupported format " + string(enc.Format)}
	}
	return out, nil
}

// Marshal renders the canonical serialization of an encoded message:
// always JSON, so a peer can decode the envelope regardless of which
// payload format was negotiated.
func Marshal(enc *EncodedMessage) ([]byte, error) {
	if enc == nil {
		return nil, &CodecError{Reason: "nil encoded message"}
	}
	body, err := json.Marshal(enc)
	if err != nil {
		return nil, &CodecError{Reason: "serialize envelope", Err: err}
	}
	return body, nil
}

// Unmarshal parses the canonical envelope serialization.
func Unmarshal(body []byte) (*EncodedMessage, error) {
	var enc EncodedMessage
	if err := json.Unmarshal(body, &enc); err != nil {
		return nil, &CodecError{Reason: "parse envelope", Err: err}
	}
	switch enc.Format {
	case FormatJSON, FormatBinary:
	default:
		return nil, &CodecError{Reason: "unsupported format " + string(enc.Format)}
	}
	return &enc, nil
}
