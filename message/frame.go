package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame on stream transports.
const MaxFrameSize = 64 << 20

// WriteFrame writes the 4-byte big-endian length prefix followed by the
// canonical envelope serialization, as one write. The caller guarantees
// mutual exclusion on w.
func WriteFrame(w io.Writer, enc *EncodedMessage) error {
	body, err := Marshal(enc)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("message: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and parses the envelope.
// Oversized frames return ErrFrameTooLarge and the caller must close the
// channel. io.EOF is returned verbatim only at a clean frame boundary.
func ReadFrame(r io.Reader) (*EncodedMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, fmt.Errorf("message: read frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrZeroLengthFrame
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, fmt.Errorf("message: read frame body: %w", err)
	}
	return Unmarshal(body)
}
