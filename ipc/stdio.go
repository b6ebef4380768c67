package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/frostdev-ops/pywatt-sdk/internal/logging"
)

// ErrAlreadyAnnounced is returned when a second announcement is
// attempted; exactly one is allowed per process lifetime.
var ErrAlreadyAnnounced = errors.New("ipc: announcement already sent")

// ErrHandshake wraps every failure to read or parse the init blob.
var ErrHandshake = errors.New("ipc: handshake failed")

// maxLineSize bounds a single stdio protocol line.
const maxLineSize = 16 << 20

// Reader consumes line-delimited control messages from the orchestrator.
// Malformed lines and unknown kinds are logged to stderr and skipped so
// that additive protocol changes never kill a module.
type Reader struct {
	r   *bufio.Reader
	log *logging.Logger
}

// NewReader wraps r, usually os.Stdin.
func NewReader(r io.Reader, log *logging.Logger) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024), log: log}
}

func (r *Reader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(line) > maxLineSize {
				return nil, fmt.Errorf("ipc: protocol line exceeds %d bytes", maxLineSize)
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil, io.EOF
			}
			break
		}
		return nil, fmt.Errorf("ipc: read protocol line: %w", err)
	}
	return bytes.TrimSpace(line), nil
}

// ReadInit reads exactly one line and parses it as the init blob. Any
// failure here is fatal to the handshake.
func (r *Reader) ReadInit() (*InitBlob, error) {
	line, err := r.readLine()
	if err != nil {
		return nil, fmt.Errorf("%w: read init blob: %v", ErrHandshake, err)
	}
	var blob InitBlob
	if err := json.Unmarshal(line, &blob); err != nil {
		return nil, fmt.Errorf("%w: parse init blob: %v", ErrHandshake, err)
	}
	if err := blob.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return &blob, nil
}

// Next returns the next well-formed orchestrator message, skipping lines
// it cannot parse. Returns io.EOF when the stream ends.
func (r *Reader) Next() (*OrchestratorToModule, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			continue
		}
		var msg OrchestratorToModule
		if err := json.Unmarshal(line, &msg); err != nil {
			var unknown *UnknownKindError
			if errors.As(err, &unknown) {
				r.log.Warnf("ipc: skipping unknown message kind %q", unknown.Kind)
			} else {
				r.log.Warnf("ipc: skipping malformed protocol line: %v", err)
			}
			continue
		}
		return &msg, nil
	}
}

// Writer serializes module messages onto stdout, one JSON object per
// line, under a process-wide mutex. No other code may write to stdout
// once the transport owns it.
type Writer struct {
	mu        sync.Mutex
	w         *bufio.Writer
	announced bool
}

// NewWriter wraps w, usually os.Stdout.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Send writes one control message and flushes.
func (w *Writer) Send(msg *ModuleToOrchestrator) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: serialize %s: %w", msg.Kind(), err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("ipc: write %s: %w", msg.Kind(), err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("ipc: write %s: %w", msg.Kind(), err)
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("ipc: flush %s: %w", msg.Kind(), err)
	}
	return nil
}

// Announce sends the one-shot announcement. A second call returns
// ErrAlreadyAnnounced without touching the stream.
func (w *Writer) Announce(blob *AnnounceBlob) error {
	w.mu.Lock()
	if w.announced {
		w.mu.Unlock()
		return ErrAlreadyAnnounced
	}
	w.announced = true
	w.mu.Unlock()
	return w.Send(&ModuleToOrchestrator{Announce: blob})
}
