package redact

import "io"

// Writer filters everything written through it against a registry
// before handing it to the underlying sink. The standard logging setup
// wraps stderr in one of these so no secret ever reaches a log line.
type Writer struct {
	dst io.Writer
	reg *Registry
}

// NewWriter wraps dst with reg; a nil reg uses the global registry.
func NewWriter(dst io.Writer, reg *Registry) *Writer {
	if reg == nil {
		reg = global
	}
	return &Writer{dst: dst, reg: reg}
}

// Write scrubs p and forwards it. The reported length is len(p) so the
// caller's accounting stays consistent even when redaction changes the
// byte count.
func (w *Writer) Write(p []byte) (int, error) {
	clean := w.reg.Redact(string(p))
	if _, err := w.dst.Write([]byte(clean)); err != nil {
		return 0, err
	}
	return len(p), nil
}
