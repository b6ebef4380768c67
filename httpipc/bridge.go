package httpipc

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/frostdev-ops/pywatt-sdk/ipc"
)

// WrapHTTPHandler adapts a stdlib http.Handler so a module can mount
// its ordinary router behind the tunnel.
func WrapHTTPHandler(h http.Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req *ipc.IpcHttpRequest) (*ipc.IpcHttpResponse, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URI, bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		for k, v := range req.Headers {
			httpReq.Header.Set(k, v)
		}

		rec := &responseRecorder{status: http.StatusOK, header: make(http.Header)}
		h.ServeHTTP(rec, httpReq)

		headers := make(map[string]string, len(rec.header))
		for k, vs := range rec.header {
			headers[strings.ToLower(k)] = strings.Join(vs, ", ")
		}
		return &ipc.IpcHttpResponse{
			RequestID:  req.RequestID,
			StatusCode: uint16(rec.status),
			Headers:    headers,
			Body:       rec.body.Bytes(),
		}, nil
	})
}

// responseRecorder captures a handler's response for tunneling.
type responseRecorder struct {
	status      int
	header      http.Header
	body        bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.status = code
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.body.Write(b)
}
