// Command echo-module is a minimal PyWatt module: it announces one
// HTTP endpoint, serves it over the IPC tunnel, and echoes peer
// messages back to their sender.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"

	pywatt "github.com/frostdev-ops/pywatt-sdk"
	"github.com/frostdev-ops/pywatt-sdk/httpipc"
	"github.com/frostdev-ops/pywatt-sdk/ipc"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	echo := func(ctx context.Context, source, requestID string, payload json.RawMessage) (any, error) {
		return map[string]any{"from": source, "echo": payload}, nil
	}

	os.Exit(pywatt.Run(context.Background(),
		pywatt.WithEndpoints(ipc.EndpointAnnounce{Path: "/health", Methods: []string{"GET"}}),
		pywatt.WithIpcHTTP(httpipc.WrapHTTPHandler(mux)),
		pywatt.WithDefaultMessageHandler(echo),
	))
}
