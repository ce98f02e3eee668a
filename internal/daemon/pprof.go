package daemon

import (
	"log/slog"
	"net/http"

	_ "net/http/pprof" // registers handlers on DefaultServeMux
)

// startPprof serves the pprof endpoints on addr when set. Best effort: a
// listen failure is logged, never fatal.
func startPprof(addr string) {
	if addr == "" {
		return
	}
	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			slog.Info("pprof server stopped", "addr", addr, "err", err)
		}
	}()
}
