// Package observability exposes the process's Prometheus metrics (and,
// optionally, pprof handlers) over HTTP, grounded on the teacher's own
// observability-flags idiom (cli_observability_flags.go's
// maybeStartListener, built on gorilla/mux and prometheus/client_golang)
// but reduced to the single always-available listener this daemon needs -
// the teacher's push-gateway and Jaeger-exporter paths have no analogue
// here, since this system has no existing metrics-push/tracing
// infrastructure to wire them to.
package observability

import (
	"context"
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imagevault/imagevault/internal/logging"
)

var log = logging.Module("imagevault/observability")

// Options configures the metrics/pprof listener.
type Options struct {
	ListenAddr  string
	EnablePProf bool
}

// Server serves /metrics (and, if enabled, /debug/pprof) for as long as
// the process runs.
type Server struct {
	httpServer *http.Server
}

// Start launches the listener in the background. A zero ListenAddr
// disables the listener entirely, returning a nil *Server.
func Start(opts Options) (*Server, error) {
	if opts.ListenAddr == "" {
		return nil, nil //nolint:nilnil
	}

	m := mux.NewRouter()
	m.Handle("/metrics", promhttp.Handler())

	if opts.EnablePProf {
		m.HandleFunc("/debug/pprof/", pprof.Index)
		m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		m.HandleFunc("/debug/pprof/profile", pprof.Profile)
		m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		m.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{Addr: opts.ListenAddr, Handler: m}

	go func() {
		log.Infow("starting metrics listener", "addr", opts.ListenAddr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics listener exited", "error", err)
		}
	}()

	return &Server{httpServer: srv}, nil
}

// Stop gracefully shuts down the listener, if one was started.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}
