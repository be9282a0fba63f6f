package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Server is the ops surface: health probes and Prometheus metrics on a
// port separate from the public API.
type Server struct {
	httpServer *http.Server
	port       int
}

// NewServer creates the ops server for the given port.
func NewServer(port int) *Server {
	return &Server{port: port}
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
