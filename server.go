package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/common/log"
)

const shutdownTimeout = 5 * time.Second

// Server answers /json and the metrics path from the SnapshotStore. It never
// causes a modem request.
type Server struct {
	store       *SnapshotStore
	metrics     http.Handler
	metricsPath string
	logger      log.Logger
	httpServer  *http.Server
	done        chan struct{}
}

func NewServer(store *SnapshotStore, metrics http.Handler, metricsPath string, logger log.Logger) *Server {
	return &Server{
		store:       store,
		metrics:     metrics,
		metricsPath: metricsPath,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/json", s.handleJSON)
	if s.metrics != nil {
		mux.Handle(s.metricsPath, s.metrics)
	}
	mux.HandleFunc("/", s.handleIndex)
	return mux
}

// Start listens on addr and serves until ctx is cancelled. It returns once
// the listener is bound.
func (s *Server) Start(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("HTTP server error: %v", err)
		}
	}()

	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorf("HTTP server shutdown error: %v", err)
		}
	}()

	return ln.Addr(), nil
}

// Done is closed once the server has shut down after ctx was cancelled.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(s.store.Load()); err != nil {
		s.logger.Errorf("Encoding snapshot: %v", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<html>
             <head><title>XB3 Exporter</title></head>
             <body>
             <h1>XB3 Exporter</h1>
             <p><a href='/json'>Status JSON</a></p>
             <p><a href='` + s.metricsPath + `'>Metrics</a></p>
             </body>
             </html>`))
}
