// Package obs is the optional local observability surface: a loopback HTTP
// server exposing liveness, Prometheus metrics, a consolidated status
// document, and a live WebSocket feed of bus messages. The MCP stdio
// transport stays the only control surface; everything here is read-only.
package obs

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cctelegram/mcp-bridge/internal/buildinfo"
	"github.com/cctelegram/mcp-bridge/internal/logging"
)

// StatusSource contributes one section of the /status document.
type StatusSource func(ctx context.Context) (name string, section any)

// Server hosts the observability endpoints.
type Server struct {
	addr    string
	log     *logging.Logger
	metrics http.Handler
	sources []StatusSource
	stream  *streamHub

	httpSrv *http.Server
	started time.Time
}

func NewServer(addr string, metricsHandler http.Handler, log *logging.Logger) *Server {
	return &Server{
		addr:    addr,
		log:     log.Named("obs"),
		metrics: metricsHandler,
		stream:  newStreamHub(log),
		started: time.Now(),
	}
}

// AddStatus registers a /status section provider.
func (s *Server) AddStatus(src StatusSource) {
	s.sources = append(s.sources, src)
}

// Stream returns the hub so the caller can feed it bus messages.
func (s *Server) Stream() *streamHub { return s.stream }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.stream.handleUpgrade).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		s.log.Info(context.Background(), "observability server listening", zap.String("addr", s.addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error(context.Background(), "observability server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown drains connections and stops the stream hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stream.close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  buildinfo.Short(),
		"uptime_s": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	doc := map[string]any{
		"version":   buildinfo.Short(),
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for _, src := range s.sources {
		name, section := src(ctx)
		doc[name] = section
	}
	writeJSON(w, http.StatusOK, doc)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
