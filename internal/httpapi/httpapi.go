// Package httpapi implements the HTTP/WebSocket front door (C8): the
// OpenAI-shaped chat-completions relay and the stats WebSocket feed.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/metrics"
	"github.com/symmetry-network/hub/internal/registry"
	"github.com/symmetry-network/hub/internal/store"
)

var logger = log.NewScoped("httpapi")

// Config configures the HTTP front door.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// AllowedOrigins lists the origins permitted by CORS. A single "*"
	// entry allows any origin.
	AllowedOrigins []string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the C8 HTTP front door.
type Server struct {
	cfg      Config
	store    *store.Store
	registry *registry.Registry
	srv      *http.Server
}

// New builds a Server. It does not start listening until ListenAndServe is
// called.
func New(cfg Config, st *store.Store, reg *registry.Registry) *Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 0 // streaming responses must not be capped
	}

	s := &Server{cfg: cfg, store: st, registry: reg}
	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.corsMiddleware(s.handler()),
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

// AddrFromPort formats a bare TCP port into a listen address.
func AddrFromPort(port int) string {
	return ":" + strconv.Itoa(port)
}

func (s *Server) handler() http.Handler {
	r := httprouter.New()
	r.POST("/v1/chat/completions", s.chatCompletions)
	r.GET("/ws", s.stats)
	return r
}

// ListenAndServe blocks serving HTTP until the server is shut down. It
// returns nil on a clean shutdown.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func recordDuration(route string, err error, start time.Time) {
	metrics.RecordHTTPResponseDuration(route, err, time.Since(start))
}

func logHandlerError(route string, err error) {
	logger.Error("handler error", log.Fields{"route": route, "error": err.Error()})
}
