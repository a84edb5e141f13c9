package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/symmetry-network/hub/internal/log"
	"github.com/symmetry-network/hub/internal/metrics"
	"github.com/symmetry-network/hub/internal/wire"
)

const (
	httpRateLimitWindow = 60 * time.Minute
	maxHTTPRequests     = 100
)

type chatRequest struct {
	SessionRequest struct {
		ModelName           string `json:"modelName"`
		PreferredProviderID string `json:"preferredProviderId"`
	} `json:"sessionRequest"`
	Data struct {
		Messages []wire.ChatMessage `json:"messages"`
	} `json:"data"`
}

// chatCompletions implements POST /v1/chat/completions: it rate-limits by
// client IP, picks an online provider for the requested model, parks the
// response as a pending responder against that provider's peer key, and
// relays the provider's raw byte stream back to the caller over SSE.
func (s *Server) chatCompletions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	start := time.Now()
	var err error
	defer func() { recordDuration("chat_completions", err, start) }()

	ctx := r.Context()
	ip := clientIP(r)

	count, ok, gerr := s.store.RateLimits().Get(ctx, ip, httpRateLimitWindow)
	if gerr != nil {
		err = gerr
		logHandlerError("chat_completions", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if ok && count >= maxHTTPRequests {
		metrics.HTTPRateLimitRejections.Inc()
		http.Error(w, "rate limit exceeded, try again later", http.StatusTooManyRequests)
		return
	}
	if _, _, ierr := s.store.RateLimits().Increment(ctx, ip, httpRateLimitWindow); ierr != nil {
		err = ierr
		logHandlerError("chat_completions", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var req chatRequest
	if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		err = fmt.Errorf("httpapi: response writer does not support flushing")
		logHandlerError("chat_completions", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resp := newSSEResponder(w, flusher)

	provider, perr := s.store.Peers().GetRandom(ctx, req.SessionRequest.ModelName)
	if perr != nil {
		err = perr
		logHandlerError("chat_completions", err)
		resp.Terminate(fmt.Errorf("internal error"))
		return
	}
	if provider == nil {
		resp.Terminate(fmt.Errorf("No peers available"))
		return
	}

	conn, ok := s.registry.Conn(provider.Key)
	if !ok {
		// The peer disconnected between the store lookup and matchmaking;
		// there's no caller to notify beyond closing the stream.
		return
	}

	if rerr := s.registry.RegisterResponder(provider.Key, resp); rerr != nil {
		resp.Terminate(fmt.Errorf("provider is busy"))
		return
	}

	frame, eerr := wire.Encode(wire.KeyInference, wire.InferencePayload{
		Messages: req.Data.Messages,
		Key:      provider.Key,
	})
	if eerr != nil {
		s.registry.RemoveResponder(provider.Key)
		err = eerr
		logHandlerError("chat_completions", err)
		resp.Terminate(fmt.Errorf("internal error"))
		return
	}

	if werr := conn.Write(ctx, frame); werr != nil {
		s.registry.RemoveResponder(provider.Key)
		resp.Terminate(fmt.Errorf("peer error: %w", werr))
		return
	}

	select {
	case <-resp.done:
	case <-ctx.Done():
		// Client hung up. Drop the pending responder without disturbing
		// the provider's connection.
		s.registry.RemoveResponder(provider.Key)
	}
}

// clientIP determines the caller's address per spec: the first value of
// X-Forwarded-For if present, otherwise the transport remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sseResponder adapts an http.ResponseWriter into a registry.Responder. All
// writes happen on whichever goroutine is currently forwarding provider
// bytes for this peer; the dispatcher guarantees that is at most one
// goroutine at a time.
type sseResponder struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSEResponder(w http.ResponseWriter, flusher http.Flusher) *sseResponder {
	return &sseResponder{w: w, flusher: flusher, done: make(chan struct{})}
}

func (r *sseResponder) WriteChunk(ctx context.Context, chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("httpapi: responder already terminated")
	}
	if _, err := fmt.Fprintf(r.w, "data: %s\n\n", chunk); err != nil {
		return err
	}
	r.flusher.Flush()
	return nil
}

func (r *sseResponder) Terminate(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if cause != nil {
		payload, _ := json.Marshal(map[string]string{"error": cause.Error()})
		fmt.Fprintf(r.w, "data: %s\n\n", payload)
		r.flusher.Flush()
		logger.Debug("chat completion terminated with error", log.Fields{"error": cause.Error()})
	}
	close(r.done)
}
