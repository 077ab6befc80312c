// Package server is the HTTP front end of the daemon. It validates
// transcription requests and hands their text to the injection queue.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"github.com/chaz8081/keytyper/internal/queue"
)

// DefaultMaxBodyBytes bounds a request body when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// retryAfter is sent with 503 responses, in seconds.
const retryAfter = "1"

// Queue is the part of *queue.Queue the server needs.
type Queue interface {
	Enqueue(queue.Request) (*queue.Job, error)
	Stats() queue.Stats
}

// Server serves the transcription endpoint.
type Server struct {
	queue   Queue
	maxBody int64
	srv     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMaxBodyBytes limits request bodies to n bytes. Values <= 0 are ignored.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates a server that will listen on addr.
func New(addr string, q Queue, opts ...Option) *Server {
	s := &Server{
		queue:   q,
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleTranscription)
	mux.HandleFunc("GET /hello", s.handleHello)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("server listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones, including
// handlers waiting on a job, until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Hello")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(s.queue.Stats())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedRequest, tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: read body: %w", ErrMalformedRequest, err))
		return
	}

	req, err := ParseRequest(body)
	if err != nil {
		slog.Warn("rejected malformed request", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	slog.Info("received transcription request", "remote", r.RemoteAddr, "bytes", len(req.Text), "wait", req.Wait)
	slog.Debug("transcription text", "text", req.Text)

	job, err := s.queue.Enqueue(queue.Request{Text: req.Text})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrNotRunning) {
			slog.Warn("transcription request refused", "error", err)
			w.Header().Set("Retry-After", retryAfter)
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if !req.Wait {
		writeJSON(w, http.StatusOK, jobBody(job, queue.StateQueued))
		return
	}

	res, jerr := job.Wait(r.Context())
	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(jerr, ctxErr) {
		// Client went away; the job keeps running.
		slog.Debug("client stopped waiting for job", "job", job.ID(), "seq", job.Seq())
		return
	}
	writeJSON(w, statusFor(jerr), resultBody(job, res, jerr))
}

func statusFor(err error) int {
	if err != nil {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, err error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "error", err.Error())
	writeJSON(w, status, body)
}
