// Package httpx serves JSON-RPC over HTTP POST: one request body in, one
// response body out.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"picomcp/internal/mcp"
)

// MaxRequestBodySize is the default limit for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// RequestIDHeader carries a per-request id in every reply for log correlation.
const RequestIDHeader = "X-Request-Id"

// Handler adapts an mcp.MessageHandler to http.Handler.
type Handler struct {
	handler mcp.MessageHandler
	maxBody int64
	log     logrus.FieldLogger
}

type Option func(*Handler)

// WithMaxBodyBytes bounds the request body; larger bodies get 413.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) { h.log = l }
}

func NewHandler(mh mcp.MessageHandler, opts ...Option) *Handler {
	h := &Handler{handler: mh, maxBody: MaxRequestBodySize, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, reqID)
	log := h.log.WithFields(logrus.Fields{"request_id": reqID, "remote": r.RemoteAddr})

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isJSON(r.Header.Get("Content-Type")) {
		log.WithField("content_type", r.Header.Get("Content-Type")).Debug("rejected non-JSON request")
		writeError(w, http.StatusUnsupportedMediaType, mcp.NewError(mcp.CodeInvalidRequest, "", "Content-Type must be application/json"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		log.WithError(err).Warn("failed to read request body")
		writeError(w, http.StatusBadRequest, mcp.NewError(mcp.CodeParseError, "", "failed to read request body"))
		return
	}
	if int64(len(body)) > h.maxBody {
		log.WithField("limit", h.maxBody).Warn("request body too large")
		writeError(w, http.StatusRequestEntityTooLarge, mcp.NewError(mcp.CodeInvalidRequest, "", "request body too large"))
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, mcp.NewError(mcp.CodeParseError, "", "invalid JSON received by server"))
		return
	}

	resp := h.handler.Handle(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		log.WithError(err).Debug("failed to write response")
	}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

func writeError(w http.ResponseWriter, status int, rpcErr *mcp.Error) {
	b, _ := json.Marshal(mcp.NewErrorResponse(nil, rpcErr))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// Run serves h at path on addr until ctx is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, addr, path string, h http.Handler, log logrus.FieldLogger) error {
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.Handle(path, h)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	log.WithFields(logrus.Fields{"addr": ln.Addr().String(), "path": path}).Info("http transport listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("http transport shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}
