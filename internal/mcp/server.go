package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// MessageHandler turns one complete JSON document into the encoded response
// to write back, or nil when nothing must be written. Transports depend only
// on this.
type MessageHandler interface {
	Handle(ctx context.Context, data []byte) []byte
}

// Server is the byte-level entry point shared by every transport.
type Server struct {
	dispatcher *Dispatcher
	timeout    time.Duration
	log        logrus.FieldLogger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger used for diagnostics.
func WithLogger(l logrus.FieldLogger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithHandlerTimeout bounds how long a single request may take. Zero, the
// default, waits for the handler indefinitely.
func WithHandlerTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

func NewServer(d *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{dispatcher: d, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle decodes data, dispatches it and encodes the response. Undecodable
// input yields a parse or invalid-request error with a null id.
func (s *Server) Handle(ctx context.Context, data []byte) []byte {
	req, decErr := DecodeRequest(data)
	if decErr != nil {
		s.log.WithFields(logrus.Fields{"bytes": len(data), "code": decErr.Code}).Warn("rejected undecodable message")
		return s.encode(NewErrorResponse(nullID, decErr))
	}
	s.log.WithFields(logrus.Fields{"method": req.Method, "id": string(req.ID)}).Debug("←")

	resp := s.dispatch(ctx, req)
	if resp == nil {
		return nil
	}
	return s.encode(resp)
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	if s.timeout <= 0 {
		return s.dispatcher.Dispatch(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan *Response, 1)
	go func() { done <- s.dispatcher.Dispatch(ctx, req) }()
	select {
	case resp := <-done:
		return resp
	case <-ctx.Done():
		s.log.WithFields(logrus.Fields{"method": req.Method, "timeout": s.timeout}).Warn("request abandoned")
		if req.IsNotification() {
			return nil
		}
		return NewErrorResponse(req.responseID(), NewError(CodeInternalError, "", "request timed out after "+s.timeout.String()))
	}
}

func (s *Server) encode(resp *Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("failed to encode response")
		b, _ = json.Marshal(NewErrorResponse(resp.ID, Errorf(CodeInternalError, "failed to encode response: %v", err)))
	}
	if resp.Error != nil {
		s.log.WithFields(logrus.Fields{"id": string(resp.ID), "code": resp.Error.Code}).Debug("→ error")
	} else {
		s.log.WithField("id", string(resp.ID)).Debug("→ result")
	}
	return b
}
