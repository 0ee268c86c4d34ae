package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"picomcp/internal/mcp"
)

const (
	DefaultMaxMessageBytes = 8 << 10
	DefaultMTU             = 20
)

// Server serves every accepted link on its own goroutine. Messages on one
// link are handled strictly in order; links share nothing but the handler.
type Server struct {
	handler  mcp.MessageHandler
	maxMsg   int
	eager    bool
	maxLinks int
	log      logrus.FieldLogger
}

type Option func(*Server)

// WithMaxMessageBytes bounds one reassembled inbound message.
func WithMaxMessageBytes(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxMsg = n
		}
	}
}

// WithEagerParse delivers a buffered message as soon as it forms a complete
// JSON object, without waiting for its terminator.
func WithEagerParse(on bool) Option {
	return func(s *Server) { s.eager = on }
}

// WithMaxLinks caps concurrently served links; further centrals wait in
// Accept until one disconnects. Zero means no cap.
func WithMaxLinks(n int) Option {
	return func(s *Server) { s.maxLinks = n }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(h mcp.MessageHandler, opts ...Option) *Server {
	s := &Server{handler: h, maxMsg: DefaultMaxMessageBytes, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Serve accepts links from ln until ctx is cancelled or ln is closed, then
// waits for the active links to finish.
func (s *Server) Serve(ctx context.Context, ln Listener) error {
	var g errgroup.Group
	if s.maxLinks > 0 {
		g.SetLimit(s.maxLinks)
	}
	s.log.Info("ble transport accepting links")

	var acceptErr error
	for {
		link, err := ln.Accept(ctx)
		if err != nil {
			if !errors.Is(err, ErrListenerClosed) && ctx.Err() == nil {
				acceptErr = fmt.Errorf("ble accept: %w", err)
			}
			break
		}
		g.Go(func() error {
			if err := s.ServeLink(ctx, link); err != nil {
				s.log.WithField("link", link.ID()).WithError(err).Warn("link ended with error")
			}
			return nil
		})
	}
	_ = g.Wait()
	s.log.Info("ble transport stopped")
	return acceptErr
}

// ServeLink runs the receive, dispatch and reply loop for one link. A peer
// disconnect is a normal end and returns nil; any partial message is
// discarded without reaching the handler.
func (s *Server) ServeLink(ctx context.Context, link Link) error {
	log := s.log.WithFields(logrus.Fields{"link": link.ID(), "mtu": link.MTU()})
	log.Info("link connected")
	rx := NewReassembler(s.maxMsg, s.eager)

	for {
		chunk, err := link.Recv(ctx)
		if err != nil {
			if n := rx.Pending(); n > 0 {
				log.WithField("bytes", n).Debug("discarding partial message")
			}
			rx.Reset()
			if errors.Is(err, ErrLinkClosed) {
				log.Info("link disconnected")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}

		msgs, dropped := rx.Feed(chunk)
		if dropped > 0 {
			log.WithFields(logrus.Fields{"dropped": dropped, "limit": s.maxMsg}).Warn("message exceeds buffer limit; discarded")
		}
		for _, m := range msgs {
			resp := s.handler.Handle(ctx, m)
			if resp == nil {
				continue
			}
			if err := s.send(ctx, link, resp); err != nil {
				if errors.Is(err, ErrLinkClosed) {
					log.Info("link disconnected while replying")
					return nil
				}
				return err
			}
		}
	}
}

func (s *Server) send(ctx context.Context, link Link, resp []byte) error {
	chunks, err := Fragment(resp, link.MTU())
	if err != nil {
		return err
	}
	for i, c := range chunks {
		if err := link.Send(ctx, c); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	s.log.WithFields(logrus.Fields{"link": link.ID(), "bytes": len(resp), "chunks": len(chunks)}).Debug("reply sent")
	return nil
}
