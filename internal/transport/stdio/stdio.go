// Package stdio serves JSON-RPC over newline-delimited JSON on a pair of
// byte streams, typically the process's stdin and stdout.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"picomcp/internal/mcp"
)

// DefaultMaxLineBytes caps a single inbound line.
const DefaultMaxLineBytes = 1 << 20

// Transport reads one JSON document per line and writes one response per
// line. Messages are handled strictly in arrival order.
type Transport struct {
	handler mcp.MessageHandler
	maxLine int
	log     logrus.FieldLogger
}

type Option func(*Transport)

// WithMaxLineBytes bounds the length of one inbound line. Longer lines are
// discarded and answered with a parse error.
func WithMaxLineBytes(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLine = n
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(t *Transport) { t.log = l }
}

func New(h mcp.MessageHandler, opts ...Option) *Transport {
	t := &Transport{handler: h, maxLine: DefaultMaxLineBytes, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Serve runs until r reaches end of input, ctx is cancelled or writing to w
// fails. Reaching end of input is a clean shutdown and returns nil.
//
// Reads happen on a separate goroutine so cancellation is noticed while
// waiting for input. A read already blocked on r when ctx is cancelled
// finishes only once r yields data or is closed.
func (t *Transport) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	done := make(chan struct{})
	defer close(done)
	lines := t.readLines(bufio.NewReaderSize(r, 64<<10), done)
	t.log.Info("stdio transport ready")

	for {
		var in inbound
		select {
		case <-ctx.Done():
			t.log.Info("stdio transport cancelled")
			return ctx.Err()
		case in = <-lines:
		}

		if in.tooLong {
			t.log.WithField("limit", t.maxLine).Warn("discarded oversized line")
			if werr := writeNDJSON(bw, parseErrorResponse("line exceeds maximum length")); werr != nil {
				return werr
			}
		} else if msg := bytes.TrimSpace(in.line); len(msg) > 0 {
			if resp := t.handler.Handle(ctx, msg); resp != nil {
				if werr := writeNDJSON(bw, resp); werr != nil {
					return werr
				}
			}
		}
		if in.err != nil {
			if errors.Is(in.err, io.EOF) {
				t.log.Info("stdin closed; stdio transport stopping")
				return nil
			}
			return fmt.Errorf("read stdin: %w", in.err)
		}
	}
}

// inbound is one line read from the input, with the read error that ended
// it, if any.
type inbound struct {
	line    []byte
	tooLong bool
	err     error
}

// readLines reads lines on its own goroutine until a read fails or done is
// closed. The next line is read only after the previous one was taken.
func (t *Transport) readLines(br *bufio.Reader, done <-chan struct{}) <-chan inbound {
	out := make(chan inbound)
	go func() {
		for {
			line, tooLong, err := t.readLine(br)
			select {
			case out <- inbound{line: line, tooLong: tooLong, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// readLine returns the next line without its terminator. When the line is
// longer than the limit its remainder is consumed and tooLong is set.
func (t *Transport) readLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, isPrefix, rerr := r.ReadLine()
		if !tooLong {
			if len(line)+len(chunk) > t.maxLine {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if rerr != nil {
			return line, tooLong, rerr
		}
		if !isPrefix {
			return line, tooLong, nil
		}
	}
}

// writeNDJSON writes one encoded response followed by exactly one newline.
func writeNDJSON(w *bufio.Writer, enc []byte) error {
	if _, err := w.Write(append(bytes.TrimRight(enc, "\r\n"), '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return w.Flush()
}

func parseErrorResponse(detail string) []byte {
	b, _ := json.Marshal(mcp.NewErrorResponse(nil, mcp.NewError(mcp.CodeParseError, "", detail)))
	return b
}
