// Package ble carries JSON-RPC over a pair of BLE characteristics whose
// payload per write or notify event is limited to the link MTU.
//
// Every message is framed by a trailing newline and split into chunks of at
// most MTU bytes; the chunk holding the newline is the terminal one.
package ble

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Terminator marks the end of a framed message. Compact JSON never contains
// a raw newline, so it cannot occur inside a payload.
const Terminator = '\n'

var (
	// ErrLinkClosed is returned by a Link once its peer has disconnected.
	ErrLinkClosed = errors.New("ble: link closed")
	// ErrListenerClosed is returned by Accept after the listener is closed.
	ErrListenerClosed = errors.New("ble: listener closed")
	// ErrLinkBusy is returned by TryDeliver when the inbound queue is full.
	ErrLinkBusy   = errors.New("ble: link inbound queue full")
	ErrInvalidMTU = errors.New("ble: invalid mtu")
)

// Fragment frames msg and splits it into chunks of at most mtu bytes. Only
// the last chunk ends with the terminator.
func Fragment(msg []byte, mtu int) ([][]byte, error) {
	if mtu < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMTU, mtu)
	}
	msg = bytes.TrimRight(msg, "\r\n")
	if bytes.IndexByte(msg, Terminator) >= 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, msg); err != nil {
			return nil, fmt.Errorf("ble: message contains a newline and is not JSON: %w", err)
		}
		msg = buf.Bytes()
	}

	framed := make([]byte, 0, len(msg)+1)
	framed = append(framed, msg...)
	framed = append(framed, Terminator)

	chunks := make([][]byte, 0, (len(framed)+mtu-1)/mtu)
	for len(framed) > 0 {
		n := min(mtu, len(framed))
		chunks = append(chunks, framed[:n:n])
		framed = framed[n:]
	}
	return chunks, nil
}

// Reassembler is a connection's Fragment Buffer. It is not safe for
// concurrent use; each link owns exactly one.
type Reassembler struct {
	buf        []byte
	max        int
	eager      bool
	discarding bool
}

// NewReassembler returns a buffer holding at most maxBytes of one message.
// With eager set, a buffer that already holds a complete JSON object is
// delivered without waiting for the terminator.
func NewReassembler(maxBytes int, eager bool) *Reassembler {
	return &Reassembler{max: maxBytes, eager: eager}
}

// Feed appends chunk and returns every message it completed, in order.
// Bytes dropped because a message outgrew the limit are counted in dropped;
// after an overflow the rest of that message, up to its terminator, is
// discarded as well.
func (r *Reassembler) Feed(chunk []byte) (msgs [][]byte, dropped int) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, Terminator)
		part, rest := chunk, []byte(nil)
		if i >= 0 {
			part, rest = chunk[:i], chunk[i+1:]
		}

		if r.discarding {
			dropped += len(part)
			if i < 0 {
				return msgs, dropped
			}
			r.discarding = false
			chunk = rest
			continue
		}

		if r.max > 0 && len(r.buf)+len(part) > r.max {
			dropped += len(r.buf) + len(part)
			r.buf = r.buf[:0]
			if i < 0 {
				r.discarding = true
				return msgs, dropped
			}
			chunk = rest
			continue
		}

		r.buf = append(r.buf, part...)
		if i < 0 {
			if r.eager && r.complete() {
				msgs = append(msgs, r.take())
			}
			return msgs, dropped
		}
		if m := r.take(); len(m) > 0 {
			msgs = append(msgs, m)
		}
		chunk = rest
	}
	return msgs, dropped
}

// complete reports whether the buffer already holds one whole JSON object.
func (r *Reassembler) complete() bool {
	b := bytes.TrimSpace(r.buf)
	return len(b) > 0 && b[len(b)-1] == '}' && json.Valid(b)
}

// take returns the trimmed buffer contents and clears the buffer.
func (r *Reassembler) take() []byte {
	m := bytes.TrimSpace(r.buf)
	out := make([]byte, len(m))
	copy(out, m)
	r.buf = r.buf[:0]
	return out
}

// Pending is the number of buffered bytes of an incomplete message.
func (r *Reassembler) Pending() int { return len(r.buf) }

// Reset discards any partial message.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.discarding = false
}
