package ble

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Link is one connected central: a stream of inbound chunks and a way to
// send outbound ones.
type Link interface {
	ID() string
	// MTU is the current maximum payload of one outbound chunk.
	MTU() int
	// Recv blocks for the next inbound chunk. It returns ErrLinkClosed once
	// the peer has gone.
	Recv(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, chunk []byte) error
}

// Listener hands out links as centrals connect.
type Listener interface {
	Accept(ctx context.Context) (Link, error)
}

// SendFunc writes one outbound chunk to the peer.
type SendFunc func(ctx context.Context, chunk []byte) error

// ChanLink is a Link fed from callbacks, such as a BLE stack's
// characteristic write events.
type ChanLink struct {
	id   string
	mtu  int
	send SendFunc

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// NewChanLink returns an open link. send may be nil for a link that never
// answers.
func NewChanLink(mtu int, send SendFunc) *ChanLink {
	return &ChanLink{
		id:     uuid.NewString(),
		mtu:    mtu,
		send:   send,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (l *ChanLink) ID() string { return l.id }
func (l *ChanLink) MTU() int   { return l.mtu }

// Deliver queues an inbound chunk. It blocks while the queue is full and
// reports false once the link is closed.
func (l *ChanLink) Deliver(chunk []byte) bool {
	c := append([]byte(nil), chunk...)
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.in <- c:
		return true
	case <-l.closed:
		return false
	}
}

// TryDeliver queues an inbound chunk without blocking. It returns
// ErrLinkBusy when the queue is full and ErrLinkClosed once the link is
// closed; in both cases the chunk is dropped.
func (l *ChanLink) TryDeliver(chunk []byte) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	select {
	case l.in <- append([]byte(nil), chunk...):
		return nil
	case <-l.closed:
		return ErrLinkClosed
	default:
		return ErrLinkBusy
	}
}

// Close marks the peer as disconnected. Queued chunks are discarded.
func (l *ChanLink) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

func (l *ChanLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-l.closed:
		return nil, ErrLinkClosed
	default:
	}
	select {
	case c := <-l.in:
		return c, nil
	case <-l.closed:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *ChanLink) Send(ctx context.Context, chunk []byte) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	if l.send == nil {
		return nil
	}
	return l.send(ctx, chunk)
}

// ChanListener is a Listener whose links are offered by the code that
// observes connections.
type ChanListener struct {
	links     chan Link
	done      chan struct{}
	closeOnce sync.Once
}

func NewChanListener() *ChanListener {
	return &ChanListener{links: make(chan Link), done: make(chan struct{})}
}

// Offer hands link to the next Accept call, blocking until it is taken.
func (l *ChanListener) Offer(ctx context.Context, link Link) error {
	select {
	case l.links <- link:
		return nil
	case <-l.done:
		return ErrListenerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ChanListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.links:
		return link, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *ChanListener) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
