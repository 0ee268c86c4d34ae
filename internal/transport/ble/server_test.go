package ble

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picomcp/internal/mcp"
)

// countingHandler wraps a real server and records every message it sees.
type countingHandler struct {
	mu    sync.Mutex
	seen  [][]byte
	inner mcp.MessageHandler
}

func (h *countingHandler) Handle(ctx context.Context, data []byte) []byte {
	h.mu.Lock()
	h.seen = append(h.seen, append([]byte(nil), data...))
	h.mu.Unlock()
	return h.inner.Handle(ctx, data)
}

func (h *countingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func newCountingHandler() *countingHandler {
	regs := mcp.NewRegistries()
	regs.Tools.Register(mcp.ToolDefinition{Name: "echo", ParamNames: []string{"message"}}, mcp.ToolFunc(func(_ context.Context, a mcp.Args) (any, error) {
		s, _ := a.String("message")
		return "Echo: " + s, nil
	}))
	return &countingHandler{inner: mcp.NewServer(mcp.NewDispatcher(mcp.ServerInfo{Name: "t", Version: "0"}, regs))}
}

// sink collects outbound chunks.
type sink struct {
	mu     sync.Mutex
	chunks [][]byte
	mtu    int
	t      *testing.T
}

func (s *sink) send(_ context.Context, c []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.LessOrEqual(s.t, len(c), s.mtu)
	s.chunks = append(s.chunks, append([]byte(nil), c...))
	return nil
}

// messages reassembles what was sent so far.
func (s *sink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range bytes.Split(bytes.Join(s.chunks, nil), []byte{Terminator}) {
		if len(m) > 0 {
			out = append(out, string(m))
		}
	}
	return out
}

func serveLink(t *testing.T, h mcp.MessageHandler, link *ChanLink, opts ...Option) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- NewServer(h, opts...).ServeLink(context.Background(), link) }()
	return done
}

func waitDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("link loop did not stop")
	}
}

func TestServeLinkSplitRequestYieldsOneDispatch(t *testing.T) {
	h := newCountingHandler()
	out := &sink{mtu: 20, t: t}
	link := NewChanLink(20, out.send)
	done := serveLink(t, h, link)

	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":["over ble"]}}`
	chunks, err := Fragment([]byte(req), 20)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 3)
	for _, c := range chunks {
		require.True(t, link.Deliver(c))
	}

	require.Eventually(t, func() bool { return len(out.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	link.Close()
	waitDone(t, done)

	require.Equal(t, 1, h.calls())
	assert.Equal(t, req, string(h.seen[0]))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"Echo: over ble"}],"isError":false}}`, out.messages()[0])
}

func TestServeLinkDisconnectMidMessage(t *testing.T) {
	h := newCountingHandler()
	out := &sink{mtu: 20, t: t}
	link := NewChanLink(20, out.send)

	chunks, err := Fragment([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), 8)
	require.NoError(t, err)
	for _, c := range chunks[:len(chunks)-2] {
		require.True(t, link.Deliver(c))
	}
	link.Close()
	assert.False(t, link.Deliver(chunks[len(chunks)-1]))

	done := serveLink(t, h, link)
	waitDone(t, done)
	assert.Zero(t, h.calls())
	assert.Empty(t, out.messages())
}

func TestServeLinkParseErrorThenRecovers(t *testing.T) {
	h := newCountingHandler()
	out := &sink{mtu: 16, t: t}
	link := NewChanLink(16, out.send)
	done := serveLink(t, h, link, WithEagerParse(true))

	link.Deliver([]byte(`{"jsonrpc":"2.0",`))
	link.Deliver([]byte("\n"))
	link.Deliver([]byte(`{"jsonrpc":"2.0","id":"p","method":"ping"}`))

	require.Eventually(t, func() bool { return len(out.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	link.Close()
	waitDone(t, done)

	msgs := out.messages()
	var first struct {
		ID    json.RawMessage `json:"id"`
		Error *mcp.Error      `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(msgs[0]), &first))
	assert.Equal(t, "null", string(first.ID))
	require.NotNil(t, first.Error)
	assert.Equal(t, mcp.CodeParseError, first.Error.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"p","result":{}}`, msgs[1])
}

func TestServeLinkNotificationSendsNothing(t *testing.T) {
	h := newCountingHandler()
	out := &sink{mtu: 20, t: t}
	link := NewChanLink(20, out.send)
	done := serveLink(t, h, link)

	link.Deliver([]byte("{\"jsonrpc\":\"2.0\",\"method\":\"notifications/initialized\"}\n"))
	link.Deliver([]byte("{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"ping\"}\n"))
	require.Eventually(t, func() bool { return len(out.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	link.Close()
	waitDone(t, done)

	assert.Equal(t, 2, h.calls())
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":{}}`, out.messages()[0])
}

func TestServeLinkOverflowIsDropped(t *testing.T) {
	h := newCountingHandler()
	out := &sink{mtu: 20, t: t}
	link := NewChanLink(20, out.send)
	done := serveLink(t, h, link, WithMaxMessageBytes(48))

	big, err := Fragment([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"xxxxxxxxxxxxxxxxxxxxxxxx"}}`), 20)
	require.NoError(t, err)
	for _, c := range big {
		link.Deliver(c)
	}
	link.Deliver([]byte("{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"ping\"}\n"))
	require.Eventually(t, func() bool { return len(out.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	link.Close()
	waitDone(t, done)

	assert.Equal(t, 1, h.calls(), "oversized message never reaches the handler")
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"result":{}}`, out.messages()[0])
}

func TestServerServesLinksConcurrently(t *testing.T) {
	h := newCountingHandler()
	ln := NewChanListener()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- NewServer(h, WithMaxLinks(4)).Serve(ctx, ln) }()

	sinks := make([]*sink, 3)
	links := make([]*ChanLink, 3)
	for i := range links {
		sinks[i] = &sink{mtu: 12, t: t}
		links[i] = NewChanLink(12, sinks[i].send)
		require.NoError(t, ln.Offer(ctx, links[i]))
	}
	assert.NotEqual(t, links[0].ID(), links[1].ID())

	for i, l := range links {
		id, _ := json.Marshal(i)
		l.Deliver([]byte(`{"jsonrpc":"2.0","id":` + string(id) + `,"method":"ping"}` + "\n"))
	}
	for i, s := range sinks {
		require.Eventually(t, func() bool { return len(s.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
		id, _ := json.Marshal(i)
		assert.JSONEq(t, `{"jsonrpc":"2.0","id":`+string(id)+`,"result":{}}`, s.messages()[0])
	}

	for _, l := range links {
		l.Close()
	}
	ln.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err := ln.Accept(context.Background())
	assert.ErrorIs(t, err, ErrListenerClosed)
}

func TestChanLinkRecvAfterClose(t *testing.T) {
	l := NewChanLink(20, nil)
	l.Close()
	l.Close()
	_, err := l.Recv(context.Background())
	assert.ErrorIs(t, err, ErrLinkClosed)
	assert.ErrorIs(t, l.Send(context.Background(), []byte("x")), ErrLinkClosed)
}

func TestChanLinkTryDeliver(t *testing.T) {
	l := NewChanLink(20, nil)
	for i := range 64 {
		require.NoError(t, l.TryDeliver([]byte{byte(i)}), "chunk %d", i)
	}
	assert.ErrorIs(t, l.TryDeliver([]byte("x")), ErrLinkBusy)

	c, err := l.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, c)
	assert.NoError(t, l.TryDeliver([]byte("y")))

	l.Close()
	assert.ErrorIs(t, l.TryDeliver([]byte("z")), ErrLinkClosed)
	assert.False(t, l.Deliver([]byte("z")))
}
