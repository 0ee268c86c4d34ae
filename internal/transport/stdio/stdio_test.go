package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picomcp/internal/mcp"
)

// recorder echoes every message as {"got":...} and answers nothing for
// messages containing "notify".
type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) Handle(_ context.Context, data []byte) []byte {
	r.mu.Lock()
	r.seen = append(r.seen, string(data))
	r.mu.Unlock()
	if bytes.Contains(data, []byte("notify")) {
		return nil
	}
	b, _ := json.Marshal(map[string]string{"got": string(data)})
	return b
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func lines(s string) []string {
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

func TestServeFramesOneResponsePerLine(t *testing.T) {
	rec := &recorder{}
	in := strings.NewReader("{\"a\":1}\n\n   \n{\"notify\":true}\r\n{\"b\":2}")
	var out bytes.Buffer

	err := New(rec).Serve(context.Background(), in, &out)
	require.NoError(t, err)

	assert.Equal(t, []string{`{"a":1}`, `{"notify":true}`, `{"b":2}`}, rec.seen)
	got := lines(out.String())
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"got":"{\"a\":1}"}`, got[0])
	assert.JSONEq(t, `{"got":"{\"b\":2}"}`, got[1])
	assert.True(t, strings.HasSuffix(out.String(), "}\n"))
}

func TestServeOversizedLine(t *testing.T) {
	rec := &recorder{}
	long := "{\"x\":\"" + strings.Repeat("y", 100) + "\"}"
	in := strings.NewReader(long + "\n{\"ok\":1}\n")
	var out bytes.Buffer

	require.NoError(t, New(rec, WithMaxLineBytes(32)).Serve(context.Background(), in, &out))

	assert.Equal(t, []string{`{"ok":1}`}, rec.seen, "oversized line must not reach the handler")
	got := lines(out.String())
	require.Len(t, got, 2)
	var resp struct {
		ID    json.RawMessage `json:"id"`
		Error *mcp.Error      `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(got[0]), &resp))
	assert.Equal(t, "null", string(resp.ID))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeParseError, resp.Error.Code)
}

func TestServeWithDispatcher(t *testing.T) {
	regs := mcp.NewRegistries()
	regs.Tools.Register(mcp.ToolDefinition{Name: "echo"}, mcp.ToolFunc(func(_ context.Context, a mcp.Args) (any, error) {
		s, _ := a.String("m")
		return s, nil
	}))
	srv := mcp.NewServer(mcp.NewDispatcher(mcp.ServerInfo{Name: "t", Version: "0"}, regs))

	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"m":"hi"}}}`,
		`this is not json`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"z","method":"ping"}`,
	}, "\n") + "\n")
	var out bytes.Buffer
	require.NoError(t, New(srv).Serve(context.Background(), in, &out))

	got := lines(out.String())
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"hi"}],"isError":false}}`, got[0])
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error","data":"invalid JSON received by server"}}`, got[1])
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"z","result":{}}`, got[2])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("pipe closed") }

func TestServeWriteError(t *testing.T) {
	err := New(&recorder{}).Serve(context.Background(), strings.NewReader("{}\n"), failingWriter{})
	assert.ErrorContains(t, err, "pipe closed")
}

func TestServeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr, pw := io.Pipe()
	defer pw.Close()
	err := New(&recorder{}).Serve(ctx, pr, io.Discard)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServeStopsWhenCancelledWhileWaitingForInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pw.Close()

	rec := &recorder{}
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- New(rec).Serve(ctx, pr, &out) }()

	_, err := pw.Write([]byte("{\"a\":1}\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Serve is now blocked waiting for the next line.
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.JSONEq(t, `{"got":"{\"a\":1}"}`, strings.TrimSpace(out.String()))
}
